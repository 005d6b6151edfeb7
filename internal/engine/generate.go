package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/23skdu/longbow-infill/internal/logger"
	"github.com/23skdu/longbow-infill/internal/metrics"
)

// SpanMarker is the placeholder callers embed in input text wherever a
// blank should be filled.
const SpanMarker = "<span>"

// MaxSpans caps the number of blanks per request; each span consumes a
// sentinel token id starting at the model's span id.
const MaxSpans = 16

// FinishReason records why a request stopped decoding.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"      // every span closed on a terminator
	FinishLength    FinishReason = "length"    // token budget exhausted
	FinishCancelled FinishReason = "cancelled" // caller context done
)

// GenerationResult is the outcome of one fill or generate request.
type GenerationResult struct {
	Spans           []Span
	TokensGenerated int
	Finish          FinishReason
	Duration        time.Duration
}

// FillBlank resolves every span marker in text left to right. Earlier
// spans are part of the decoding history of later ones, so a span's
// content conditions everything after it. Zero markers is a valid
// request and returns an empty result without touching the model.
func (e *Engine) FillBlank(ctx context.Context, text string, cfg SamplingConfig) (*GenerationResult, error) {
	return e.fill(ctx, text, cfg, nil)
}

func (e *Engine) fill(ctx context.Context, text string, cfg SamplingConfig, stop map[int]bool) (*GenerationResult, error) {
	if err := cfg.Validate(); err != nil {
		metrics.RecordRequest("rejected")
		return nil, err
	}

	segments, positions := splitSpans(text)
	numSpans := len(positions)
	if numSpans > MaxSpans {
		metrics.RecordRequest("rejected")
		return nil, fmt.Errorf("%w: %d span markers, limit %d", ErrConfiguration, numSpans, MaxSpans)
	}
	if numSpans == 0 {
		metrics.RecordRequest("ok")
		return &GenerationResult{Finish: FinishStop}, nil
	}

	// Input ids: segment tokens interleaved with one sentinel per blank.
	var ids []int
	for i, seg := range segments {
		if seg != "" {
			ids = append(ids, e.tok.Encode(seg)...)
		}
		if i < numSpans {
			ids = append(ids, e.Model.SpanID+i)
		}
	}

	start := time.Now()
	res, err := e.decodeSpans(ctx, ids, numSpans, cfg, stop)
	if err != nil {
		metrics.RecordRequest("error")
		return nil, err
	}
	for i := range res.Spans {
		res.Spans[i].Position = positions[i]
		res.Spans[i].Text = e.tok.Decode(res.Spans[i].TokenIDs)
	}
	res.Duration = time.Since(start)

	metrics.SpansResolved.Add(float64(numSpans))
	metrics.RecordRequest("ok")
	logger.Log.Component("engine").Debug("fill complete",
		"spans", numSpans,
		"tokens", res.TokensGenerated,
		"finish", string(res.Finish),
		"duration", res.Duration)
	return res, nil
}

// Generate continues the prompt as open-ended text by filling a single
// trailing blank. Any token of any stop entry ends the continuation;
// the end-of-document token always does.
func (e *Engine) Generate(ctx context.Context, prompt string, cfg SamplingConfig, stop []string) (string, *GenerationResult, error) {
	if strings.Contains(prompt, SpanMarker) {
		return "", nil, fmt.Errorf("%w: prompt contains a span marker; use FillBlank", ErrConfiguration)
	}
	var stopIDs map[int]bool
	if len(stop) > 0 {
		stopIDs = make(map[int]bool)
		for _, s := range stop {
			for _, id := range e.tok.Encode(s) {
				stopIDs[id] = true
			}
		}
	}
	res, err := e.fill(ctx, prompt+SpanMarker, cfg, stopIDs)
	if err != nil {
		return "", nil, err
	}
	return res.Spans[0].Text, res, nil
}

// decodeSpans runs the encoder once and then decodes each span in
// order. The decoder history is a single stream: start token, then for
// each span its sentinel followed by its sampled content. The sentinel
// of a later span, the end-of-document token, or a caller stop id
// closes the current span.
func (e *Engine) decodeSpans(ctx context.Context, ids []int, numSpans int, cfg SamplingConfig, stop map[int]bool) (*GenerationResult, error) {
	ictx, err := e.encodePass(ctx, ids)
	if err != nil {
		return nil, err
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultSampling().MaxTokens
	}

	sampler := NewSampler(cfg, ids)
	res := &GenerationResult{
		Spans:  make([]Span, numSpans),
		Finish: FinishStop,
	}

	// Priming step: the start token establishes position zero; its
	// logits are never sampled because span sentinels are forced.
	if _, err := e.decodeStep(ctx, ictx, e.Model.StartID); err != nil {
		return nil, err
	}

spans:
	for k := 0; k < numSpans; k++ {
		logits, err := e.decodeStep(ctx, ictx, e.Model.SpanID+k)
		if err != nil {
			return nil, err
		}
		for {
			if res.TokensGenerated >= maxTokens {
				res.Finish = FinishLength
				break spans
			}
			if ctx.Err() != nil {
				res.Finish = FinishCancelled
				return res, ctx.Err()
			}

			id, err := sampler.Sample(logits)
			if err != nil {
				return nil, err
			}
			if stop[id] || e.isTerminator(id, k, numSpans) {
				continue spans
			}

			res.Spans[k].TokenIDs = append(res.Spans[k].TokenIDs, id)
			res.TokensGenerated++

			logits, err = e.decodeStep(ctx, ictx, id)
			if err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

func (e *Engine) encodePass(ctx context.Context, ids []int) (*InferenceContext, error) {
	if e.encodeFn != nil {
		return e.encodeFn(ctx, ids)
	}
	return e.Encode(ctx, ids)
}

func (e *Engine) decodeStep(ctx context.Context, ictx *InferenceContext, token int) ([]float32, error) {
	if e.decodeFn != nil {
		return e.decodeFn(ctx, ictx, token)
	}
	return e.DecodeStep(ctx, ictx, token)
}

// isTerminator reports whether a sampled id closes span k: the
// end-of-document token or the sentinel of a later span, up to and
// including the one past the request's last blank. The current span's
// own sentinel and earlier ones decode as ordinary content.
func (e *Engine) isTerminator(id, k, numSpans int) bool {
	if id == e.Model.EODID {
		return true
	}
	return id > e.Model.SpanID+k && id <= e.Model.SpanID+numSpans
}

// splitSpans cuts text around every span marker, returning the literal
// segments (len(spans)+1 of them) and each marker's byte offset in the
// original text.
func splitSpans(text string) ([]string, []int) {
	var segments []string
	var positions []int
	rest := text
	base := 0
	for {
		i := strings.Index(rest, SpanMarker)
		if i < 0 {
			segments = append(segments, rest)
			return segments, positions
		}
		segments = append(segments, rest[:i])
		positions = append(positions, base+i)
		rest = rest[i+len(SpanMarker):]
		base += i + len(SpanMarker)
	}
}
