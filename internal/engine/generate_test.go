package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/23skdu/longbow-infill/internal/config"
)

// scriptEngine wires an engine whose decoder is a lookup table: feeding
// token a yields logits whose argmax is script[a]. With top_n=1 the
// controller then walks the scripted chain deterministically.
func scriptEngine(t *testing.T, script map[int]int) (*Engine, *[]int) {
	t.Helper()
	e := newTestEngine(t, config.DefaultRuntime(), 1)

	fed := &[]int{}
	e.encodeFn = func(ctx context.Context, ids []int) (*InferenceContext, error) {
		return &InferenceContext{InputLength: len(ids)}, nil
	}
	e.decodeFn = func(ctx context.Context, ictx *InferenceContext, token int) ([]float32, error) {
		*fed = append(*fed, token)
		logits := make([]float32, e.Model.VocabSize)
		for i := range logits {
			logits[i] = -10
		}
		if next, ok := script[token]; ok {
			logits[next] = 10
		}
		return logits, nil
	}
	return e, fed
}

func greedy() SamplingConfig {
	return SamplingConfig{TopP: 1, TopN: 1, Temperature: 1, MaxTokens: 8, Seed: 1}
}

func TestFillBlankSingleSpan(t *testing.T) {
	// "A<span>C" resolves to "B": after the span sentinel the model
	// proposes id 11 ('B'), then the next sentinel. A single-span
	// request closes on sentinel 1, one past its only blank.
	e, fed := scriptEngine(t, map[int]int{
		24: 11, // span 0 sentinel -> 'B'
		11: 25, // 'B' -> sentinel 1, closing span 0
	})

	res, err := e.FillBlank(context.Background(), "A<span>C", greedy())
	if err != nil {
		t.Fatalf("FillBlank: %v", err)
	}
	if len(res.Spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(res.Spans))
	}
	if res.Spans[0].Text != "B" {
		t.Errorf("span text %q, want %q", res.Spans[0].Text, "B")
	}
	if res.Spans[0].Position != 1 {
		t.Errorf("span position %d, want 1", res.Spans[0].Position)
	}
	if res.TokensGenerated != 1 || res.Finish != FinishStop {
		t.Errorf("got %d tokens, finish %q; want 1, stop", res.TokensGenerated, res.Finish)
	}

	// Decoder feed order: start token, sentinel 0, then the accepted
	// span content. Sampled terminators are never fed back.
	want := []int{1, 24, 11}
	if len(*fed) != len(want) {
		t.Fatalf("fed %v, want %v", *fed, want)
	}
	for i := range want {
		if (*fed)[i] != want[i] {
			t.Fatalf("fed %v, want %v", *fed, want)
		}
	}
}

func TestFillBlankTwoSpansLeftToRight(t *testing.T) {
	// Span 0 resolves before span 1 ever starts, so span 1's sentinel
	// is fed after span 0's content is already decoder history.
	e, fed := scriptEngine(t, map[int]int{
		24: 13, // span 0 -> 'D'
		13: 25, // 'D' -> span 1 sentinel, closing span 0
		25: 14, // span 1 -> 'E'
		14: 2,  // 'E' -> EOD
	})

	res, err := e.FillBlank(context.Background(), "A<span>B<span>C", greedy())
	if err != nil {
		t.Fatalf("FillBlank: %v", err)
	}
	if len(res.Spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(res.Spans))
	}
	if res.Spans[0].Text != "D" || res.Spans[1].Text != "E" {
		t.Errorf("spans %q/%q, want D/E", res.Spans[0].Text, res.Spans[1].Text)
	}
	if res.Spans[0].Position != 1 || res.Spans[1].Position != 8 {
		t.Errorf("positions %d/%d, want 1/8", res.Spans[0].Position, res.Spans[1].Position)
	}

	want := []int{1, 24, 13, 25, 14}
	if len(*fed) != len(want) {
		t.Fatalf("fed %v, want %v", *fed, want)
	}
	for i := range want {
		if (*fed)[i] != want[i] {
			t.Fatalf("fed %v, want %v", *fed, want)
		}
	}
}

func TestFillBlankClosesOnEOD(t *testing.T) {
	// End-of-document closes a span even when no later sentinel is
	// ever proposed.
	e, _ := scriptEngine(t, map[int]int{
		24: 11,
		11: 2,
	})

	res, err := e.FillBlank(context.Background(), "A<span>C", greedy())
	if err != nil {
		t.Fatalf("FillBlank: %v", err)
	}
	if res.Spans[0].Text != "B" || res.Finish != FinishStop {
		t.Errorf("got text %q, finish %q; want B, stop", res.Spans[0].Text, res.Finish)
	}
}

func TestFillBlankOwnSentinelIsContent(t *testing.T) {
	// Only sentinels past the current span terminate it. The span's
	// own sentinel id is ordinary vocabulary if sampled, so this
	// script loops until the token budget cuts it.
	e, _ := scriptEngine(t, map[int]int{24: 24})

	cfg := greedy()
	cfg.MaxTokens = 2
	res, err := e.FillBlank(context.Background(), "A<span>C", cfg)
	if err != nil {
		t.Fatalf("FillBlank: %v", err)
	}
	if res.Finish != FinishLength {
		t.Errorf("finish %q, want length", res.Finish)
	}
	if len(res.Spans[0].TokenIDs) != 2 || res.Spans[0].TokenIDs[0] != 24 {
		t.Errorf("span ids %v, want [24 24]", res.Spans[0].TokenIDs)
	}
}

func TestFillBlankTokenBudget(t *testing.T) {
	// The script loops on 'B' forever; the token budget has to cut it.
	e, _ := scriptEngine(t, map[int]int{24: 11, 11: 11})

	cfg := greedy()
	cfg.MaxTokens = 3
	res, err := e.FillBlank(context.Background(), "A<span>C", cfg)
	if err != nil {
		t.Fatalf("FillBlank: %v", err)
	}
	if res.Finish != FinishLength {
		t.Errorf("finish %q, want length", res.Finish)
	}
	if res.TokensGenerated != 3 || res.Spans[0].Text != "BBB" {
		t.Errorf("got %d tokens, text %q; want 3, BBB", res.TokensGenerated, res.Spans[0].Text)
	}
}

func TestFillBlankNoSpans(t *testing.T) {
	e, fed := scriptEngine(t, nil)
	res, err := e.FillBlank(context.Background(), "no blanks here", greedy())
	if err != nil {
		t.Fatalf("FillBlank: %v", err)
	}
	if len(res.Spans) != 0 || res.TokensGenerated != 0 {
		t.Errorf("zero-span request produced output: %+v", res)
	}
	if len(*fed) != 0 {
		t.Errorf("zero-span request touched the decoder: fed %v", *fed)
	}
}

func TestFillBlankTooManySpans(t *testing.T) {
	e, _ := scriptEngine(t, nil)
	text := strings.Repeat(SpanMarker, MaxSpans+1)
	_, err := e.FillBlank(context.Background(), text, greedy())
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestFillBlankRejectsBadSampling(t *testing.T) {
	e, _ := scriptEngine(t, nil)
	cfg := greedy()
	cfg.Temperature = 0
	if _, err := e.FillBlank(context.Background(), "A<span>C", cfg); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestGenerate(t *testing.T) {
	e, _ := scriptEngine(t, map[int]int{
		24: 11,
		11: 12,
		12: 2,
	})

	text, res, err := e.Generate(context.Background(), "A", greedy(), nil)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "BC" {
		t.Errorf("continuation %q, want %q", text, "BC")
	}
	if res.Finish != FinishStop {
		t.Errorf("finish %q, want stop", res.Finish)
	}
}

func TestGenerateStopTokens(t *testing.T) {
	// "D" (id 13) is a caller stop token: the continuation ends there
	// and the stop token itself is not part of the output.
	e, fed := scriptEngine(t, map[int]int{
		24: 11, // 'B'
		11: 13, // 'D', the stop token
	})

	text, res, err := e.Generate(context.Background(), "A", greedy(), []string{"D"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if text != "B" {
		t.Errorf("continuation %q, want %q", text, "B")
	}
	if res.Finish != FinishStop {
		t.Errorf("finish %q, want stop", res.Finish)
	}
	want := []int{1, 24, 11}
	if len(*fed) != len(want) {
		t.Fatalf("fed %v, want %v", *fed, want)
	}
	for i := range want {
		if (*fed)[i] != want[i] {
			t.Fatalf("fed %v, want %v", *fed, want)
		}
	}
}

func TestGenerateRejectsSpanMarker(t *testing.T) {
	e, _ := scriptEngine(t, nil)
	_, _, err := e.Generate(context.Background(), "A<span>B", greedy(), nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestSplitSpans(t *testing.T) {
	tests := []struct {
		text      string
		segments  []string
		positions []int
	}{
		{"plain", []string{"plain"}, nil},
		{"<span>", []string{"", ""}, []int{0}},
		{"A<span>C", []string{"A", "C"}, []int{1}},
		{"A<span>B<span>", []string{"A", "B", ""}, []int{1, 8}},
	}
	for _, tt := range tests {
		segs, pos := splitSpans(tt.text)
		if len(segs) != len(tt.segments) {
			t.Errorf("%q: segments %v, want %v", tt.text, segs, tt.segments)
			continue
		}
		for i := range segs {
			if segs[i] != tt.segments[i] {
				t.Errorf("%q: segments %v, want %v", tt.text, segs, tt.segments)
			}
		}
		if len(pos) != len(tt.positions) {
			t.Errorf("%q: positions %v, want %v", tt.text, pos, tt.positions)
			continue
		}
		for i := range pos {
			if pos[i] != tt.positions[i] {
				t.Errorf("%q: positions %v, want %v", tt.text, pos, tt.positions)
			}
		}
	}
}
