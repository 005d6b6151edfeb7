// Package engine hosts the loaded model: resident quantized weights,
// the budgeted slot arena, and the encoder/decoder execution paths that
// stream layer weights through it.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-infill/internal/arena"
	"github.com/23skdu/longbow-infill/internal/config"
	"github.com/23skdu/longbow-infill/internal/device"
	"github.com/23skdu/longbow-infill/internal/logger"
	"github.com/23skdu/longbow-infill/internal/metrics"
	"github.com/23skdu/longbow-infill/internal/quant"
	"github.com/23skdu/longbow-infill/internal/sched"
)

// Load validates a finalized weight store against the runtime budget and
// returns a shareable model handle. The arena is sized here: every slot
// must fit the largest layer of either stack, and the slot count comes
// from the memory limit unless pinned explicitly.
func Load(store *quant.Store, rt config.Runtime, tok Tokenizer) (*Engine, error) {
	log := logger.Log.Component("engine")

	if err := store.Finalize(); err != nil {
		return nil, err
	}
	if err := rt.Validate(); err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, fmt.Errorf("%w: nil tokenizer", ErrConfiguration)
	}

	model := store.Model
	maxSlots := model.EncoderLayers
	if model.DecoderLayers > maxSlots {
		maxSlots = model.DecoderLayers
	}

	slotBytes := store.MaxLayerBytes()
	a, err := arena.New(rt.MemoryLimitBytes, slotBytes, rt.SlotCount, maxSlots)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Model:         model,
		Runtime:       rt,
		store:         store,
		arena:         a,
		ctx:           device.NewContext(rt.Threads),
		tok:           tok,
		embedding:     store.TokenEmbedding.View(),
		output:        store.Output().View(),
		crossK:        make([]*quant.PackedTensor, model.DecoderLayers),
		crossV:        make([]*quant.PackedTensor, model.DecoderLayers),
		debugNumerics: rt.DebugNumerics,
		loadedAt:      time.Now(),
	}
	for i := 0; i < model.DecoderLayers; i++ {
		e.crossK[i] = store.CrossK[i].View()
		e.crossV[i] = store.CrossV[i].View()
	}

	if e.encPosBias, err = dequantFull(store.EncoderPosBias); err != nil {
		return nil, err
	}
	if e.decPosBias, err = dequantFull(store.DecoderPosBias); err != nil {
		return nil, err
	}
	if e.encFinalNorm, err = dequantFull(store.EncoderFinalNorm); err != nil {
		return nil, err
	}
	if e.decFinalNorm, err = dequantFull(store.DecoderFinalNorm); err != nil {
		return nil, err
	}

	log.Info("model loaded",
		"encoder_layers", model.EncoderLayers,
		"decoder_layers", model.DecoderLayers,
		"slot_bytes", slotBytes,
		"slots", a.SlotCount(),
		"threads", e.ctx.NumThreads())
	metrics.RecordArenaSize(a.SlotCount(), int64(a.SlotCount())*int64(slotBytes))
	return e, nil
}

func dequantFull(t *quant.QuantizedTensor) ([]float32, error) {
	dst := make([]float32, t.NumElements())
	if err := t.DequantizeInto(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// runPass streams one layer stack through the arena: the scheduler
// prefetches ahead while fn consumes each layer's packed view in order.
// Any failure aborts the copy queue and returns the arena slots.
func (e *Engine) runPass(ctx context.Context, stack string, layers []*quant.LayerWeights, fn func(i int, view *quant.PackedView) error) error {
	var opts []sched.Option
	if e.schedOptions != nil {
		opts = e.schedOptions(stack)
	}

	sch := sched.New(e.arena, layers, stack, e.Runtime.PrefetchDepth, opts...)
	sch.Start(ctx)
	defer sch.Abort()

	for i := range layers {
		if err := ctx.Err(); err != nil {
			return err
		}
		view, err := sch.WaitReady(ctx, i)
		if err != nil {
			return err
		}
		err = fn(i, view)
		sch.Done(i)
		if err != nil {
			return err
		}
	}
	return nil
}

// Encode runs the full bidirectional pass over the input ids and
// prepares the request's decoding state: encoder output, per-layer
// cross-attention K/V, and an empty past-KV cache.
func (e *Engine) Encode(ctx context.Context, ids []int) (*InferenceContext, error) {
	n := len(ids)
	if n == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrConfiguration)
	}
	for _, id := range ids {
		if id < 0 || id >= e.Model.VocabSize {
			return nil, fmt.Errorf("%w: token id %d outside vocab of %d", ErrConfiguration, id, e.Model.VocabSize)
		}
	}

	start := time.Now()
	dim := e.Model.DimModel
	inner := e.Model.Heads * e.Model.DimKV

	hidden := make([]float32, n*dim)
	for i, id := range ids {
		e.embedToken(hidden[i*dim:(i+1)*dim], id)
	}

	err := e.runPass(ctx, "encoder", e.store.Encoder, func(i int, view *quant.PackedView) error {
		if err := e.encoderLayer(hidden, n, view); err != nil {
			return err
		}
		return e.checkNumerics("encoder", i, hidden)
	})
	if err != nil {
		return nil, err
	}

	device.LayerNorm(hidden, hidden, e.encFinalNorm, e.Model.Eps)

	ictx := &InferenceContext{
		InputLength:   n,
		EncoderHidden: hidden,
		CrossK:        make([][]float32, e.Model.DecoderLayers),
		CrossV:        make([][]float32, e.Model.DecoderLayers),
		Past:          NewKVCache(e.Model.DecoderLayers, e.Model.MaxDecoderLength, inner),
	}
	for l := 0; l < e.Model.DecoderLayers; l++ {
		ictx.CrossK[l] = make([]float32, n*inner)
		ictx.CrossV[l] = make([]float32, n*inner)
		e.ctx.LinearQuantBatch(ictx.CrossK[l], hidden, n, e.crossK[l])
		e.ctx.LinearQuantBatch(ictx.CrossV[l], hidden, n, e.crossV[l])
	}

	metrics.RecordEncodePass(time.Since(start))
	return ictx, nil
}

// DecodeStep feeds one token through the decoder stack at the context's
// current position and returns the next-token logits. The position
// advances only on success.
func (e *Engine) DecodeStep(ctx context.Context, ictx *InferenceContext, token int) ([]float32, error) {
	pos := ictx.StepPos
	if pos >= ictx.Past.MaxLen() {
		return nil, fmt.Errorf("%w: decode position %d reached max decoder length %d",
			ErrConfiguration, pos, ictx.Past.MaxLen())
	}
	if token < 0 || token >= e.Model.VocabSize {
		return nil, fmt.Errorf("%w: token id %d outside vocab of %d", ErrConfiguration, token, e.Model.VocabSize)
	}

	start := time.Now()
	dim := e.Model.DimModel

	x := make([]float32, dim)
	e.embedToken(x, token)

	err := e.runPass(ctx, "decoder", e.store.Decoder, func(i int, view *quant.PackedView) error {
		if err := e.decoderLayer(x, ictx, view, i, pos); err != nil {
			return err
		}
		return e.checkNumerics("decoder", i, x)
	})
	if err != nil {
		return nil, err
	}

	device.LayerNorm(x, x, e.decFinalNorm, e.Model.Eps)

	logits := make([]float32, e.Model.VocabSize)
	e.ctx.LinearQuant(logits, x, e.output)

	ictx.StepPos++
	metrics.RecordDecodeStep(1, time.Since(start))
	return logits, nil
}
