package engine

import (
	"context"
	"time"
)

// EncoderThroughput measures sustained encoder tokens per second over
// repeated passes of a synthetic input. Token ids cycle through the
// vocabulary so the embedding access pattern is not degenerate.
func (e *Engine) EncoderThroughput(ctx context.Context, inputLen, passes int) (float64, error) {
	ids := make([]int, inputLen)
	for i := range ids {
		ids[i] = i % e.Model.VocabSize
	}

	start := time.Now()
	for p := 0; p < passes; p++ {
		if _, err := e.Encode(ctx, ids); err != nil {
			return 0, err
		}
	}
	elapsed := time.Since(start).Seconds()
	return float64(inputLen*passes) / elapsed, nil
}

// DecoderThroughput encodes a synthetic input once, then measures
// decoder tokens per second over steps greedy-fed with the start token.
func (e *Engine) DecoderThroughput(ctx context.Context, inputLen, steps int) (float64, error) {
	ids := make([]int, inputLen)
	for i := range ids {
		ids[i] = i % e.Model.VocabSize
	}
	ictx, err := e.Encode(ctx, ids)
	if err != nil {
		return 0, err
	}
	if steps > ictx.Past.MaxLen() {
		steps = ictx.Past.MaxLen()
	}

	start := time.Now()
	for s := 0; s < steps; s++ {
		if _, err := e.DecodeStep(ctx, ictx, e.Model.StartID); err != nil {
			return 0, err
		}
	}
	elapsed := time.Since(start).Seconds()
	return float64(steps) / elapsed, nil
}
