package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-infill/internal/arena"
	"github.com/23skdu/longbow-infill/internal/config"
	"github.com/23skdu/longbow-infill/internal/device"
	"github.com/23skdu/longbow-infill/internal/quant"
	"github.com/23skdu/longbow-infill/internal/sched"
)

// Tokenizer is the external text collaborator. The engine only needs id
// round trips; segmentation policy lives with the caller.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// SamplingConfig is the immutable per-request sampling snapshot.
// Validated once at request start.
type SamplingConfig struct {
	TopP             float64 // nucleus threshold, (0, 1]
	TopN             int     // candidate cap; 0 means no cap
	Temperature      float64 // > 0
	FrequencyPenalty float64 // >= 0, scaled by prior occurrence count
	PresencePenalty  float64 // >= 0, applied on any prior occurrence
	MaxTokens        int     // decode step cap per request; 0 -> 128
	Seed             int64   // 0 -> time-seeded
}

// Validate rejects out-of-range values before any computation starts.
func (c *SamplingConfig) Validate() error {
	if c.TopP <= 0 || c.TopP > 1 {
		return fmt.Errorf("%w: top_p %f outside (0, 1]", ErrConfiguration, c.TopP)
	}
	if c.TopN < 0 {
		return fmt.Errorf("%w: top_n %d negative", ErrConfiguration, c.TopN)
	}
	if c.Temperature <= 0 {
		return fmt.Errorf("%w: temperature %f not positive", ErrConfiguration, c.Temperature)
	}
	if c.FrequencyPenalty < 0 {
		return fmt.Errorf("%w: frequency_penalty %f negative", ErrConfiguration, c.FrequencyPenalty)
	}
	if c.PresencePenalty < 0 {
		return fmt.Errorf("%w: presence_penalty %f negative", ErrConfiguration, c.PresencePenalty)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens %d negative", ErrConfiguration, c.MaxTokens)
	}
	return nil
}

// DefaultSampling mirrors the model's conventional decoding settings.
func DefaultSampling() SamplingConfig {
	return SamplingConfig{
		TopP:        1.0,
		TopN:        0,
		Temperature: 0.9,
		MaxTokens:   128,
	}
}

// Span is one resolved blank: its marker position in the input text,
// the sampled token ids, and their decoded text.
type Span struct {
	Position int
	TokenIDs []int
	Text     string
}

// InferenceContext carries the request-scoped activation state: the
// encoder output, the precomputed cross-attention K/V for every decoder
// layer, and the decoder's past-KV cache. Owned by exactly one request.
type InferenceContext struct {
	InputLength   int
	EncoderHidden []float32 // [input_length, dim_model]

	CrossK [][]float32 // per decoder layer, [input_length, heads*dim_kv]
	CrossV [][]float32

	Past    *KVCache
	StepPos int
}

// Engine is a loaded model handle: immutable quantized weights, the
// slot arena enforcing the memory budget, and the resident tensor
// views. Safe to share across concurrent requests, each with its own
// arena slots granted per pass.
type Engine struct {
	Model   config.Model
	Runtime config.Runtime

	store *quant.Store
	arena *arena.Arena
	ctx   *device.Context
	tok   Tokenizer

	// Resident views and small dequantized tables.
	embedding *quant.PackedTensor
	output    *quant.PackedTensor
	crossK    []*quant.PackedTensor
	crossV    []*quant.PackedTensor

	encPosBias   []float32 // [position_buckets, heads]
	decPosBias   []float32
	encFinalNorm []float32
	decFinalNorm []float32

	debugNumerics bool

	// schedOptions lets tests instrument or fault a pass.
	schedOptions func(stack string) []sched.Option

	// encodeFn and decodeFn, when set, replace the model passes. Test
	// hooks for driving the span controller with scripted logits.
	encodeFn func(ctx context.Context, ids []int) (*InferenceContext, error)
	decodeFn func(ctx context.Context, ictx *InferenceContext, token int) ([]float32, error)

	loadedAt time.Time
}

// Arena exposes the slot pool (monitoring, tests).
func (e *Engine) Arena() *arena.Arena { return e.arena }

// Tokenizer returns the attached text collaborator.
func (e *Engine) Tokenizer() Tokenizer { return e.tok }
