package config

import (
	"fmt"
	"os"
	"strconv"
)

// Model describes the architecture of a loaded encoder-decoder model.
// Values come from the checkpoint metadata and are fixed after load.
type Model struct {
	VocabSize     int
	DimModel      int
	DimFF         int
	DimKV         int // per-head key/value width
	Heads         int
	EncoderLayers int
	DecoderLayers int

	// Relative position bias
	PositionBuckets int
	MaxDistance     int

	// Decoder limits
	MaxDecoderLength int

	// Special token ids
	StartID int // start-of-decode token fed before the first span
	EODID   int // end-of-document, always a stop token
	SpanID  int // id of span 0; span k is SpanID+k
	Eps     float32
}

func (m *Model) Validate() error {
	if m.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", m.VocabSize)
	}
	if m.DimModel <= 0 {
		return fmt.Errorf("invalid dim_model: %d (must be positive)", m.DimModel)
	}
	if m.Heads <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", m.Heads)
	}
	if m.DimKV <= 0 {
		return fmt.Errorf("invalid dim_kv: %d (must be positive)", m.DimKV)
	}
	if m.DimFF <= 0 {
		return fmt.Errorf("invalid dim_ff: %d (must be positive)", m.DimFF)
	}
	if m.EncoderLayers <= 0 {
		return fmt.Errorf("invalid encoder_layers: %d (must be positive)", m.EncoderLayers)
	}
	if m.DecoderLayers <= 0 {
		return fmt.Errorf("invalid decoder_layers: %d (must be positive)", m.DecoderLayers)
	}
	if m.PositionBuckets <= 0 {
		return fmt.Errorf("invalid position_buckets: %d (must be positive)", m.PositionBuckets)
	}
	if m.MaxDecoderLength <= 0 {
		return fmt.Errorf("invalid max_decoder_length: %d (must be positive)", m.MaxDecoderLength)
	}
	if m.StartID < 0 || m.StartID >= m.VocabSize {
		return fmt.Errorf("start_id %d out of vocab range [0, %d)", m.StartID, m.VocabSize)
	}
	if m.EODID < 0 || m.EODID >= m.VocabSize {
		return fmt.Errorf("eod_id %d out of vocab range [0, %d)", m.EODID, m.VocabSize)
	}
	if m.SpanID < 0 || m.SpanID >= m.VocabSize {
		return fmt.Errorf("span_id %d out of vocab range [0, %d)", m.SpanID, m.VocabSize)
	}
	if m.Eps <= 0 {
		return fmt.Errorf("invalid eps: %f (must be positive)", m.Eps)
	}
	return nil
}

// Runtime holds the resource knobs read once at model load.
type Runtime struct {
	// MemoryLimitBytes is the device budget for streamed layer weights.
	// Zero means unlimited (slot per layer).
	MemoryLimitBytes int64

	// SlotCount overrides automatic slot sizing when > 0. A value of 1
	// disables transfer/compute overlap but stays correct.
	SlotCount int

	// PrefetchDepth caps how many layers ahead the copy queue may run.
	// Zero means "slot count - 1".
	PrefetchDepth int

	Threads int

	// DebugNumerics enables the NaN/Inf check at layer boundaries.
	DebugNumerics bool
}

func (r *Runtime) Validate() error {
	if r.MemoryLimitBytes < 0 {
		return fmt.Errorf("invalid memory_limit: %d (must be non-negative)", r.MemoryLimitBytes)
	}
	if r.SlotCount < 0 {
		return fmt.Errorf("invalid slot_count: %d (must be non-negative)", r.SlotCount)
	}
	if r.PrefetchDepth < 0 {
		return fmt.Errorf("invalid prefetch_depth: %d (must be non-negative)", r.PrefetchDepth)
	}
	if r.Threads < 0 {
		return fmt.Errorf("invalid threads: %d (must be non-negative)", r.Threads)
	}
	return nil
}

func DefaultModel() Model {
	return Model{
		PositionBuckets:  32,
		MaxDistance:      128,
		MaxDecoderLength: 256,
		Eps:              1e-6,
	}
}

func DefaultRuntime() Runtime {
	return Runtime{}
}

// FromEnv overlays INFILL_* environment overrides onto r. Unset or
// malformed variables leave the corresponding field untouched.
func (r *Runtime) FromEnv() {
	if v, ok := envInt64("INFILL_MEMORY_LIMIT"); ok {
		r.MemoryLimitBytes = v
	}
	if v, ok := envInt("INFILL_SLOTS"); ok {
		r.SlotCount = v
	}
	if v, ok := envInt("INFILL_PREFETCH"); ok {
		r.PrefetchDepth = v
	}
	if v, ok := envInt("INFILL_THREADS"); ok {
		r.Threads = v
	}
}

func envInt(key string) (int, bool) {
	v, ok := envInt64(key)
	return int(v), ok
}

func envInt64(key string) (int64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
