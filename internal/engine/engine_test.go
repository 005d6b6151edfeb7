package engine

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/23skdu/longbow-infill/internal/arena"
	"github.com/23skdu/longbow-infill/internal/config"
	"github.com/23skdu/longbow-infill/internal/quant"
	"github.com/23skdu/longbow-infill/internal/sched"
)

func testModel() config.Model {
	m := config.DefaultModel()
	m.VocabSize = 48
	m.DimModel = 8
	m.DimFF = 16
	m.DimKV = 2
	m.Heads = 4
	m.EncoderLayers = 2
	m.DecoderLayers = 2
	m.MaxDecoderLength = 16
	m.StartID = 1
	m.EODID = 2
	m.SpanID = 24
	return m
}

func randTensor(t *testing.T, rng *rand.Rand, name string, shape []int, groupSize int) *quant.QuantizedTensor {
	t.Helper()
	n := 1
	for _, d := range shape {
		n *= d
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = float32(rng.Float64()*0.4 - 0.2)
	}
	qt, err := quant.Quantize(name, shape, groupSize, values)
	if err != nil {
		t.Fatalf("Quantize(%s): %v", name, err)
	}
	return qt
}

// newTestStore builds a complete store with random weights. The same
// seed always yields bit-identical weights.
func newTestStore(t *testing.T, m config.Model, seed int64) *quant.Store {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	s := quant.NewStore(m)
	dim := m.DimModel
	inner := m.Heads * m.DimKV

	s.TokenEmbedding = randTensor(t, rng, "token_embd", []int{m.VocabSize, dim}, dim)
	s.EncoderPosBias = randTensor(t, rng, "enc_pos_bias", []int{m.PositionBuckets, m.Heads}, m.Heads)
	s.DecoderPosBias = randTensor(t, rng, "dec_pos_bias", []int{m.PositionBuckets, m.Heads}, m.Heads)
	s.EncoderFinalNorm = randTensor(t, rng, "enc_final_norm", []int{dim}, dim)
	s.DecoderFinalNorm = randTensor(t, rng, "dec_final_norm", []int{dim}, dim)

	addCommon := func(lw *quant.LayerWeights) {
		lw.Add(randTensor(t, rng, quant.TensorAttnNorm, []int{dim}, dim))
		lw.Add(randTensor(t, rng, quant.TensorAttnQ, []int{inner, dim}, dim))
		lw.Add(randTensor(t, rng, quant.TensorAttnK, []int{inner, dim}, dim))
		lw.Add(randTensor(t, rng, quant.TensorAttnV, []int{inner, dim}, dim))
		lw.Add(randTensor(t, rng, quant.TensorAttnOut, []int{dim, inner}, inner))
		lw.Add(randTensor(t, rng, quant.TensorFFNNorm, []int{dim}, dim))
		lw.Add(randTensor(t, rng, quant.TensorFFNIn, []int{m.DimFF, dim}, dim))
		lw.Add(randTensor(t, rng, quant.TensorFFNOut, []int{dim, m.DimFF}, m.DimFF))
	}
	for _, lw := range s.Encoder {
		addCommon(lw)
	}
	for i, lw := range s.Decoder {
		addCommon(lw)
		lw.Add(randTensor(t, rng, quant.TensorCrossNorm, []int{dim}, dim))
		lw.Add(randTensor(t, rng, quant.TensorCrossQ, []int{inner, dim}, dim))
		lw.Add(randTensor(t, rng, quant.TensorCrossOut, []int{dim, inner}, inner))
		s.CrossK[i] = randTensor(t, rng, "cross_k", []int{inner, dim}, dim)
		s.CrossV[i] = randTensor(t, rng, "cross_v", []int{inner, dim}, dim)
	}
	return s
}

// charTokenizer maps 'A' to id 10, 'B' to 11, and so on. Enough for
// controller tests that need readable token streams.
type charTokenizer struct{}

func (charTokenizer) Encode(s string) []int {
	ids := make([]int, 0, len(s))
	for _, r := range s {
		ids = append(ids, 10+int(r-'A'))
	}
	return ids
}

func (charTokenizer) Decode(ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		b.WriteRune(rune('A' + (id - 10)))
	}
	return b.String()
}

func newTestEngine(t *testing.T, rt config.Runtime, seed int64) *Engine {
	t.Helper()
	e, err := Load(newTestStore(t, testModel(), seed), rt, charTokenizer{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return e
}

func TestLoadBudgetExceeded(t *testing.T) {
	rt := config.DefaultRuntime()
	rt.MemoryLimitBytes = 16 // below any layer's working set
	_, err := Load(newTestStore(t, testModel(), 1), rt, charTokenizer{})
	if !errors.Is(err, arena.ErrBudgetExceeded) {
		t.Fatalf("got %v, want ErrBudgetExceeded", err)
	}
}

func TestLoadNilTokenizer(t *testing.T) {
	_, err := Load(newTestStore(t, testModel(), 1), config.DefaultRuntime(), nil)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("got %v, want ErrConfiguration", err)
	}
}

func TestEncodeValidatesInput(t *testing.T) {
	e := newTestEngine(t, config.DefaultRuntime(), 1)
	ctx := context.Background()

	if _, err := e.Encode(ctx, nil); !errors.Is(err, ErrConfiguration) {
		t.Errorf("empty input: got %v, want ErrConfiguration", err)
	}
	if _, err := e.Encode(ctx, []int{5, 999}); !errors.Is(err, ErrConfiguration) {
		t.Errorf("out-of-vocab id: got %v, want ErrConfiguration", err)
	}
}

// Overlapped streaming must not change the numbers: a single-slot
// arena (no overlap) and a multi-slot arena produce identical encoder
// output and decoder logits.
func TestSlotCountInvariance(t *testing.T) {
	const seed = 7
	ids := []int{10, 24, 12, 5}
	tokens := []int{1, 24, 11}

	run := func(slots int) ([]float32, [][]float32) {
		rt := config.DefaultRuntime()
		rt.SlotCount = slots
		rt.Threads = 1
		e := newTestEngine(t, rt, seed)

		ictx, err := e.Encode(context.Background(), ids)
		if err != nil {
			t.Fatalf("Encode(slots=%d): %v", slots, err)
		}
		var logits [][]float32
		for _, tok := range tokens {
			l, err := e.DecodeStep(context.Background(), ictx, tok)
			if err != nil {
				t.Fatalf("DecodeStep(slots=%d): %v", slots, err)
			}
			logits = append(logits, l)
		}
		return ictx.EncoderHidden, logits
	}

	hidden1, logits1 := run(1)
	hidden2, logits2 := run(2)

	for i := range hidden1 {
		if hidden1[i] != hidden2[i] {
			t.Fatalf("encoder hidden diverges at %d: %v vs %v", i, hidden1[i], hidden2[i])
		}
	}
	for s := range logits1 {
		for i := range logits1[s] {
			if logits1[s][i] != logits2[s][i] {
				t.Fatalf("step %d logits diverge at %d: %v vs %v",
					s, i, logits1[s][i], logits2[s][i])
			}
		}
	}
}

// A transfer failure must fail only the in-flight pass; the arena is
// whole again and the next pass on the same engine succeeds.
func TestTransferFaultIsolation(t *testing.T) {
	rt := config.DefaultRuntime()
	rt.SlotCount = 2
	e := newTestEngine(t, rt, 3)

	faulting := true
	e.schedOptions = func(stack string) []sched.Option {
		if faulting && stack == "encoder" {
			return []sched.Option{sched.WithFault(1)}
		}
		return nil
	}

	ids := []int{10, 11, 12}
	_, err := e.Encode(context.Background(), ids)
	if !errors.Is(err, sched.ErrTransferFailed) {
		t.Fatalf("got %v, want ErrTransferFailed", err)
	}
	if got := e.Arena().Occupied(); got != 0 {
		t.Fatalf("%d slots still occupied after failed pass", got)
	}

	faulting = false
	if _, err := e.Encode(context.Background(), ids); err != nil {
		t.Fatalf("pass after recovered fault: %v", err)
	}
}

// A faulted request running concurrently with a clean one must not
// perturb the clean request's output.
func TestTransferFaultConcurrentIsolation(t *testing.T) {
	rt := config.DefaultRuntime()
	rt.SlotCount = 2
	rt.Threads = 1
	e := newTestEngine(t, rt, 13)

	ids := []int{10, 24, 12}
	base, err := e.Encode(context.Background(), ids)
	if err != nil {
		t.Fatalf("Encode baseline: %v", err)
	}
	baseLogits, err := e.DecodeStep(context.Background(), base, 1)
	if err != nil {
		t.Fatalf("DecodeStep baseline: %v", err)
	}

	// One-shot fault claimed by the first encoder pass to start. The
	// armed channel orders the clean request after that claim, so the
	// fault lands deterministically on the other goroutine while both
	// passes share the arena.
	var claimed atomic.Bool
	armed := make(chan struct{})
	e.schedOptions = func(stack string) []sched.Option {
		if stack == "encoder" && claimed.CompareAndSwap(false, true) {
			close(armed)
			return []sched.Option{sched.WithFault(1)}
		}
		return nil
	}

	faultErr := make(chan error, 1)
	go func() {
		_, err := e.Encode(context.Background(), []int{15, 16, 17})
		faultErr <- err
	}()

	<-armed
	ictx, err := e.Encode(context.Background(), ids)
	if err != nil {
		t.Fatalf("clean request: %v", err)
	}
	logits, err := e.DecodeStep(context.Background(), ictx, 1)
	if err != nil {
		t.Fatalf("clean DecodeStep: %v", err)
	}

	if err := <-faultErr; !errors.Is(err, sched.ErrTransferFailed) {
		t.Fatalf("faulted request: got %v, want ErrTransferFailed", err)
	}
	if got := e.Arena().Occupied(); got != 0 {
		t.Fatalf("%d slots still occupied after both passes", got)
	}
	for i := range baseLogits {
		if logits[i] != baseLogits[i] {
			t.Fatalf("fault leaked into clean request: logits diverge at %d", i)
		}
	}
}

func TestDecodeLengthLimit(t *testing.T) {
	e := newTestEngine(t, config.DefaultRuntime(), 5)
	ictx, err := e.Encode(context.Background(), []int{10, 11})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	for i := 0; i < e.Model.MaxDecoderLength; i++ {
		if _, err := e.DecodeStep(context.Background(), ictx, 10); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if _, err := e.DecodeStep(context.Background(), ictx, 10); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("step past max length: got %v, want ErrConfiguration", err)
	}
}

func TestEncodeCancellation(t *testing.T) {
	rt := config.DefaultRuntime()
	rt.SlotCount = 1
	e := newTestEngine(t, rt, 9)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Encode(ctx, []int{10, 11}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if got := e.Arena().Occupied(); got != 0 {
		t.Fatalf("%d slots still occupied after cancelled pass", got)
	}
}

// Two requests share one engine; the second is unaffected by the
// first's decoding history.
func TestConcurrentRequestIsolation(t *testing.T) {
	rt := config.DefaultRuntime()
	e := newTestEngine(t, rt, 11)

	ids := []int{10, 24, 12}
	baseline, err := e.Encode(context.Background(), ids)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	baseLogits, err := e.DecodeStep(context.Background(), baseline, 1)
	if err != nil {
		t.Fatalf("DecodeStep: %v", err)
	}

	// A second request with different input and several steps.
	other, err := e.Encode(context.Background(), []int{15, 16, 17, 18})
	if err != nil {
		t.Fatalf("Encode other: %v", err)
	}
	for _, tok := range []int{1, 5, 6} {
		if _, err := e.DecodeStep(context.Background(), other, tok); err != nil {
			t.Fatalf("DecodeStep other: %v", err)
		}
	}

	fresh, err := e.Encode(context.Background(), ids)
	if err != nil {
		t.Fatalf("Encode fresh: %v", err)
	}
	freshLogits, err := e.DecodeStep(context.Background(), fresh, 1)
	if err != nil {
		t.Fatalf("DecodeStep fresh: %v", err)
	}
	for i := range baseLogits {
		if baseLogits[i] != freshLogits[i] {
			t.Fatalf("request state leaked: logits diverge at %d", i)
		}
	}
}
