// Package sched pipelines host-to-device layer transfers ahead of
// compute. One goroutine per pass forms the copy queue; the caller's
// goroutine is the compute queue. The two meet only through per-layer
// completion events and arena slot states.
package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/23skdu/longbow-infill/internal/arena"
	"github.com/23skdu/longbow-infill/internal/logger"
	"github.com/23skdu/longbow-infill/internal/metrics"
	"github.com/23skdu/longbow-infill/internal/quant"
)

// ErrTransferFailed means a host-to-device copy could not complete.
// Fatal to the in-flight request only.
var ErrTransferFailed = errors.New("transfer failed")

// Trace receives pipeline events ("prefetch", "ready", "consume",
// "done") with the layer index. Nil outside tests and diagnostics.
type Trace func(event string, layer int)

// Scheduler drives one pass over an ordered layer group. Create one per
// encoder pass or decoder step; the arena outlives it.
type Scheduler struct {
	arena  *arena.Arena
	layers []*quant.LayerWeights
	stack  string
	depth  int
	trace  Trace
	log    *logger.Logger

	// injectFault, when set, fails the transfer of the given layer.
	// Test hook for transfer-failure isolation.
	injectFault int

	mu      sync.Mutex
	slots   []*arena.Slot
	errs    []error
	events  []chan struct{}
	ahead   chan struct{}
	cancel  context.CancelFunc
	started bool
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTrace installs an instrumentation hook.
func WithTrace(t Trace) Option {
	return func(s *Scheduler) { s.trace = t }
}

// WithFault makes the transfer of the given layer fail (tests).
func WithFault(layer int) Option {
	return func(s *Scheduler) { s.injectFault = layer }
}

// New builds a scheduler for one pass over layers. depth caps how many
// layers the copy queue may run ahead of compute; 0 derives it from the
// arena (slot count - 1, so one slot always belongs to compute).
func New(a *arena.Arena, layers []*quant.LayerWeights, stack string, depth int, opts ...Option) *Scheduler {
	if depth <= 0 {
		depth = a.SlotCount() - 1
	}
	if depth < 1 {
		depth = 1
	}
	if depth > a.SlotCount() {
		depth = a.SlotCount()
	}

	s := &Scheduler{
		arena:       a,
		layers:      layers,
		stack:       stack,
		depth:       depth,
		log:         logger.Log.Component("sched"),
		injectFault: -1,
		slots:       make([]*arena.Slot, len(layers)),
		errs:        make([]error, len(layers)),
		events:      make([]chan struct{}, len(layers)),
		ahead:       make(chan struct{}, depth),
		done:        make(chan struct{}),
	}
	for i := range s.events {
		s.events[i] = make(chan struct{})
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the copy queue. Layers are staged in strictly
// increasing index order; each fill records its completion event before
// the next is issued.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.started = true

	go func() {
		defer close(s.done)
		for i := range s.layers {
			// Lookahead throttle: blocks once `depth` fills are
			// unconsumed.
			select {
			case s.ahead <- struct{}{}:
			case <-ctx.Done():
				s.fail(i, ctx.Err())
				return
			}
			if !s.transfer(ctx, i) {
				return
			}
		}
	}()
}

// transfer stages one layer; false stops the pass.
func (s *Scheduler) transfer(ctx context.Context, i int) bool {
	s.emit("prefetch", i)

	slot, err := s.arena.Acquire(ctx, i)
	if err != nil {
		s.fail(i, err)
		return false
	}

	start := time.Now()
	if s.injectFault == i {
		s.arena.Release(slot)
		s.fail(i, fmt.Errorf("%w: injected fault at layer %d", ErrTransferFailed, i))
		return false
	}

	n, err := s.layers[i].PackInto(slot.Bytes())
	if err != nil {
		s.arena.Release(slot)
		s.fail(i, fmt.Errorf("%w: layer %d: %v", ErrTransferFailed, i, err))
		return false
	}
	if err := s.arena.MarkReady(slot); err != nil {
		s.arena.Release(slot)
		s.fail(i, fmt.Errorf("%w: layer %d: %v", ErrTransferFailed, i, err))
		return false
	}
	metrics.RecordTransfer(s.stack, n, time.Since(start))
	metrics.PrefetchDepth.Observe(float64(len(s.ahead)))

	s.mu.Lock()
	s.slots[i] = slot
	s.mu.Unlock()
	close(s.events[i])
	s.emit("ready", i)
	return true
}

func (s *Scheduler) fail(i int, err error) {
	metrics.TransferFailures.Inc()
	s.log.Error("transfer aborted", "stack", s.stack, "layer", i, "err", err)
	s.mu.Lock()
	for j := i; j < len(s.errs); j++ {
		s.errs[j] = err
	}
	s.mu.Unlock()
	for j := i; j < len(s.events); j++ {
		close(s.events[j])
	}
}

// WaitReady suspends the compute queue until layer i's fill event has
// signalled, then transitions its slot to InUse and returns the packed
// weight view. The slot stays valid until Done(i).
func (s *Scheduler) WaitReady(ctx context.Context, i int) (*quant.PackedView, error) {
	select {
	case <-s.events[i]:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	err := s.errs[i]
	slot := s.slots[i]
	s.mu.Unlock()
	if err != nil {
		// Already classified by the copy queue: cancellation stays a
		// context error, everything else arrives as ErrTransferFailed.
		return nil, err
	}

	if err := s.arena.MarkInUse(slot); err != nil {
		return nil, fmt.Errorf("%w: layer %d: %v", ErrTransferFailed, i, err)
	}
	s.emit("consume", i)
	return quant.ViewPacked(s.layers[i], slot.Bytes())
}

// Done releases layer i's slot back to Empty and opens one more unit of
// lookahead for the copy queue.
func (s *Scheduler) Done(i int) {
	s.mu.Lock()
	slot := s.slots[i]
	s.slots[i] = nil
	s.mu.Unlock()
	if slot != nil {
		s.arena.Release(slot)
	}
	select {
	case <-s.ahead:
	default:
	}
	s.emit("done", i)
}

// Abort cancels the copy queue and releases every slot still held by
// this pass, restoring the arena for other requests. Safe to call after
// a partial or failed pass.
func (s *Scheduler) Abort() {
	if !s.started {
		return
	}
	s.cancel()
	<-s.done
	s.mu.Lock()
	held := make([]*arena.Slot, 0, len(s.slots))
	for i, slot := range s.slots {
		if slot != nil {
			held = append(held, slot)
			s.slots[i] = nil
		}
	}
	s.mu.Unlock()
	for _, slot := range held {
		s.arena.Release(slot)
	}
}

func (s *Scheduler) emit(event string, layer int) {
	if s.trace != nil {
		s.trace(event, layer)
	}
}
