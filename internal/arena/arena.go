// Package arena provides the fixed pool of device buffers that layer
// weights are streamed into. The slot count is the single knob tying
// memory footprint to achievable pipeline depth.
package arena

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-infill/internal/logger"
	"github.com/23skdu/longbow-infill/internal/metrics"
)

// ErrBudgetExceeded means the configured memory budget cannot hold even
// one layer's working set. Surfaced at model load, before any generation.
var ErrBudgetExceeded = errors.New("memory budget exceeded")

// SlotState is the lifecycle of one arena slot. A slot is exclusively
// writable by the copy queue while Filling and exclusively readable by
// the compute queue while InUse.
type SlotState int32

const (
	SlotEmpty SlotState = iota
	SlotFilling
	SlotReady
	SlotInUse
)

func (s SlotState) String() string {
	switch s {
	case SlotEmpty:
		return "empty"
	case SlotFilling:
		return "filling"
	case SlotReady:
		return "ready"
	case SlotInUse:
		return "in_use"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Slot is a reusable fixed-capacity buffer holding one layer's packed
// weights. State transitions go through the owning arena.
type Slot struct {
	id    int
	buf   []byte
	state SlotState
	layer int // layer currently assigned, -1 when empty
}

func (s *Slot) ID() int { return s.id }

// Bytes returns the slot's backing buffer.
func (s *Slot) Bytes() []byte { return s.buf }

// Layer returns the layer index the slot was acquired for.
func (s *Slot) Layer() int { return s.layer }

// Arena is the pool. All slot-state transitions are serialized under
// its mutex; Acquire blocks while every slot is occupied.
type Arena struct {
	mu    sync.Mutex
	slots []*Slot
	free  chan *Slot
	log   *logger.Logger

	slotBytes int
}

// New sizes a pool against a byte budget. slotBytes is the largest
// layer working set; slotCount overrides automatic sizing when > 0.
// budgetBytes == 0 means unconstrained (one slot per maxSlots layer).
func New(budgetBytes int64, slotBytes int, slotCount, maxSlots int) (*Arena, error) {
	if slotBytes <= 0 {
		return nil, fmt.Errorf("invalid slot size: %d", slotBytes)
	}
	if maxSlots < 1 {
		maxSlots = 1
	}

	count := slotCount
	if count == 0 {
		if budgetBytes == 0 {
			count = maxSlots
		} else {
			count = int(budgetBytes / int64(slotBytes))
		}
	}
	if count > maxSlots {
		count = maxSlots
	}
	if count < 1 {
		return nil, fmt.Errorf("%w: budget %d bytes below one %d byte slot",
			ErrBudgetExceeded, budgetBytes, slotBytes)
	}
	if budgetBytes > 0 && int64(count)*int64(slotBytes) > budgetBytes {
		return nil, fmt.Errorf("%w: %d slots of %d bytes over budget %d",
			ErrBudgetExceeded, count, slotBytes, budgetBytes)
	}

	a := &Arena{
		slots:     make([]*Slot, count),
		free:      make(chan *Slot, count),
		log:       logger.Log.Component("arena"),
		slotBytes: slotBytes,
	}
	for i := range a.slots {
		s := &Slot{id: i, buf: make([]byte, slotBytes), layer: -1}
		a.slots[i] = s
		a.free <- s
	}

	a.log.Info("arena sized", "slots", count, "slot_bytes", slotBytes, "budget_bytes", budgetBytes)
	metrics.RecordArenaSize(count, int64(count)*int64(slotBytes))
	return a, nil
}

// SlotCount returns the configured slot count.
func (a *Arena) SlotCount() int { return len(a.slots) }

// SlotBytes returns the per-slot capacity.
func (a *Arena) SlotBytes() int { return a.slotBytes }

// Acquire hands out an Empty slot for the given layer, transitioning it
// to Filling. It blocks until one is recycled or ctx is done; this is
// the backpressure point under the memory budget.
func (a *Arena) Acquire(ctx context.Context, layer int) (*Slot, error) {
	select {
	case s := <-a.free:
		a.mu.Lock()
		if s.state != SlotEmpty {
			a.mu.Unlock()
			return nil, fmt.Errorf("slot %d acquired in state %s", s.id, s.state)
		}
		s.state = SlotFilling
		s.layer = layer
		a.mu.Unlock()
		metrics.SlotTransitions.WithLabelValues("filling").Inc()
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MarkReady completes a fill: Filling -> Ready. Called by the copy
// queue only after the transfer has fully completed.
func (a *Arena) MarkReady(s *Slot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s.state != SlotFilling {
		return fmt.Errorf("slot %d: ready from state %s", s.id, s.state)
	}
	s.state = SlotReady
	metrics.SlotTransitions.WithLabelValues("ready").Inc()
	return nil
}

// MarkInUse hands a Ready slot to the compute queue.
func (a *Arena) MarkInUse(s *Slot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s.state != SlotReady {
		return fmt.Errorf("slot %d: in_use from state %s", s.id, s.state)
	}
	s.state = SlotInUse
	metrics.SlotTransitions.WithLabelValues("in_use").Inc()
	return nil
}

// Release recycles a slot back to Empty from any non-Empty state. It is
// the consumer's signal that no reads are outstanding; failed requests
// call it for every slot they held.
func (a *Arena) Release(s *Slot) {
	a.mu.Lock()
	if s.state == SlotEmpty {
		a.mu.Unlock()
		return
	}
	s.state = SlotEmpty
	s.layer = -1
	a.mu.Unlock()
	metrics.SlotTransitions.WithLabelValues("empty").Inc()
	a.free <- s
}

// Occupied counts slots not currently Empty. The budget invariant is
// Occupied() <= SlotCount() at all times.
func (a *Arena) Occupied() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.slots {
		if s.state != SlotEmpty {
			n++
		}
	}
	return n
}

// State reports a slot's current state (diagnostics and tests).
func (a *Arena) State(s *Slot) SlotState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return s.state
}
