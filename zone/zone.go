// Package zone implements the cooperative single-threaded execution
// contexts the engine partitions its components across (§5). A Zone is a
// goroutine draining a FIFO queue of work items; components pinned to a
// zone never run concurrently with themselves or each other, which is what
// lets the data path do without locks on zone-owned state.
package zone

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Kind names the role a zone plays, used only for logging and naming —
// the dispatch mechanics are identical across kinds.
type Kind string

const (
	KindLogical Kind = "logical"
	KindPhysical Kind = "physical"
	KindHash     Kind = "hash"
	KindCPU      Kind = "cpu"
	KindPacker   Kind = "packer"
	KindJournal  Kind = "journal"
	KindBioAck   Kind = "bio-ack"
)

// Zone is one cooperative single-threaded execution context. Work items
// are plain closures; a zone never runs two closures concurrently, and a
// closure holds its zone for as long as it runs, including any time it
// spends blocked in Enqueue on a full queue or waiting on another zone's
// result.
type Zone struct {
	ID     ID
	queue  chan func()
	log    *zap.Logger
	done   chan struct{}
}

// ID identifies a zone instance within its Kind (e.g. logical zone 3 of 8).
type ID struct {
	Kind  Kind
	Index int
}

func (id ID) String() string { return fmt.Sprintf("%s-%d", id.Kind, id.Index) }

// New creates a zone with the given queue depth and starts its dispatch
// goroutine. The queue depth bounds how many re-enqueued work items may be
// pending before Enqueue blocks the caller's own zone — callers should
// size it generously relative to expected fan-in.
func New(id ID, queueDepth int, log *zap.Logger) *Zone {
	z := &Zone{
		ID:    id,
		queue: make(chan func(), queueDepth),
		log:   log.With(zap.String("zone", id.String())),
		done:  make(chan struct{}),
	}
	go z.run()
	return z
}

func (z *Zone) run() {
	defer close(z.done)
	for task := range z.queue {
		task()
	}
}

// Enqueue appends a work item to the zone's FIFO queue. It is the only
// cross-zone interaction surface besides the documented atomics (§5); a
// data-VIO "hops" zones by having its current phase call Enqueue on the
// target zone and then returning, never by calling into another zone's
// state directly.
func (z *Zone) Enqueue(task func()) {
	z.queue <- task
}

// TryEnqueue is a non-blocking variant used by paths that must not stall
// the calling zone if the target is saturated (e.g. a cancellation racing
// a close). It reports whether the item was accepted.
func (z *Zone) TryEnqueue(task func()) bool {
	select {
	case z.queue <- task:
		return true
	default:
		return false
	}
}

// Drain closes the zone's queue at once, so any later Enqueue panics, lets
// the dispatch goroutine run every item already queued, and waits for it
// to exit. ctx bounds only that wait; running work does not observe it.
func (z *Zone) Drain(ctx context.Context) error {
	close(z.queue)
	select {
	case <-z.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Logger returns the zone's pre-bound structured logger.
func (z *Zone) Logger() *zap.Logger { return z.log }
