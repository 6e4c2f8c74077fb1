// Package admission implements the bounded request pool and the two
// admission limiters (general and discard) that cooperatively block
// ingress when no permit is available (C1, §4.1).
package admission

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// PermitKind names one of the two limiter pools a ticket may hold.
type PermitKind int

const (
	PermitGeneral PermitKind = iota
	PermitDiscard
)

// Pool bounds the number of in-flight requests and concurrent discards.
// Admission blocks ingress cooperatively (via ctx) when a permit is
// unavailable, rather than failing fast (§4.1).
type Pool struct {
	general *semaphore.Weighted
	discard *semaphore.Weighted

	// DebugGuardPages is not read by this package or by datavio. Buffer
	// poisoning on release (Poison with GuardPattern, the standard-library
	// stand-in for a page-protection trap, documented in DESIGN.md) is
	// switched on by the guardPages argument of datavio.NewPool instead.
	DebugGuardPages bool
}

// NewPool builds a pool with generalLimit total in-flight permits and
// discardLimit concurrent discard permits (typically smaller, to bound
// metadata churn).
func NewPool(generalLimit, discardLimit int64) *Pool {
	return &Pool{
		general: semaphore.NewWeighted(generalLimit),
		discard: semaphore.NewWeighted(discardLimit),
	}
}

// Ticket tracks the permits a single admitted request holds, in
// acquisition order, so they can be released in LIFO order (§4.1).
type Ticket struct {
	held []PermitKind
}

// Admit blocks until a general permit (and, if isDiscard, a discard
// permit) is available, returning a Ticket tracking what was acquired.
func (p *Pool) Admit(ctx context.Context, isDiscard bool) (*Ticket, error) {
	if err := p.general.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	t := &Ticket{held: []PermitKind{PermitGeneral}}
	if isDiscard {
		if err := p.discard.Acquire(ctx, 1); err != nil {
			p.general.Release(1)
			return nil, err
		}
		t.held = append(t.held, PermitDiscard)
	}
	return t, nil
}

// ReleaseDiscardEarly releases t's discard permit ahead of the rest of the
// ticket, used when a data-VIO stops being discard-like mid-flight (§4.1).
// It is a no-op if the ticket holds no discard permit.
func (t *Ticket) ReleaseDiscardEarly(p *Pool) {
	for i, k := range t.held {
		if k == PermitDiscard {
			p.discard.Release(1)
			t.held = append(t.held[:i], t.held[i+1:]...)
			return
		}
	}
}

// Release returns every permit the ticket still holds, in LIFO order.
func (t *Ticket) Release(p *Pool) {
	for i := len(t.held) - 1; i >= 0; i-- {
		switch t.held[i] {
		case PermitGeneral:
			p.general.Release(1)
		case PermitDiscard:
			p.discard.Release(1)
		}
	}
	t.held = nil
}

// GuardPattern is the sentinel byte pattern Poison writes over a released
// buffer.
const GuardPattern = 0xDE

// Poison overwrites buf with GuardPattern. A subsequent read of a
// use-after-free'd buffer will observably differ from the zero-filled or
// live content it should have held.
func Poison(buf []byte) {
	for i := range buf {
		buf[i] = GuardPattern
	}
}
