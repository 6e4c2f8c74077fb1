// Package hashlock serializes dedup decisions per content fingerprint
// (C3, §4.3). A hash zone owns a map from fingerprint to Lock; the first
// data-VIO to touch a fingerprint becomes the lock's agent and drives the
// query/lock/verify/write decision, every later arrival queues and adopts
// the agent's outcome. Only the goroutine running the owning hash zone
// calls these methods, so the zone map and each Lock need no internal
// synchronization.
package hashlock

import (
	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/zone"
)

// State is a position in the table of §4.3.
type State int

const (
	Initializing State = iota
	Querying
	Locking
	Verifying
	Writing
	Updating
	Unlocking
	Destroying
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Querying:
		return "querying"
	case Locking:
		return "locking"
	case Verifying:
		return "verifying"
	case Writing:
		return "writing"
	case Updating:
		return "updating"
	case Unlocking:
		return "unlocking"
	case Destroying:
		return "destroying"
	default:
		return "unknown"
	}
}

// Holder is implemented by whatever the core enqueues on a hash lock (a
// data-VIO, in production). Adopt is called exactly once, with the
// decided location, when the lock reaches UPDATING: the agent's own Adopt
// call and every waiter's are identical, per §4.3 ("waiters ... inherit
// the result without re-verifying").
type Holder interface {
	zone.Waiter
	Adopt(loc block.Location)
}

// Lock is one fingerprint's in-flight dedup decision.
type Lock struct {
	Fingerprint block.Fingerprint
	State       State
	Candidate   block.Location

	agent   Holder
	waiters zone.WaiterList
}

// Zone owns the fingerprint -> Lock map for one hash zone.
type Zone struct {
	locks map[block.Fingerprint]*Lock
}

// NewZone creates an empty hash zone.
func NewZone() *Zone {
	return &Zone{locks: make(map[block.Fingerprint]*Lock)}
}

// Acquire is the single entry point of §4.3. If name has no lock, h
// becomes the agent and the caller must drive the state machine (Query,
// then AdviceFound/NoAdvice, ...). If a lock already exists and is still
// deciding, h is queued as a waiter and the caller must do nothing further
// — Adopt will be called once the agent's decision is reached. If the
// lock has already reached UPDATING (the agent decided but UNLOCKING
// hasn't yet drained every prior waiter), h adopts the decision
// immediately without re-verifying, matching the late-arrival rule in
// §4.3.
func (z *Zone) Acquire(name block.Fingerprint, h Holder) (isAgent bool) {
	l, ok := z.locks[name]
	if !ok {
		l = &Lock{Fingerprint: name, State: Initializing, agent: h}
		z.locks[name] = l
		return true
	}
	if l.State == Updating || l.State == Unlocking {
		h.Adopt(l.Candidate)
		return false
	}
	l.waiters.Enqueue(h)
	return false
}

// Lookup returns the active lock for name, if any.
func (z *Zone) Lookup(name block.Fingerprint) (*Lock, bool) {
	l, ok := z.locks[name]
	return l, ok
}

// StartQuery moves the agent's lock to QUERYING; the caller then issues
// C9's Query and reports the outcome via AdviceFound or NoAdvice.
func (l *Lock) StartQuery() { l.State = Querying }

// AdviceFound records candidate as a dedup candidate and moves to LOCKING;
// the caller must now acquire a PBN read lock on candidate (C6).
func (l *Lock) AdviceFound(candidate block.Location) {
	l.Candidate = candidate
	l.State = Locking
}

// NoAdvice moves to WRITING: the agent allocates, compresses, and writes a
// fresh block.
func (l *Lock) NoAdvice() { l.State = Writing }

// LockAcquired moves LOCKING to VERIFYING once the caller holds the PBN
// read lock and is about to compare bytes.
func (l *Lock) LockAcquired() { l.State = Verifying }

// VerifyMatch moves VERIFYING to UPDATING: the caller must increment the
// candidate's refcount (C5) before calling Finish.
func (l *Lock) VerifyMatch() { l.State = Updating }

// VerifyMismatch moves VERIFYING back to WRITING: the candidate failed to
// match or its refcount was saturated, so the caller releases the
// candidate's PBN lock and the agent writes a fresh block instead.
func (l *Lock) VerifyMismatch() {
	l.Candidate = block.Location{}
	l.State = Writing
}

// WriteComplete records the freshly written location and moves WRITING to
// UPDATING; the caller must post new dedup advice (C9) before calling
// Finish.
func (l *Lock) WriteComplete(loc block.Location) {
	l.Candidate = loc
	l.State = Updating
}

// Finish moves UPDATING through UNLOCKING to DESTROYING: every queued
// waiter adopts the decided location in FIFO order, the agent itself
// adopts it, and the lock is removed from the zone map. Finish must only
// be called once the caller has completed whatever UPDATING requires
// (refcount increment or advice post).
func (z *Zone) Finish(l *Lock) {
	l.State = Unlocking
	l.waiters.DrainAll(func(w zone.Waiter) {
		w.(Holder).Adopt(l.Candidate)
	})
	l.agent.Adopt(l.Candidate)
	l.State = Destroying
	delete(z.locks, l.Fingerprint)
}

// WaiterCount reports how many data-VIOs are queued behind the agent.
func (l *Lock) WaiterCount() int { return l.waiters.Len() }
