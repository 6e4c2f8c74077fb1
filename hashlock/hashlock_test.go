package hashlock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/zone"
)

type fakeHolder struct {
	zone.Link
	adopted bool
	decided block.Location
}

func (h *fakeHolder) Adopt(loc block.Location) {
	h.adopted = true
	h.decided = loc
}

func newHolder() *fakeHolder {
	return &fakeHolder{}
}

func TestAgentQueryAdviceFoundVerifyMatchFlow(t *testing.T) {
	z := NewZone()
	name := block.Fingerprint{1, 2}
	agent := newHolder()

	isAgent := z.Acquire(name, agent)
	require.True(t, isAgent)

	l, ok := z.Lookup(name)
	require.True(t, ok)
	require.Equal(t, Initializing, l.State)

	l.StartQuery()
	require.Equal(t, Querying, l.State)

	candidate := block.Location{PBN: 55, State: block.Uncompressed}
	l.AdviceFound(candidate)
	require.Equal(t, Locking, l.State)

	l.LockAcquired()
	require.Equal(t, Verifying, l.State)

	l.VerifyMatch()
	require.Equal(t, Updating, l.State)

	z.Finish(l)
	require.Equal(t, Destroying, l.State)
	require.True(t, agent.adopted)
	require.Equal(t, candidate, agent.decided)

	_, ok = z.Lookup(name)
	require.False(t, ok, "finished lock must be removed from the zone map")
}

func TestWaitersAdoptAgentDecision(t *testing.T) {
	z := NewZone()
	name := block.Fingerprint{9, 9}
	agent := newHolder()
	w1 := newHolder()
	w2 := newHolder()

	require.True(t, z.Acquire(name, agent))
	require.False(t, z.Acquire(name, w1))
	require.False(t, z.Acquire(name, w2))

	l, _ := z.Lookup(name)
	require.Equal(t, 2, l.WaiterCount())

	l.StartQuery()
	l.NoAdvice()
	require.Equal(t, Writing, l.State)

	written := block.Location{PBN: 100, State: block.Uncompressed}
	l.WriteComplete(written)
	require.Equal(t, Updating, l.State)

	z.Finish(l)
	require.True(t, w1.adopted)
	require.True(t, w2.adopted)
	require.Equal(t, written, w1.decided)
	require.Equal(t, written, w2.decided)
}

func TestVerifyMismatchFallsBackToWriting(t *testing.T) {
	z := NewZone()
	name := block.Fingerprint{3, 3}
	agent := newHolder()
	z.Acquire(name, agent)
	l, _ := z.Lookup(name)

	l.StartQuery()
	l.AdviceFound(block.Location{PBN: 7, State: block.Uncompressed})
	l.LockAcquired()
	l.VerifyMismatch()
	require.Equal(t, Writing, l.State)
	require.Equal(t, block.Location{}, l.Candidate)

	fresh := block.Location{PBN: 8, State: block.Uncompressed}
	l.WriteComplete(fresh)
	z.Finish(l)
	require.Equal(t, fresh, agent.decided)
}

func TestLateArrivalDuringUpdatingInheritsWithoutQueueing(t *testing.T) {
	z := NewZone()
	name := block.Fingerprint{4, 4}
	agent := newHolder()
	z.Acquire(name, agent)
	l, _ := z.Lookup(name)

	l.StartQuery()
	l.NoAdvice()
	decided := block.Location{PBN: 200, State: block.Uncompressed}
	l.WriteComplete(decided)
	require.Equal(t, Updating, l.State)

	late := newHolder()
	isAgent := z.Acquire(name, late)
	require.False(t, isAgent)
	require.True(t, late.adopted, "a late arrival during UPDATING must adopt immediately")
	require.Equal(t, decided, late.decided)
	require.Equal(t, 0, l.WaiterCount(), "late arrival must not be queued behind the agent")
}
