package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdmitAndReleaseGeneral(t *testing.T) {
	p := NewPool(2, 1)
	ctx := context.Background()
	t1, err := p.Admit(ctx, false)
	require.NoError(t, err)
	t2, err := p.Admit(ctx, false)
	require.NoError(t, err)

	blockedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Admit(blockedCtx, false)
	require.Error(t, err, "third admit should block until a permit frees up")

	t1.Release(p)
	t3, err := p.Admit(ctx, false)
	require.NoError(t, err)
	t2.Release(p)
	t3.Release(p)
}

func TestDiscardLimiterSeparateFromGeneral(t *testing.T) {
	p := NewPool(10, 1)
	ctx := context.Background()
	d1, err := p.Admit(ctx, true)
	require.NoError(t, err)

	blockedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Admit(blockedCtx, true)
	require.Error(t, err, "second discard should block on the smaller discard limiter")

	// A non-discard admit should still succeed even while discards are exhausted.
	g, err := p.Admit(ctx, false)
	require.NoError(t, err)

	d1.Release(p)
	g.Release(p)
}

func TestReleaseDiscardEarly(t *testing.T) {
	p := NewPool(5, 1)
	ctx := context.Background()
	tk, err := p.Admit(ctx, true)
	require.NoError(t, err)
	require.Len(t, tk.held, 2)

	tk.ReleaseDiscardEarly(p)
	require.Len(t, tk.held, 1)

	blockedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	d2, err := p.Admit(blockedCtx, true)
	require.NoError(t, err, "early release should free the discard permit for another discard")

	tk.Release(p)
	d2.Release(p)
}

func TestPoisonOverwritesBuffer(t *testing.T) {
	buf := make([]byte, 16)
	Poison(buf)
	for _, b := range buf {
		require.Equal(t, byte(GuardPattern), b)
	}
}
