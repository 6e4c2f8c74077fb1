package datavio

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vdo-project/vdocore/admission"
	"github.com/vdo-project/vdocore/block"
)

func TestPoolGetPutRoundTrip(t *testing.T) {
	admit := admission.NewPool(4, 2)
	pool := NewPool(2, admit, false)

	d, err := pool.Get(context.Background(), 5, block.OpWrite, false)
	require.NoError(t, err)
	require.Equal(t, block.LBN(5), d.LBN)
	require.Equal(t, block.OpWrite, d.Operation)
	require.Len(t, d.DataBlock, block.Size)

	pool.Put(d)

	d2, err := pool.Get(context.Background(), 6, block.OpRead, false)
	require.NoError(t, err)
	require.Equal(t, block.LBN(6), d2.LBN)
	require.False(t, d2.IsDuplicate, "a recycled data-VIO must not carry over the previous request's state")
}

func TestPoolGetPoisonsOnPutWhenGuarded(t *testing.T) {
	admit := admission.NewPool(4, 2)
	pool := NewPool(1, admit, true)

	d, err := pool.Get(context.Background(), 1, block.OpWrite, false)
	require.NoError(t, err)
	d.DataBlock[0] = 0x42
	held := d.DataBlock
	pool.Put(d)

	for _, b := range held {
		require.Equal(t, byte(admission.GuardPattern), b)
	}
}

func TestContinueDiscardWalksBlocks(t *testing.T) {
	d := &DataVIO{LBN: 10}
	d.BeginDiscard(3)
	require.Equal(t, uint64(2), d.RemainingDiscard)

	require.True(t, d.ContinueDiscard())
	require.Equal(t, block.LBN(11), d.LBN)
	require.Equal(t, uint64(1), d.RemainingDiscard)

	require.True(t, d.ContinueDiscard())
	require.Equal(t, block.LBN(12), d.LBN)
	require.Equal(t, uint64(0), d.RemainingDiscard)

	require.False(t, d.ContinueDiscard())
}

func TestApplyPartialWriteOverlaysPayload(t *testing.T) {
	d := &DataVIO{DataBlock: make([]byte, block.Size)}
	for i := range d.DataBlock {
		d.DataBlock[i] = 0xAA
	}
	d.Offset = 100
	d.Length = 4
	d.ApplyPartialWrite([]byte{1, 2, 3, 4})
	require.Equal(t, []byte{1, 2, 3, 4}, d.DataBlock[100:104])
	require.Equal(t, byte(0xAA), d.DataBlock[99])
	require.Equal(t, byte(0xAA), d.DataBlock[104])
}

func TestApplyPartialDiscardZeroesRegion(t *testing.T) {
	d := &DataVIO{DataBlock: make([]byte, block.Size)}
	for i := range d.DataBlock {
		d.DataBlock[i] = 0xFF
	}
	d.Offset = 50
	d.Length = 10
	d.ApplyPartialDiscard()
	for i := 50; i < 60; i++ {
		require.Equal(t, byte(0), d.DataBlock[i])
	}
	require.Equal(t, byte(0xFF), d.DataBlock[49])
	require.Equal(t, byte(0xFF), d.DataBlock[60])
}

func TestIsPartial(t *testing.T) {
	d := &DataVIO{DataBlock: make([]byte, block.Size)}
	d.Length = 0
	require.False(t, d.IsPartial())
	d.Length = block.Size
	require.False(t, d.IsPartial())
	d.Length = block.Size / 2
	require.True(t, d.IsPartial())
}

func TestLogicalLockSerializesSameLBN(t *testing.T) {
	table := NewLogicalLockTable()
	first := &DataVIO{LBN: 3}
	second := &DataVIO{LBN: 3}
	third := &DataVIO{LBN: 4}

	require.True(t, table.Acquire(first))
	require.False(t, table.Acquire(second), "a second writer to the same LBN must queue")
	require.True(t, table.Acquire(third), "a different LBN must not be blocked")

	granted := table.Release(first)
	require.Same(t, second, granted)

	require.Nil(t, table.Release(second), "releasing the last holder with no waiters removes the lock")
}
