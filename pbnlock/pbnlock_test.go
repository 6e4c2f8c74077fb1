package pbnlock

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vdo-project/vdocore/block"
)

func TestAcquireFreshPBN(t *testing.T) {
	p := NewPool()
	var granted *Lock
	p.Acquire(10, Write, func(l *Lock) { granted = l })
	require.NotNil(t, granted)
	require.Equal(t, 1, granted.HolderCount)
	require.Equal(t, Write, granted.Type)
}

func TestReadReadCompatible(t *testing.T) {
	p := NewPool()
	var first, second *Lock
	p.Acquire(1, Read, func(l *Lock) { first = l })
	p.Acquire(1, Read, func(l *Lock) { second = l })
	require.Same(t, first, second)
	require.Equal(t, 2, first.HolderCount)
}

func TestWriteExclusiveQueuesWaiter(t *testing.T) {
	p := NewPool()
	var writer *Lock
	p.Acquire(1, Write, func(l *Lock) { writer = l })

	var secondGranted bool
	p.Acquire(1, Write, func(l *Lock) { secondGranted = true })
	require.False(t, secondGranted, "second exclusive acquire must queue, not grant immediately")

	p.Release(1)
	require.True(t, secondGranted, "releasing the first writer must grant the queued waiter")
	_ = writer
}

func TestReleaseRemovesLockWhenNoWaiters(t *testing.T) {
	p := NewPool()
	p.Acquire(7, Read, func(l *Lock) {})
	p.Release(7)
	_, ok := p.Lookup(7)
	require.False(t, ok)
}

func TestReadBlockMapCompatible(t *testing.T) {
	p := NewPool()
	var a, b *Lock
	p.Acquire(3, Read, func(l *Lock) { a = l })
	p.Acquire(3, BlockMap, func(l *Lock) { b = l })
	require.Same(t, a, b)
	require.Equal(t, 2, a.HolderCount)
}

func TestCompressedWriteExclusiveOfRead(t *testing.T) {
	require.False(t, compatible(Read, CompressedWrite))
	require.False(t, compatible(CompressedWrite, Read))
	require.False(t, compatible(UncompressedWrite, UncompressedWrite))
}
