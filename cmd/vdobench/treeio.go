package main

import (
	"context"
	"sync"

	"github.com/vdo-project/vdocore/block"
)

// fileBackedTree is a minimal in-process stand-in for the on-disk
// block-map tree (§1's out-of-scope TreeIO body): it keeps every entry in
// a map rather than paging through root/interior/leaf pages, which is
// enough for the bench harness's bring-up workload without needing the
// tree body the spec places out of scope.
type fileBackedTree struct {
	mu      sync.RWMutex
	entries map[block.LBN]block.Location
}

func newFileBackedTree() *fileBackedTree {
	return &fileBackedTree{entries: make(map[block.LBN]block.Location)}
}

func (t *fileBackedTree) ReadEntry(_ context.Context, lbn block.LBN) (block.Location, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[lbn], nil
}

func (t *fileBackedTree) WriteEntry(_ context.Context, lbn block.LBN, loc block.Location) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[lbn] = loc
	return nil
}

// memoryIndex is a minimal in-process stand-in for the external dedup
// advice index (UDS, also out of scope per §1 as a body).
type memoryIndex struct {
	mu     sync.RWMutex
	advice map[block.Fingerprint]block.Location
}

func newMemoryIndex() *memoryIndex {
	return &memoryIndex{advice: make(map[block.Fingerprint]block.Location)}
}

func (m *memoryIndex) Post(_ context.Context, name block.Fingerprint, loc block.Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advice[name] = loc
	return nil
}

func (m *memoryIndex) Query(_ context.Context, name block.Fingerprint) (block.Location, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.advice[name]
	return loc, ok, nil
}

func (m *memoryIndex) Update(ctx context.Context, name block.Fingerprint, loc block.Location) error {
	return m.Post(ctx, name, loc)
}
