// Package blockmap implements the LBN -> (PBN, mapping state) indirection
// (C4, §4.4). The three-level on-disk tree (root/interior/leaf pages) is
// an out-of-scope collaborator per §1; this package only owns the
// in-memory leaf cache consulted and dirtied by the data path, and the
// narrow TreeIO interface to the tree body.
package blockmap

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vdo-project/vdocore/block"
)

// TreeIO is the out-of-scope collaborator for the on-disk block-map tree
// (§1): only its contract as consumed by the data path is specified here.
type TreeIO interface {
	ReadEntry(ctx context.Context, lbn block.LBN) (block.Location, error)
	WriteEntry(ctx context.Context, lbn block.LBN, loc block.Location) error
}

// leaf is one dirty in-memory leaf entry awaiting persistence.
type leaf struct {
	lbn block.LBN
	loc block.Location
}

func lessLeaf(a, b leaf) bool { return a.lbn < b.lbn }

// Map is one logical zone's view of the block map: a clean LRU of recently
// read entries plus an ordered set of entries dirtied but not yet
// persisted. It is zone-owned — only the goroutine running its logical
// zone calls its methods, so no internal locking is needed.
type Map struct {
	io    TreeIO
	clean *lru.Cache[block.LBN, block.Location]
	dirty *orderedLeaves
}

// New builds a block map view backed by io, caching up to cleanCapacity
// recently read clean entries.
func New(io TreeIO, cleanCapacity int) (*Map, error) {
	clean, err := lru.New[block.LBN, block.Location](cleanCapacity)
	if err != nil {
		return nil, err
	}
	return &Map{io: io, clean: clean, dirty: newOrderedLeaves()}, nil
}

// GetMapped returns lbn's current (pbn, state), consulting the dirty set,
// then the clean cache, then falling through to the tree body (§4.4).
func (m *Map) GetMapped(ctx context.Context, lbn block.LBN) (block.Location, error) {
	if loc, ok := m.dirty.get(lbn); ok {
		return loc, nil
	}
	if loc, ok := m.clean.Get(lbn); ok {
		return loc, nil
	}
	loc, err := m.io.ReadEntry(ctx, lbn)
	if err != nil {
		return block.Location{}, err
	}
	m.clean.Add(lbn, loc)
	return loc, nil
}

// PutMapped updates lbn's mapping to loc. The caller must already hold a
// recovery-journal lock on the journal block containing the intent record
// before calling PutMapped (§4.4); afterRelease, if non-nil, is invoked
// once the leaf has been durably persisted, which is the only point at
// which the caller may release that journal lock through the lock counter
// (C8) — structuring the call this way enforces the ordering rule in code
// rather than leaving it to caller discipline alone.
func (m *Map) PutMapped(ctx context.Context, lbn block.LBN, loc block.Location, afterRelease func()) error {
	m.dirty.put(lbn, loc)
	if err := m.io.WriteEntry(ctx, lbn, loc); err != nil {
		return err
	}
	m.dirty.delete(lbn)
	m.clean.Add(lbn, loc)
	if afterRelease != nil {
		afterRelease()
	}
	return nil
}
