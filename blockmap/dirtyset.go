package blockmap

import (
	"github.com/google/btree"

	"github.com/vdo-project/vdocore/block"
)

// orderedLeaves is the dirty-leaf set: entries written by PutMapped but not
// yet persisted through TreeIO. Ordering by LBN isn't load-bearing for
// correctness here (a plain map would do for lookup), but a btree.BTreeG
// keeps the dirty set walkable in LBN order, which the eventual leaf-page
// writeback batching (grouping dirty entries by containing page) will want
// (§4.4) — so it's built on the same ordered-set primitive from the start
// rather than swapped in later.
type orderedLeaves struct {
	t *btree.BTreeG[leaf]
}

func newOrderedLeaves() *orderedLeaves {
	return &orderedLeaves{t: btree.NewG(32, lessLeaf)}
}

func (o *orderedLeaves) get(lbn block.LBN) (block.Location, bool) {
	item, ok := o.t.Get(leaf{lbn: lbn})
	if !ok {
		return block.Location{}, false
	}
	return item.loc, true
}

func (o *orderedLeaves) put(lbn block.LBN, loc block.Location) {
	o.t.ReplaceOrInsert(leaf{lbn: lbn, loc: loc})
}

func (o *orderedLeaves) delete(lbn block.LBN) {
	o.t.Delete(leaf{lbn: lbn})
}
