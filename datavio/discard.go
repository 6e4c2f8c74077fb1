package datavio

import "github.com/vdo-project/vdocore/block"

// ContinueDiscard reports whether d still has discard work remaining
// after the block just completed and, if so, re-prepares it for the next
// block: LBN advances by one and RemainingDiscard drops by one (§4.2
// "kvdo_continue_discard"). The caller re-enters the write phase
// sequence at MAP_BIO for the new LBN each time this returns true; once
// it returns false the discard is complete and the data-VIO proceeds to
// ACKNOWLEDGE.
func (d *DataVIO) ContinueDiscard() bool {
	if d.RemainingDiscard == 0 {
		return false
	}
	d.RemainingDiscard--
	d.LBN++
	d.Phase = MapBio
	d.Mapped = block.Location{}
	d.NewMapped = block.Location{}
	d.IsDuplicate = false
	return true
}

// BeginDiscard sets up d to walk a multi-block discard of blockCount
// blocks starting at d.LBN. A discard of zero blocks is a no-op caller
// error and is not validated here.
func (d *DataVIO) BeginDiscard(blockCount uint64) {
	d.IsTrim = true
	d.RemainingDiscard = blockCount - 1
}
