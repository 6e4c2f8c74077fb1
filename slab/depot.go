package slab

import (
	"sort"

	"github.com/vdo-project/vdocore/block"
)

// Depot owns the full slab array and one BlockAllocator per physical zone
// (§4.5). Slab-to-zone assignment is round robin over slab index, matching
// the common VDO layout where consecutive slabs alternate zones to spread
// load evenly across physical zones.
type Depot struct {
	Slabs      []*Slab
	Allocators []*BlockAllocator
}

// NewDepot partitions slabs (already sorted by Start PBN) across
// zoneCount physical zones and builds one allocator per zone.
func NewDepot(slabs []*Slab, zoneCount int) *Depot {
	sorted := append([]*Slab(nil), slabs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	perZone := make([][]*Slab, zoneCount)
	for i, s := range sorted {
		z := i % zoneCount
		perZone[z] = append(perZone[z], s)
	}
	allocators := make([]*BlockAllocator, zoneCount)
	for z := 0; z < zoneCount; z++ {
		zoneSlabs := append([]*Slab(nil), perZone[z]...)
		sort.Slice(zoneSlabs, func(i, j int) bool { return zoneSlabs[i].Start < zoneSlabs[j].Start })
		allocators[z] = NewBlockAllocator(z, zoneSlabs)
	}
	return &Depot{Slabs: sorted, Allocators: allocators}
}

// AllocatorFor returns the allocator owning the physical zone that pbn's
// slab is assigned to. It is a convenience for callers that only know a
// PBN, such as the hash lock acquiring a read lock on advice; on the data
// path, a data-VIO already knows its physical_zone_id and should index
// Allocators directly instead.
func (d *Depot) AllocatorFor(pbn block.PBN) *BlockAllocator {
	for _, a := range d.Allocators {
		if _, err := a.slabFor(pbn); err == nil {
			return a
		}
	}
	return nil
}
