package extentio

import (
	"sync"

	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/vdoerr"
)

// FakeDevice is an in-memory BlockDevice used by tests throughout the
// module and by the end-to-end engine tests under engine/, avoiding the
// filesystem dependency of Driver.
type FakeDevice struct {
	mu       sync.Mutex
	blocks   map[block.PBN][]byte
	capacity uint64
}

// NewFakeDevice builds a fake device addressable up to capacity blocks.
func NewFakeDevice(capacity uint64) *FakeDevice {
	return &FakeDevice{blocks: make(map[block.PBN][]byte), capacity: capacity}
}

func (f *FakeDevice) ReadBlock(pbn block.PBN, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uint64(pbn) >= f.capacity {
		return vdoerr.New(vdoerr.OutOfRange, "pbn beyond fake device capacity")
	}
	data, ok := f.blocks[pbn]
	if !ok {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	copy(buf, data)
	return nil
}

func (f *FakeDevice) WriteBlock(pbn block.PBN, buf []byte, _ Flag) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if uint64(pbn) >= f.capacity {
		return vdoerr.New(vdoerr.OutOfRange, "pbn beyond fake device capacity")
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.blocks[pbn] = cp
	return nil
}

func (f *FakeDevice) Flush() error { return nil }

func (f *FakeDevice) Discard(start block.PBN, count uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		delete(f.blocks, start+block.PBN(i))
	}
	return nil
}

func (f *FakeDevice) BlockSize() int { return block.Size }
