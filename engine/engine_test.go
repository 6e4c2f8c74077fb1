package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/compress"
	"github.com/vdo-project/vdocore/extentio"
	"github.com/vdo-project/vdocore/slab"
)

// fakeTree is an in-memory stand-in for the on-disk block-map tree body.
type fakeTree struct {
	mu      sync.Mutex
	entries map[block.LBN]block.Location
}

func newFakeTree() *fakeTree { return &fakeTree{entries: make(map[block.LBN]block.Location)} }

func (f *fakeTree) ReadEntry(_ context.Context, lbn block.LBN) (block.Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[lbn], nil
}

func (f *fakeTree) WriteEntry(_ context.Context, lbn block.LBN, loc block.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[lbn] = loc
	return nil
}

// fakeIndex is a dedup advice index that remembers every Post and answers
// Query from that table, mimicking the external UDS contract closely
// enough to exercise the agent/verify/adopt path end to end.
type fakeIndex struct {
	mu     sync.Mutex
	advice map[block.Fingerprint]block.Location
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{advice: make(map[block.Fingerprint]block.Location)}
}

func (f *fakeIndex) Post(_ context.Context, name block.Fingerprint, loc block.Location) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advice[name] = loc
	return nil
}

func (f *fakeIndex) Query(_ context.Context, name block.Fingerprint) (block.Location, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	loc, ok := f.advice[name]
	return loc, ok, nil
}

func (f *fakeIndex) Update(_ context.Context, name block.Fingerprint, loc block.Location) error {
	return f.Post(context.Background(), name, loc)
}

// incompressibleCodec never compresses, forcing every write down the raw
// allocate-and-write branch instead of the packer.
type incompressibleCodec struct{}

func (incompressibleCodec) Compress([]byte, []byte) (int, bool)     { return 0, false }
func (incompressibleCodec) Decompress(dst, src []byte, n int) error { copy(dst, src[:n]); return nil }
func (incompressibleCodec) Name() string                            { return "incompressible" }

func newTestEngine(t *testing.T, cfg Config, codec compress.Codec) (*Engine, *fakeIndex, *fakeTree) {
	t.Helper()
	var slabs []*slab.Slab
	// PBN 0 is the reserved zero block, so the first slab starts at PBN 1.
	slabs = append(slabs, slab.New(1, 256, 1, 1, nil))
	slabs = append(slabs, slab.New(259, 256, 1, 1, nil))
	for _, s := range slabs {
		s.MarkRecovered()
	}
	depot := slab.NewDepot(slabs, cfg.PhysicalZones)

	device := extentio.NewFakeDevice(1024)
	tree := newFakeTree()
	index := newFakeIndex()

	e, err := New(cfg, zap.NewNop(), depot, tree, index, device, codec)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, index, tree
}

func defaultConfig() Config {
	return Config{
		LogicalZones:  2,
		PhysicalZones: 2,
		HashZones:     2,
		QueueDepth:    16,
		PoolSize:      8,
		GeneralLimit:  8,
		DiscardLimit:  4,
		JournalBlocks: 1,
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultConfig(), incompressibleCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := make([]byte, block.Size)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, e.Write(ctx, 10, payload))

	got, err := e.Read(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadOfNeverWrittenLBNReturnsZeroBlock(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultConfig(), incompressibleCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := e.Read(ctx, 99)
	require.NoError(t, err)
	for _, b := range got {
		require.Equal(t, byte(0), b)
	}
}

func TestSecondWriteOfIdenticalContentIsDeduped(t *testing.T) {
	e, _, tree := newTestEngine(t, defaultConfig(), incompressibleCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := make([]byte, block.Size)
	for i := range payload {
		payload[i] = 0x5A
	}
	require.NoError(t, e.Write(ctx, 1, payload))
	require.NoError(t, e.Write(ctx, 2, payload))

	got1, err := e.Read(ctx, 1)
	require.NoError(t, err)
	got2, err := e.Read(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, got1, got2)

	loc1, err := tree.ReadEntry(ctx, 1)
	require.NoError(t, err)
	loc2, err := tree.ReadEntry(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, loc1, loc2, "the second write must share the first write's physical block")
}

func TestOverwriteReleasesPriorMapping(t *testing.T) {
	e, _, tree := newTestEngine(t, defaultConfig(), incompressibleCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	first := make([]byte, block.Size)
	for i := range first {
		first[i] = 0x11
	}
	second := make([]byte, block.Size)
	for i := range second {
		second[i] = 0x22
	}
	require.NoError(t, e.Write(ctx, 5, first))
	prior, err := tree.ReadEntry(ctx, 5)
	require.NoError(t, err)
	require.NoError(t, e.Write(ctx, 5, second))

	got, err := e.Read(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, second, got)

	rc, err := e.depot.AllocatorFor(prior.PBN).ReferenceCount(prior.PBN)
	require.NoError(t, err)
	require.EqualValues(t, slab.RefFree, rc, "the first write's block must be released by the overwrite")
}

func TestDiscardUnmapsAndReadsAsZero(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultConfig(), incompressibleCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := make([]byte, block.Size)
	for i := range payload {
		payload[i] = 0x7E
	}
	require.NoError(t, e.Write(ctx, 20, payload))
	require.NoError(t, e.Discard(ctx, 20, 1))

	got, err := e.Read(ctx, 20)
	require.NoError(t, err)
	for _, b := range got {
		require.Equal(t, byte(0), b)
	}
}

func TestMultiBlockDiscardWalksEveryLBN(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultConfig(), incompressibleCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := make([]byte, block.Size)
	for i := range payload {
		payload[i] = 0x33
	}
	for lbn := block.LBN(30); lbn < 33; lbn++ {
		require.NoError(t, e.Write(ctx, lbn, payload))
	}
	require.NoError(t, e.Discard(ctx, 30, 3))

	for lbn := block.LBN(30); lbn < 33; lbn++ {
		got, err := e.Read(ctx, lbn)
		require.NoError(t, err)
		for _, b := range got {
			require.Equal(t, byte(0), b)
		}
	}
}

func TestReadOnlyLatchFailsWritesButAllowsReads(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultConfig(), incompressibleCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := make([]byte, block.Size)
	require.NoError(t, e.Write(ctx, 40, payload))

	e.readOnly.Trip()
	err := e.Write(ctx, 41, payload)
	require.Error(t, err)

	_, err = e.Read(ctx, 40)
	require.NoError(t, err)
}

func TestConcurrentWritesToDistinctLBNsSucceed(t *testing.T) {
	e, _, _ := newTestEngine(t, defaultConfig(), incompressibleCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := make([]byte, block.Size)
			payload[0] = byte(i)
			errs[i] = e.Write(ctx, block.LBN(100+i), payload)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

// TestPackerFlushTimeoutClosesUnderfullBin drives three highly compressible,
// under-block-size writes through the real packer path. None of them fills a
// bin to capacity (size or 14 fragments), so without the packer flush timer
// their Done callbacks would never fire and every Write call below would
// hang until its context expired. A nonzero PackerFlushTimeout must force
// the bin closed well inside the 2s test deadline.
func TestPackerFlushTimeoutClosesUnderfullBin(t *testing.T) {
	cfg := defaultConfig()
	cfg.PackerFlushTimeout = 20 * time.Millisecond
	e, _, _ := newTestEngine(t, cfg, compress.SnappyCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	payload := func(b byte) []byte {
		p := make([]byte, block.Size)
		for i := range p {
			p[i] = b
		}
		return p
	}

	require.NoError(t, e.Write(ctx, 200, payload(0xAA)))
	require.NoError(t, e.Write(ctx, 201, payload(0xBB)))
	require.NoError(t, e.Write(ctx, 202, payload(0xCC)))

	got, err := e.Read(ctx, 201)
	require.NoError(t, err)
	require.Equal(t, payload(0xBB), got)
}

// TestZeroWriteSkipsAllocationAndUnmaps writes an all-zero block and checks
// that the block map records an unmapped entry directly, rather than a PBN
// allocated through hash/dedup/compress/allocate.
func TestZeroWriteSkipsAllocationAndUnmaps(t *testing.T) {
	e, _, tree := newTestEngine(t, defaultConfig(), incompressibleCodec{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	nonzero := make([]byte, block.Size)
	for i := range nonzero {
		nonzero[i] = 0x42
	}
	require.NoError(t, e.Write(ctx, 50, nonzero))

	zero := make([]byte, block.Size)
	require.NoError(t, e.Write(ctx, 50, zero))

	loc, err := tree.ReadEntry(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, block.Location{}, loc)
	require.Equal(t, block.Unmapped, loc.State)

	got, err := e.Read(ctx, 50)
	require.NoError(t, err)
	for _, b := range got {
		require.Equal(t, byte(0), b)
	}
}
