// Command vdobench assembles an Engine over either an mmap-backed file or
// an in-memory fake device and drives a simple random write/read/discard
// workload against it, reporting throughput. It does not read back or
// verify the data it wrote.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vdo-project/vdocore/block"
	"github.com/vdo-project/vdocore/compress"
	"github.com/vdo-project/vdocore/engine"
	"github.com/vdo-project/vdocore/extentio"
	"github.com/vdo-project/vdocore/slab"
)

type config struct {
	path           string
	capacityBlocks int64
	logicalZones   int
	physicalZones  int
	hashZones      int
	queueDepth     int
	poolSize       int
	generalLimit   int64
	discardLimit   int64
	journalBlocks  int
	ops            int
	blockRange     int64
	seed           int64
	codec          string
	inMemory       bool
	flushTimeout   time.Duration
}

func main() {
	cfg := &config{}
	root := &cobra.Command{
		Use:   "vdobench",
		Short: "drives a randomized read/write/discard workload against the vdocore data path",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfg.path, "path", "vdobench.img", "backing file path (ignored with --in-memory)")
	flags.BoolVar(&cfg.inMemory, "in-memory", true, "use an in-memory fake block device instead of an mmap-backed file")
	flags.Int64Var(&cfg.capacityBlocks, "capacity-blocks", 1<<16, "backing device capacity, in blocks")
	flags.IntVar(&cfg.logicalZones, "logical-zones", 4, "number of logical zones")
	flags.IntVar(&cfg.physicalZones, "physical-zones", 2, "number of physical zones")
	flags.IntVar(&cfg.hashZones, "hash-zones", 2, "number of hash zones")
	flags.IntVar(&cfg.queueDepth, "queue-depth", 64, "per-zone work queue depth")
	flags.IntVar(&cfg.poolSize, "pool-size", 64, "data-VIO pool size")
	flags.Int64Var(&cfg.generalLimit, "general-limit", 64, "general admission permits")
	flags.Int64Var(&cfg.discardLimit, "discard-limit", 16, "discard admission permits")
	flags.IntVar(&cfg.journalBlocks, "journal-blocks", 32, "in-flight recovery-journal block count")
	flags.IntVar(&cfg.ops, "ops", 10000, "number of requests to issue")
	flags.Int64Var(&cfg.blockRange, "lbn-range", 4096, "logical address space size, in blocks")
	flags.Int64Var(&cfg.seed, "seed", 1, "workload PRNG seed")
	flags.StringVar(&cfg.codec, "codec", "zstd", "compressor: zstd or snappy")
	flags.DurationVar(&cfg.flushTimeout, "packer-flush-timeout", 20*time.Millisecond, "worst-case latency before an under-full packer bin is force-closed")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config) error {
	log, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	device, err := buildDevice(cfg)
	if err != nil {
		return err
	}

	codec, err := buildCodec(cfg.codec)
	if err != nil {
		return err
	}

	depot := buildDepot(cfg)
	tree := newFileBackedTree()
	index := newMemoryIndex()

	eng, err := engine.New(engine.Config{
		LogicalZones:       cfg.logicalZones,
		PhysicalZones:      cfg.physicalZones,
		HashZones:          cfg.hashZones,
		QueueDepth:         cfg.queueDepth,
		PoolSize:           cfg.poolSize,
		GeneralLimit:       cfg.generalLimit,
		DiscardLimit:       cfg.discardLimit,
		JournalBlocks:      cfg.journalBlocks,
		PackerFlushTimeout: cfg.flushTimeout,
	}, log, depot, tree, index, device, codec)
	if err != nil {
		return fmt.Errorf("assembling engine: %w", err)
	}
	defer eng.Close()

	rng := rand.New(rand.NewSource(cfg.seed))
	ctx := context.Background()
	start := time.Now()

	var writes, reads, discards int
	for i := 0; i < cfg.ops; i++ {
		lbn := block.LBN(rng.Int63n(cfg.blockRange))
		switch rng.Intn(10) {
		case 0:
			if err := eng.Discard(ctx, lbn, 1); err != nil {
				log.Warn("discard failed", zap.Error(err))
			}
			discards++
		case 1, 2, 3:
			if _, err := eng.Read(ctx, lbn); err != nil {
				log.Warn("read failed", zap.Error(err))
			}
			reads++
		default:
			payload := make([]byte, block.Size)
			rng.Read(payload)
			if err := eng.Write(ctx, lbn, payload); err != nil {
				log.Warn("write failed", zap.Error(err))
			}
			writes++
		}
	}

	elapsed := time.Since(start)
	log.Info("workload complete",
		zap.Int("writes", writes),
		zap.Int("reads", reads),
		zap.Int("discards", discards),
		zap.Duration("elapsed", elapsed),
		zap.Float64("ops_per_sec", float64(cfg.ops)/elapsed.Seconds()),
	)
	return nil
}

func buildDevice(cfg *config) (extentio.BlockDevice, error) {
	if cfg.inMemory {
		return extentio.NewFakeDevice(uint64(cfg.capacityBlocks)), nil
	}
	return extentio.Open(cfg.path, cfg.capacityBlocks)
}

func buildCodec(name string) (compress.Codec, error) {
	switch name {
	case "snappy":
		return compress.SnappyCodec{}, nil
	case "zstd", "":
		return compress.NewZstdCodec()
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// buildDepot lays out the backing device as a handful of evenly sized
// slabs, round robin across physicalZones — a stand-in for the real
// super-block-driven slab layout, which is out of scope per §1.
func buildDepot(cfg *config) *slab.Depot {
	const slabCount = 8
	const refBlocks = 1
	const journalBlocks = 1
	perSlab := uint64(cfg.capacityBlocks) / slabCount
	dataBlocks := perSlab - refBlocks - journalBlocks

	slabs := make([]*slab.Slab, 0, slabCount)
	// PBN 0 is the reserved zero block, so the first slab starts at PBN 1.
	cursor := block.ZeroPBN + 1
	for i := 0; i < slabCount; i++ {
		s := slab.New(cursor, dataBlocks, refBlocks, journalBlocks, nil)
		s.MarkRecovered()
		slabs = append(slabs, s)
		cursor = s.End
	}
	return slab.NewDepot(slabs, cfg.physicalZones)
}
