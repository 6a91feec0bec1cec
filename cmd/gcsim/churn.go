package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"text/tabwriter"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/alecthomas/kingpin/v2"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/pavanmanishd/gcarena"
	"github.com/pavanmanishd/gcarena/descriptor"
)

// Churn payloads: two strong slots followed by one weak slot.
const (
	churnStrong descriptor.Tag = 1
	churnWeak   descriptor.Tag = 1

	churnMinSize = 24
)

// ChurnConfig parameterizes the random workload.
type ChurnConfig struct {
	Arena   gcarena.Config
	Seed    uint64
	Ops     int
	Roots   int
	MaxSize gcarena.ByteSize
}

// ChurnResult summarizes a churn run.
type ChurnResult struct {
	Ops            int
	Allocations    int
	Retries        int // allocations that succeeded after an on-demand collection
	Exhausted      int // allocations that failed even after collecting
	Collections    int
	DistinctFreed  uint64
	ArenaMetrics   gcarena.ArenaMetrics
	FinalLiveBytes int
}

// ChurnCommand runs a seeded random object-graph workload.
type ChurnCommand struct {
	cfg ChurnConfig

	out       io.Writer
	logConfig *LoggerConfig
}

// Register is used to register the command to a parent command.
func (c *ChurnCommand) Register(app *kingpin.Application, logConfig *LoggerConfig) {
	c.logConfig = logConfig
	c.cfg.Arena = gcarena.DefaultConfig()

	cmd := app.Command("churn", "Run a seeded random allocation workload, collecting whenever the arena fills up.")
	cmd.Flag("arena.capacity", "Fixed size of the arena region, for example 64KiB.").Default(c.cfg.Arena.Capacity.String()).SetValue(&c.cfg.Arena.Capacity)
	cmd.Flag("arena.backing", "Where the arena region lives: heap or mmap.").Default(string(gcarena.BackingHeap)).EnumVar((*string)(&c.cfg.Arena.Backing), string(gcarena.BackingHeap), string(gcarena.BackingMmap))
	cmd.Flag("seed", "Random seed.").Default("1").Uint64Var(&c.cfg.Seed)
	cmd.Flag("ops", "Number of operations to run.").Default("100000").IntVar(&c.cfg.Ops)
	cmd.Flag("roots", "Number of root slots held by the simulated runtime.").Default("16").IntVar(&c.cfg.Roots)
	cmd.Flag("max-size", "Largest payload to allocate.").Default("256B").SetValue(&c.cfg.MaxSize)
	cmd.Action(c.run)
}

func (c *ChurnCommand) run(*kingpin.ParseContext) error {
	logger := c.logConfig.Logger()
	res, err := Churn(c.cfg, logger)
	if err != nil {
		return err
	}

	out := c.out
	if out == nil {
		out = os.Stdout
	}
	printChurnResult(out, res)
	return nil
}

// Churn runs the random workload. An allocation that fails with
// gcarena.ErrOutOfMemory triggers one collection and one retry; if the retry
// fails too, a random root is dropped and the workload moves on.
func Churn(cfg ChurnConfig, logger log.Logger) (ChurnResult, error) {
	if cfg.Roots <= 0 {
		return ChurnResult{}, errors.New("at least one root slot is required")
	}
	if cfg.MaxSize < churnMinSize {
		cfg.MaxSize = churnMinSize
	}

	reg := descriptor.NewRegistry()
	reg.MustDefine(descriptor.Strong, churnStrong, 0, 8)
	reg.MustDefine(descriptor.Weak, churnWeak, 16)

	a, err := gcarena.New(cfg.Arena, reg, gcarena.WithLogger(logger))
	if err != nil {
		return ChurnResult{}, errors.Wrap(err, "unable to create arena")
	}
	defer a.Close()

	w := &churner{
		arena:  a,
		rnd:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		roots:  make([]gcarena.Ref, cfg.Roots),
		freed:  roaring64.New(),
		cfg:    cfg,
		logger: logger,
	}
	for i := 0; i < cfg.Ops; i++ {
		if err := w.op(); err != nil {
			return w.res, errors.Wrapf(err, "op %d", i+1)
		}
		w.res.Ops++
	}

	// Drop the root set and reclaim everything.
	for _, r := range w.roots {
		if !r.IsNil() {
			if err := a.RemoveRoot(r); err != nil {
				return w.res, err
			}
		}
	}
	if err := w.collect(); err != nil {
		return w.res, err
	}

	w.res.DistinctFreed = w.freed.GetCardinality()
	w.res.ArenaMetrics = a.Metrics()
	w.res.FinalLiveBytes = a.SizeInUse()
	return w.res, nil
}

type churner struct {
	arena  *gcarena.Arena
	rnd    *rand.Rand
	roots  []gcarena.Ref
	pool   []gcarena.Ref // recently allocated blocks, possibly dead
	freed  *roaring64.Bitmap
	cfg    ChurnConfig
	res    ChurnResult
	logger log.Logger
}

const churnPoolSize = 256

func (w *churner) op() error {
	switch n := w.rnd.IntN(10); {
	case n < 5:
		return w.alloc()
	case n < 7:
		return w.link(0, 8)
	case n < 8:
		return w.link(16)
	case n < 9:
		return w.unroot()
	default:
		if from, ok := w.pick(); ok {
			return w.arena.StoreRef(from, 8*w.rnd.IntN(2), gcarena.Nil)
		}
		return nil
	}
}

func (w *churner) alloc() error {
	size := churnMinSize + 8*w.rnd.IntN(int(w.cfg.MaxSize-churnMinSize)/8+1)
	weak := descriptor.None
	if w.rnd.IntN(4) == 0 {
		weak = churnWeak
	}

	r, err := w.arena.Allocate(size, churnStrong, weak, 0)
	if errors.Is(err, gcarena.ErrOutOfMemory) {
		if err := w.collect(); err != nil {
			return err
		}
		r, err = w.arena.Allocate(size, churnStrong, weak, 0)
		if err == nil {
			w.res.Retries++
		}
	}
	if errors.Is(err, gcarena.ErrOutOfMemory) {
		w.res.Exhausted++
		level.Debug(w.logger).Log("msg", "arena exhausted after collection", "size", size, "largest_gap", w.arena.LargestGap())
		return w.unroot()
	}
	if err != nil {
		return err
	}
	w.res.Allocations++

	// Either hang the new block off a reachable one or make it a root.
	if from, ok := w.pick(); ok && w.rnd.IntN(3) > 0 {
		if err := w.arena.StoreRef(from, 8*w.rnd.IntN(2), r); err != nil {
			return err
		}
	} else if err := w.setRoot(w.rnd.IntN(len(w.roots)), r); err != nil {
		return err
	}
	w.remember(r)
	return nil
}

// link stores one live block into another at one of the given offsets.
func (w *churner) link(offsets ...int) error {
	from, ok := w.pick()
	if !ok {
		return nil
	}
	to, ok := w.pick()
	if !ok {
		return nil
	}
	off := offsets[w.rnd.IntN(len(offsets))]
	if off == 16 {
		if info, _ := w.arena.Info(from); info.WeakTag == descriptor.None {
			return nil
		}
	}
	return w.arena.StoreRef(from, off, to)
}

func (w *churner) unroot() error {
	return w.setRoot(w.rnd.IntN(len(w.roots)), gcarena.Nil)
}

func (w *churner) setRoot(i int, r gcarena.Ref) error {
	if old := w.roots[i]; !old.IsNil() {
		if err := w.arena.RemoveRoot(old); err != nil {
			return err
		}
	}
	w.roots[i] = r
	if r.IsNil() {
		return nil
	}
	return w.arena.AddRoot(r)
}

func (w *churner) remember(r gcarena.Ref) {
	if len(w.pool) < churnPoolSize {
		w.pool = append(w.pool, r)
		return
	}
	w.pool[w.rnd.IntN(len(w.pool))] = r
}

// pick returns a random live block from the pool.
func (w *churner) pick() (gcarena.Ref, bool) {
	for range 4 {
		if len(w.pool) == 0 {
			return gcarena.Nil, false
		}
		i := w.rnd.IntN(len(w.pool))
		if r := w.pool[i]; w.arena.IsLive(r) {
			return r, true
		}
		w.pool[i] = w.pool[len(w.pool)-1]
		w.pool = w.pool[:len(w.pool)-1]
	}
	return gcarena.Nil, false
}

func (w *churner) collect() error {
	stats := w.arena.Collect()
	w.res.Collections++
	if w.freed.Intersects(stats.ReleasedRefs) {
		return errors.Errorf("collection %d released a handle twice", w.res.Collections)
	}
	w.freed.Or(stats.ReleasedRefs)
	if stats.StaleEdges > 0 {
		return errors.Errorf("collection %d found %d edges to destroyed blocks", w.res.Collections, stats.StaleEdges)
	}
	return w.arena.Verify()
}

func printChurnResult(out io.Writer, res ChurnResult) {
	tw := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	m := res.ArenaMetrics
	fmt.Fprintf(tw, "operations\t%s\n", humanize.Comma(int64(res.Ops)))
	fmt.Fprintf(tw, "allocations\t%s\n", humanize.Comma(int64(res.Allocations)))
	fmt.Fprintf(tw, "retried after collection\t%s\n", humanize.Comma(int64(res.Retries)))
	fmt.Fprintf(tw, "exhausted\t%s\n", humanize.Comma(int64(res.Exhausted)))
	fmt.Fprintf(tw, "collections\t%s\n", humanize.Comma(int64(res.Collections)))
	fmt.Fprintf(tw, "blocks released\t%s\n", humanize.Comma(int64(m.TotalReleased)))
	fmt.Fprintf(tw, "weak refs cleared\t%s\n", humanize.Comma(int64(m.WeakCleared)))
	fmt.Fprintf(tw, "failed allocations\t%s\n", humanize.Comma(int64(m.FailedAllocs)))
	fmt.Fprintf(tw, "capacity\t%s\n", humanize.IBytes(uint64(m.Capacity)))
	fmt.Fprintf(tw, "in use at exit\t%s\n", humanize.IBytes(uint64(res.FinalLiveBytes)))
	_ = tw.Flush()
}
