package gcarena

import (
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"

	"github.com/pavanmanishd/gcarena/descriptor"
)

// CycleStats describes one collection.
type CycleStats struct {
	Marked        int // blocks found reachable
	Released      int // blocks destroyed
	ReleasedBytes int // header + payload bytes returned to the free gaps
	WeakCleared   int // weak slots nulled
	StaleEdges    int // strong slots holding a destroyed block's handle
	Duration      time.Duration

	// ReleasedRefs holds the handles of the destroyed blocks.
	ReleasedRefs *roaring64.Bitmap
}

// Collect runs a stop-the-world mark-sweep collection.
//
// Mark walks the strong edges of every block with a non-zero root count.
// Sweep destroys every block left unmarked and clears the marks of the rest.
// Weak fix-up then nulls every weak slot of a surviving block whose target
// was destroyed. Each phase finishes before the next starts.
//
// A strong slot holding the handle of an already destroyed block is skipped
// and counted in StaleEdges; it means the runtime kept an edge to a block
// that was neither rooted nor reachable.
func (a *Arena) Collect() CycleStats {
	a.panicIfClosed()
	start := time.Now()
	stats := CycleStats{ReleasedRefs: roaring64.New()}

	a.mark(&stats)
	a.sweep(&stats)
	a.fixWeak(&stats)
	a.recycle()

	stats.Duration = time.Since(start)
	a.stats.collections.Add(1)
	a.stats.weakCleared.Add(uint64(stats.WeakCleared))

	level.Debug(a.logger).Log(
		"msg", "collection finished",
		"marked", stats.Marked,
		"released", stats.Released,
		"released_bytes", humanize.IBytes(uint64(stats.ReleasedBytes)),
		"weak_cleared", stats.WeakCleared,
		"live", a.NumBlocks(),
		"in_use", humanize.IBytes(uint64(a.SizeInUse())),
		"duration", stats.Duration,
	)
	if stats.StaleEdges > 0 {
		level.Warn(a.logger).Log("msg", "skipped strong edges to destroyed blocks", "count", stats.StaleEdges)
	}
	return stats
}

func (a *Arena) mark(stats *CycleStats) {
	stack := a.stack[:0]
	push := func(target Ref) {
		b, ok := a.resolve(target)
		if !ok {
			stats.StaleEdges++
			return
		}
		if b.mark {
			return
		}
		b.mark = true
		stats.Marked++
		stack = append(stack, int32(target.slot()))
	}

	for s := a.begin; s != nilSlot; s = a.blocks[s].next {
		b := &a.blocks[s]
		if b.rootCount == 0 || b.mark {
			continue
		}
		b.mark = true
		stats.Marked++
		stack = append(stack, s)

		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			a.forEachStrong(cur, push)
		}
	}
	a.stack = stack[:0]
}

// forEachStrong calls fn with every non-nil strong reference of block s.
func (a *Arena) forEachStrong(s int32, fn func(Ref)) {
	b := &a.blocks[s]
	base := b.payload()
	if b.refArray {
		for off := 0; off+RefSize <= int(b.size); off += RefSize {
			if r := a.slotAt(base + off); r != Nil {
				fn(r)
			}
		}
		return
	}
	if b.typeTag == descriptor.None {
		return
	}
	// Tags were checked against the frozen registry at allocation.
	offsets, _ := a.reg.Lookup(descriptor.Strong, b.typeTag)
	for _, off := range offsets {
		if r := a.slotAt(base + int(off)); r != Nil {
			fn(r)
		}
	}
}

func (a *Arena) sweep(stats *CycleStats) {
	for s := a.begin; s != nilSlot; {
		b := &a.blocks[s]
		next := b.next
		if b.mark {
			b.mark = false
		} else {
			r := makeRef(s, b.gen)
			length := int(b.length)
			if a.release(s) {
				stats.Released++
				stats.ReleasedBytes += length
				stats.ReleasedRefs.Add(uint64(r))
			}
		}
		s = next
	}
}

func (a *Arena) fixWeak(stats *CycleStats) {
	for s := a.begin; s != nilSlot; s = a.blocks[s].next {
		b := &a.blocks[s]
		if b.weakTag == descriptor.None {
			continue
		}
		offsets, _ := a.reg.Lookup(descriptor.Weak, b.weakTag)
		base := b.payload()
		for _, off := range offsets {
			pos := base + int(off)
			r := a.slotAt(pos)
			if _, live := a.resolve(r); r == Nil || live {
				continue
			}
			a.setSlot(pos, Nil)
			stats.WeakCleared++
		}
	}
}
