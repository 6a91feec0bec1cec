// Package gcarena implements a fixed-capacity arena with a tracing collector.
// Typical usage: register payload shapes once, create one arena at startup,
// allocate blocks, mark the ones held by the runtime as roots and call
// Collect whenever the runtime decides to reclaim memory.
package gcarena

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pavanmanishd/gcarena/descriptor"
	"github.com/pavanmanishd/gcarena/internal/mmap"
)

const (
	// Alignment is the allocation unit. Every block starts and ends on a
	// multiple of it.
	Alignment = 8
	// HeaderSize is the number of bytes reserved before every payload.
	HeaderSize = 16
	// MaxCapacity is the largest supported region.
	MaxCapacity = math.MaxUint32 &^ (Alignment - 1)
)

// Flags modify an allocation.
type Flags uint8

const (
	// FlagRoot creates the block with a root count of one.
	FlagRoot Flags = 1 << iota
	// FlagRefArray makes the whole payload a run of strong reference slots.
	FlagRefArray
)

var (
	// ErrOutOfMemory is returned when no gap in the region fits the request.
	ErrOutOfMemory = errors.New("gcarena: out of memory")
	// ErrInvalidSize is returned for negative sizes, oversized requests and
	// ref arrays whose size is not a multiple of RefSize.
	ErrInvalidSize = errors.New("gcarena: invalid size")
	// ErrShapeTooLarge is returned when a descriptor lists slots past the end
	// of the payload.
	ErrShapeTooLarge = errors.New("gcarena: descriptor exceeds payload")
	// ErrStaleRef is returned for Nil refs and refs to destroyed blocks.
	ErrStaleRef = errors.New("gcarena: stale reference")
	// ErrOutOfBounds is returned for slot offsets past the end of the payload.
	ErrOutOfBounds = errors.New("gcarena: offset out of bounds")
	// ErrMisalignedOffset is returned for slot offsets that are not a multiple
	// of RefSize.
	ErrMisalignedOffset = errors.New("gcarena: misaligned offset")
	// ErrRootUnderflow is returned by RemoveRoot on a block that is not a root.
	ErrRootUnderflow = errors.New("gcarena: root count underflow")
	// ErrWeakRefArray is returned when a ref array is given a weak tag. Every
	// slot of a ref array is strong.
	ErrWeakRefArray = errors.New("gcarena: ref array cannot have weak slots")
)

type arenaStats struct {
	live          atomic.Int64
	sizeInUse     atomic.Int64
	totalAllocs   atomic.Uint64
	failedAllocs  atomic.Uint64
	totalReleased atomic.Uint64
	collections   atomic.Uint64
	weakCleared   atomic.Uint64
}

// Arena is a single fixed-size region holding blocks in an address-ordered
// list. Not goroutine-safe: the embedding runtime serializes every call.
type Arena struct {
	region   []byte
	capacity int
	mapping  *mmap.Mapping
	reg      *descriptor.Registry

	blocks  []block // slot table
	begin   int32   // lowest-addressed live block
	free    []int32 // slots ready for reuse
	pending []int32 // slots released by the running collection
	stack   []int32 // mark stack, kept between collections

	stats  arenaStats
	closed atomic.Bool

	logger     log.Logger
	registerer prometheus.Registerer
	collector  prometheus.Collector
}

// New creates an arena with the configured capacity. The registry is frozen:
// every payload shape must be defined before the arena is created. A nil
// registry only allows untagged blocks and ref arrays.
func New(cfg Config, reg *descriptor.Registry, opts ...Option) (*Arena, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = descriptor.NewRegistry()
	}
	reg.Freeze()

	a := &Arena{
		capacity: int(cfg.Capacity) &^ (Alignment - 1),
		reg:      reg,
		begin:    nilSlot,
		logger:   log.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}

	switch cfg.Backing {
	case BackingMmap:
		m, err := mmap.MapAnon(a.capacity)
		if err != nil {
			return nil, fmt.Errorf("gcarena: map region: %w", err)
		}
		a.mapping = m
		a.region = m.Bytes()
	default:
		a.region = make([]byte, a.capacity)
	}

	if a.registerer != nil {
		c := newCollector(a)
		if err := a.registerer.Register(c); err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("gcarena: register metrics: %w", err)
		}
		a.collector = c
	}

	level.Info(a.logger).Log("msg", "arena created", "capacity", humanize.IBytes(uint64(a.capacity)), "backing", cfg.Backing)
	return a, nil
}

// Allocate places a block with a zeroed payload of size bytes in the first gap
// that fits it and returns its handle.
//
// typeTag and weakTag select the strong and weak descriptors of the payload.
// With FlagRefArray the payload is a run of strong slots and typeTag is not
// consulted. With FlagRoot the block starts with a root count of one.
//
// The region never grows: when no gap fits, ErrOutOfMemory is returned and the
// caller may Collect and retry.
func (a *Arena) Allocate(size int, typeTag, weakTag descriptor.Tag, flags Flags) (Ref, error) {
	a.panicIfClosed()
	if size < 0 || size > a.capacity-HeaderSize {
		return Nil, fmt.Errorf("%w: %d bytes", ErrInvalidSize, size)
	}
	refArray := flags&FlagRefArray != 0
	if refArray && size%RefSize != 0 {
		return Nil, fmt.Errorf("%w: ref array of %d bytes", ErrInvalidSize, size)
	}
	if refArray {
		if weakTag != descriptor.None {
			return Nil, fmt.Errorf("%w: weak tag %d", ErrWeakRefArray, weakTag)
		}
		// The type tag does not describe the payload but must still exist.
		if _, err := a.reg.Extent(descriptor.Strong, typeTag); err != nil {
			return Nil, fmt.Errorf("gcarena: allocate: %w", err)
		}
	} else if err := a.checkShape(descriptor.Strong, typeTag, size); err != nil {
		return Nil, err
	}
	if err := a.checkShape(descriptor.Weak, weakTag, size); err != nil {
		return Nil, err
	}

	need := alignUp(HeaderSize + size)
	offset, prev, next, ok := a.findGap(need)
	if !ok {
		a.stats.failedAllocs.Add(1)
		level.Debug(a.logger).Log("msg", "allocation failed", "size", size, "in_use", a.SizeInUse(), "largest_gap", a.LargestGap())
		return Nil, fmt.Errorf("%w: %d bytes requested", ErrOutOfMemory, need)
	}

	s, gen := a.newSlot()
	b := &a.blocks[s]
	*b = block{
		offset:   uint32(offset),
		length:   uint32(need),
		size:     uint32(size),
		prev:     prev,
		next:     next,
		typeTag:  typeTag,
		weakTag:  weakTag,
		gen:      gen,
		refArray: refArray,
	}
	if flags&FlagRoot != 0 {
		b.rootCount = 1
	}
	if prev == nilSlot {
		a.begin = s
	} else {
		a.blocks[prev].next = s
	}
	if next != nilSlot {
		a.blocks[next].prev = s
	}

	r := makeRef(s, gen)
	a.writeHeader(b, r)
	clear(a.region[b.payload():b.end()])

	a.stats.live.Add(1)
	a.stats.sizeInUse.Add(int64(need))
	a.stats.totalAllocs.Add(1)
	return r, nil
}

func (a *Arena) checkShape(kind descriptor.Kind, tag descriptor.Tag, size int) error {
	extent, err := a.reg.Extent(kind, tag)
	if err != nil {
		return fmt.Errorf("gcarena: allocate: %w", err)
	}
	if int(extent) > size {
		return fmt.Errorf("%w: %s tag %d needs %d bytes, payload has %d", ErrShapeTooLarge, kind, tag, extent, size)
	}
	return nil
}

// findGap scans the list in address order for the first gap of at least need
// bytes, including the gap before the first block and after the last one.
// It returns the gap start and the blocks on either side of it.
func (a *Arena) findGap(need int) (offset int, prev, next int32, ok bool) {
	cursor := 0
	prev = nilSlot
	for s := a.begin; s != nilSlot; s = a.blocks[s].next {
		b := &a.blocks[s]
		if int(b.offset)-cursor >= need {
			return cursor, prev, s, true
		}
		cursor = b.end()
		prev = s
	}
	if a.capacity-cursor >= need {
		return cursor, prev, nilSlot, true
	}
	return 0, nilSlot, nilSlot, false
}

func (a *Arena) newSlot() (int32, uint32) {
	if n := len(a.free); n > 0 {
		s := a.free[n-1]
		a.free = a.free[:n-1]
		return s, a.blocks[s].gen + 1
	}
	a.blocks = append(a.blocks, block{})
	return int32(len(a.blocks) - 1), 1
}

// release unlinks a block and flags it collected. The slot is parked until
// the running collection finishes, so weak fix-up can still see the flag.
// Releasing a block twice is a no-op.
func (a *Arena) release(s int32) bool {
	b := &a.blocks[s]
	if b.collected {
		return false
	}
	if b.prev != nilSlot {
		a.blocks[b.prev].next = b.next
	} else {
		a.begin = b.next
	}
	if b.next != nilSlot {
		a.blocks[b.next].prev = b.prev
	}
	b.prev, b.next = nilSlot, nilSlot
	b.collected = true
	b.mark = false

	a.pending = append(a.pending, s)
	a.stats.live.Add(-1)
	a.stats.sizeInUse.Add(-int64(b.length))
	a.stats.totalReleased.Add(1)
	return true
}

// recycle makes the slots released by the last collection reusable. A slot
// whose generation is exhausted is retired, so no handle ever names two blocks.
func (a *Arena) recycle() {
	for _, s := range a.pending {
		if a.blocks[s].gen == math.MaxUint32 {
			continue
		}
		a.free = append(a.free, s)
	}
	a.pending = a.pending[:0]
}

func (a *Arena) lookup(r Ref) (*block, bool) {
	a.panicIfClosed()
	return a.resolve(r)
}

// resolve is lookup without the closed check, for the collector's inner loops.
func (a *Arena) resolve(r Ref) (*block, bool) {
	s := r.slot()
	if s < 0 || s >= len(a.blocks) {
		return nil, false
	}
	b := &a.blocks[s]
	if b.gen != r.gen() || b.collected {
		return nil, false
	}
	return b, true
}

// IsLive reports whether r names a block that has not been destroyed.
func (a *Arena) IsLive(r Ref) bool {
	_, ok := a.lookup(r)
	return ok
}

// Info returns a snapshot of the header of r.
func (a *Arena) Info(r Ref) (BlockInfo, bool) {
	b, ok := a.lookup(r)
	if !ok {
		return BlockInfo{}, false
	}
	return b.info(), true
}

// Close releases the region. Any later use of the arena panics.
func (a *Arena) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	if a.collector != nil {
		a.registerer.Unregister(a.collector)
	}
	a.region = nil
	a.blocks = nil
	a.free, a.pending, a.stack = nil, nil, nil
	a.begin = nilSlot
	if a.mapping != nil {
		return a.mapping.Close()
	}
	return nil
}

func (a *Arena) panicIfClosed() {
	if a.closed.Load() {
		panic("gcarena: use after Close()")
	}
}

// alignUp rounds n up to the allocation unit.
func alignUp(n int) int {
	const mask = Alignment - 1
	return (n + mask) &^ mask
}
