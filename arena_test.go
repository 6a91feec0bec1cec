package gcarena

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavanmanishd/gcarena/descriptor"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected int
	}{
		{"default config", DefaultConfig(), DefaultCapacity},
		{"empty backing", Config{Capacity: 4096}, 4096},
		{"rounds capacity down", Config{Capacity: 1001}, 1000},
		{"mmap backing", Config{Capacity: 64 << 10, Backing: BackingMmap}, 64 << 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := New(tt.cfg, nil)
			require.NoError(t, err)
			defer a.Close()

			assert.Equal(t, tt.expected, a.Capacity())
			assert.Equal(t, tt.expected, a.LargestGap())
			assert.Zero(t, a.NumBlocks())

			// The region is usable end to end.
			r, err := a.Allocate(tt.expected-HeaderSize, descriptor.None, descriptor.None, 0)
			require.NoError(t, err)
			p := a.Payload(r)
			p[0], p[len(p)-1] = 1, 2
			assert.NoError(t, a.Verify())
		})
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{Capacity: 0},
		{Capacity: HeaderSize},
		{Capacity: MaxCapacity + Alignment},
		{Capacity: 4096, Backing: "disk"},
	} {
		_, err := New(cfg, nil)
		assert.ErrorIs(t, err, ErrInvalidConfig, "config %+v", cfg)
	}
}

func TestNew_FreezesRegistry(t *testing.T) {
	reg := testRegistry()
	a, err := New(Config{Capacity: 4096}, reg)
	require.NoError(t, err)
	defer a.Close()

	assert.True(t, reg.Frozen())
	assert.ErrorIs(t, reg.Define(descriptor.Strong, 9, 0), descriptor.ErrFrozen)
}

func TestArenaAllocate(t *testing.T) {
	a := newTestArena(t, 1024)

	// 16 byte header + 10 byte payload rounds up to 32.
	r1 := mustAllocate(t, a, 10, descriptor.None, descriptor.None, 0)
	off, err := a.Offset(r1)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize, off)
	assert.Len(t, a.Payload(r1), 10)

	r2 := mustAllocate(t, a, 8, tagBox, descriptor.None, FlagRoot)
	off, err = a.Offset(r2)
	require.NoError(t, err)
	assert.Equal(t, 32+HeaderSize, off)

	info, ok := a.Info(r2)
	require.True(t, ok)
	assert.Equal(t, BlockInfo{Offset: 48, Length: 24, Size: 8, TypeTag: tagBox, RootCount: 1}, info)

	assert.Equal(t, 56, a.SizeInUse())
	assert.Equal(t, 2, a.NumBlocks())
	assert.NoError(t, a.Verify())
}

func TestArenaAllocate_ZeroSize(t *testing.T) {
	a := newTestArena(t, 64)

	r := mustAllocate(t, a, 0, descriptor.None, descriptor.None, 0)
	assert.NotNil(t, a.Payload(r))
	assert.Empty(t, a.Payload(r))
	assert.Equal(t, HeaderSize, a.SizeInUse())
}

func TestArenaAllocate_ZeroesReusedMemory(t *testing.T) {
	a := newTestArena(t, 64)

	r := mustAllocate(t, a, 40, descriptor.None, descriptor.None, 0)
	p := a.Payload(r)
	for i := range p {
		p[i] = 0xFF
	}
	a.Collect()
	require.False(t, a.IsLive(r))

	r = mustAllocate(t, a, 48, descriptor.None, descriptor.None, 0)
	off, err := a.Offset(r)
	require.NoError(t, err)
	assert.Equal(t, HeaderSize, off, "the freed space must be reused")
	for i, b := range a.Payload(r) {
		if b != 0 {
			t.Fatalf("byte %d not zero: %d", i, b)
		}
	}
}

func TestArenaAllocate_FirstFit(t *testing.T) {
	a := newTestArena(t, 256)

	// Three 32 byte blocks at 0, 32 and 64.
	x := mustAllocate(t, a, 16, descriptor.None, descriptor.None, FlagRoot)
	y := mustAllocate(t, a, 16, descriptor.None, descriptor.None, 0)
	z := mustAllocate(t, a, 16, descriptor.None, descriptor.None, FlagRoot)

	a.Collect()
	require.False(t, a.IsLive(y))

	offsetOf := func(r Ref) int {
		off, err := a.Offset(r)
		require.NoError(t, err)
		return off - HeaderSize
	}

	// A request that fits the hole left by y goes there.
	small := mustAllocate(t, a, 8, descriptor.None, descriptor.None, FlagRoot)
	assert.Equal(t, 32, offsetOf(small))

	// The remaining 8 byte hole is too small; the next block follows z.
	big := mustAllocate(t, a, 16, descriptor.None, descriptor.None, FlagRoot)
	assert.Equal(t, 96, offsetOf(big))

	// Freeing the first block opens the gap before the list head.
	require.NoError(t, a.RemoveRoot(x))
	a.Collect()
	head := mustAllocate(t, a, 16, descriptor.None, descriptor.None, 0)
	assert.Equal(t, 0, offsetOf(head))

	var order []int
	for r := range a.All() {
		order = append(order, offsetOf(r))
	}
	assert.Equal(t, []int{0, 32, 64, 96}, order)
	assert.True(t, a.IsLive(z))
	assert.NoError(t, a.Verify())
}

func TestArenaAllocate_OutOfMemory(t *testing.T) {
	a := newTestArena(t, 64)

	r := mustAllocate(t, a, 48, descriptor.None, descriptor.None, 0)
	assert.Equal(t, 0, a.LargestGap())

	_, err := a.Allocate(0, descriptor.None, descriptor.None, 0)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, uint64(1), a.Metrics().FailedAllocs)

	// Collect and retry: the unrooted block is reclaimed.
	stats := a.Collect()
	assert.Equal(t, 1, stats.Released)
	assert.False(t, a.IsLive(r))
	_, err = a.Allocate(0, descriptor.None, descriptor.None, 0)
	assert.NoError(t, err)
}

func TestArenaAllocate_Errors(t *testing.T) {
	a := newTestArena(t, 1024)

	tests := []struct {
		name    string
		size    int
		typeTag descriptor.Tag
		weakTag descriptor.Tag
		flags   Flags
		want    error
	}{
		{"negative size", -1, descriptor.None, descriptor.None, 0, ErrInvalidSize},
		{"larger than region", 1024, descriptor.None, descriptor.None, 0, ErrInvalidSize},
		{"ref array remainder", 12, descriptor.None, descriptor.None, FlagRefArray, ErrInvalidSize},
		{"unknown strong tag", 64, 9, descriptor.None, 0, descriptor.ErrUnknownTag},
		{"unknown weak tag", 64, descriptor.None, 9, 0, descriptor.ErrUnknownTag},
		{"strong shape too large", 8, tagPair, descriptor.None, 0, ErrShapeTooLarge},
		{"weak shape too large", 8, descriptor.None, tagWeakTwo, 0, ErrShapeTooLarge},
		{"ref array unknown type tag", 16, 99, descriptor.None, FlagRefArray, descriptor.ErrUnknownTag},
		{"ref array with weak tag", 16, descriptor.None, tagWeakTwo, FlagRefArray, ErrWeakRefArray},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Allocate(tt.size, tt.typeTag, tt.weakTag, tt.flags)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, a.NumBlocks())
	assert.Zero(t, a.Metrics().FailedAllocs, "validation errors are not capacity failures")
}

func TestArenaAllocate_RefArrayIgnoresTypeTag(t *testing.T) {
	a := newTestArena(t, 1024)

	// tagPair needs 16 bytes but a ref array is not described by its type tag.
	r, err := a.Allocate(8, tagPair, descriptor.None, FlagRefArray)
	require.NoError(t, err)
	info, ok := a.Info(r)
	require.True(t, ok)
	assert.True(t, info.RefArray)
}

func TestArenaAllocate_RetiresExhaustedSlot(t *testing.T) {
	a := newTestArena(t, 1024)

	r := mustAllocate(t, a, 8, descriptor.None, descriptor.None, 0)
	s := r.slot()
	a.blocks[s].gen = math.MaxUint32
	a.writeHeader(&a.blocks[s], makeRef(int32(s), math.MaxUint32))
	last := makeRef(int32(s), math.MaxUint32)
	require.True(t, a.IsLive(last))

	stats := a.Collect()
	require.Equal(t, 1, stats.Released)
	assert.Empty(t, a.free, "a slot at the last generation is never reused")

	next := mustAllocate(t, a, 8, descriptor.None, descriptor.None, 0)
	assert.NotEqual(t, s, next.slot())
	assert.False(t, a.IsLive(last))
	assert.False(t, a.IsLive(makeRef(int32(s), 1)))
	require.NoError(t, a.Verify())
}

func TestArenaAllocate_NonOverlapping(t *testing.T) {
	a := newTestArena(t, 16<<10)
	rng := rand.New(rand.NewPCG(7, 11))

	type span struct{ start, end int }
	var live []Ref
	for round := range 20 {
		for {
			size := rng.IntN(200)
			flags := Flags(0)
			if rng.IntN(3) == 0 {
				flags = FlagRoot
			}
			r, err := a.Allocate(size, descriptor.None, descriptor.None, flags)
			if errors.Is(err, ErrOutOfMemory) {
				break
			}
			require.NoError(t, err, "round %d", round)
			live = append(live, r)
		}

		var spans []span
		for _, r := range live {
			info, ok := a.Info(r)
			if !ok {
				continue
			}
			require.Zero(t, info.Offset%Alignment, "payload of %v is misaligned", r)
			spans = append(spans, span{info.Offset - HeaderSize, info.Offset - HeaderSize + info.Length})
		}
		for i := range spans {
			for j := i + 1; j < len(spans); j++ {
				overlap := spans[i].start < spans[j].end && spans[j].start < spans[i].end
				require.False(t, overlap, "blocks %v and %v overlap", spans[i], spans[j])
			}
		}
		require.NoError(t, a.Verify())

		// Unroot a few blocks and reclaim them before the next round.
		for _, r := range live {
			if n, err := a.RootCount(r); err == nil && n > 0 && rng.IntN(2) == 0 {
				require.NoError(t, a.RemoveRoot(r))
			}
		}
		a.Collect()
		require.NoError(t, a.Verify())
	}
}

func TestArenaStaleRefs(t *testing.T) {
	a := newTestArena(t, 1024)

	old := mustAllocate(t, a, 8, descriptor.None, descriptor.None, 0)
	a.Collect()

	reused := mustAllocate(t, a, 8, descriptor.None, descriptor.None, 0)
	assert.Equal(t, old.slot(), reused.slot(), "the released slot is recycled")
	assert.NotEqual(t, old, reused)
	assert.Equal(t, old.gen()+1, reused.gen())

	assert.False(t, a.IsLive(old))
	assert.True(t, a.IsLive(reused))
	assert.Nil(t, a.Payload(old))
	_, ok := a.Info(old)
	assert.False(t, ok)
	_, err := a.Offset(old)
	assert.ErrorIs(t, err, ErrStaleRef)

	assert.False(t, a.IsLive(Nil))
	assert.False(t, a.IsLive(Ref(1<<40|9999)))
}

func TestArenaRelease_Idempotent(t *testing.T) {
	a := newTestArena(t, 1024)

	mustAllocate(t, a, 8, descriptor.None, descriptor.None, FlagRoot)
	r := mustAllocate(t, a, 8, descriptor.None, descriptor.None, 0)
	mustAllocate(t, a, 8, descriptor.None, descriptor.None, FlagRoot)

	s := int32(r.slot())
	assert.True(t, a.release(s))
	inUse := a.SizeInUse()
	assert.False(t, a.release(s))
	assert.Equal(t, inUse, a.SizeInUse())
	assert.Equal(t, 2, a.NumBlocks())
	a.recycle()
	assert.NoError(t, a.Verify())
}

func TestArenaClose(t *testing.T) {
	for _, backing := range []Backing{BackingHeap, BackingMmap} {
		t.Run(string(backing), func(t *testing.T) {
			a, err := New(Config{Capacity: 4096, Backing: backing}, nil)
			require.NoError(t, err)
			r := mustAllocate(t, a, 100, descriptor.None, descriptor.None, FlagRoot)

			require.NoError(t, a.Close())
			require.NoError(t, a.Close(), "Close must be idempotent")

			assert.Zero(t, a.Capacity())
			assert.Zero(t, a.SizeInUse())
			assert.Zero(t, a.Utilization())
			assert.PanicsWithValue(t, "gcarena: use after Close()", func() { a.Payload(r) })
			assert.Panics(t, func() { _, _ = a.Allocate(8, descriptor.None, descriptor.None, 0) })
			assert.Panics(t, func() { a.Collect() })
		})
	}
}

func TestRefString(t *testing.T) {
	assert.Equal(t, "nil", Nil.String())
	assert.Equal(t, "#3.7", makeRef(3, 7).String())
	assert.True(t, Nil.IsNil())
	assert.False(t, makeRef(0, 1).IsNil())
	assert.Equal(t, "#0.1", fmt.Sprint(makeRef(0, 1)))
}
