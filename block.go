package gcarena

import (
	"encoding/binary"
	"fmt"

	"github.com/pavanmanishd/gcarena/descriptor"
)

// RefSize is the size in bytes of a reference slot in a payload.
const RefSize = descriptor.SlotSize

// Ref is a handle to a block, and the value stored in reference slots.
//
// The low 32 bits hold the slot number plus one and the high 32 bits hold the
// slot's generation at allocation time. A Ref outlives its block: once the
// block is destroyed and its slot reused, the generation no longer matches and
// the Ref is stale.
type Ref uint64

// Nil is the null reference.
const Nil Ref = 0

func makeRef(slot int32, gen uint32) Ref {
	return Ref(uint64(gen)<<32 | uint64(uint32(slot)+1))
}

func (r Ref) slot() int {
	return int(uint32(r)) - 1
}

func (r Ref) gen() uint32 {
	return uint32(r >> 32)
}

// IsNil reports whether r is the null reference.
func (r Ref) IsNil() bool {
	return r == Nil
}

func (r Ref) String() string {
	if r == Nil {
		return "nil"
	}
	return fmt.Sprintf("#%d.%d", r.slot(), r.gen())
}

const nilSlot int32 = -1

// block is the logical header of one allocation.
type block struct {
	offset uint32 // start of the header in the region
	length uint32 // header + payload, aligned
	size   uint32 // requested payload size

	prev, next int32 // address-ordered list links

	typeTag descriptor.Tag
	weakTag descriptor.Tag

	rootCount uint32
	gen       uint32

	mark      bool
	refArray  bool
	collected bool
}

func (b *block) payload() int {
	return int(b.offset) + HeaderSize
}

func (b *block) end() int {
	return int(b.offset) + int(b.length)
}

// The header word written into the region before every payload:
//
//	[0:8)   Ref of the block
//	[8:12)  length (header + payload, aligned)
//	[12:16) payload size
func (a *Arena) writeHeader(b *block, r Ref) {
	h := a.region[b.offset : b.offset+HeaderSize]
	binary.LittleEndian.PutUint64(h[0:8], uint64(r))
	binary.LittleEndian.PutUint32(h[8:12], b.length)
	binary.LittleEndian.PutUint32(h[12:16], b.size)
}

func (a *Arena) readHeader(b *block) (r Ref, length, size uint32) {
	h := a.region[b.offset : b.offset+HeaderSize]
	return Ref(binary.LittleEndian.Uint64(h[0:8])),
		binary.LittleEndian.Uint32(h[8:12]),
		binary.LittleEndian.Uint32(h[12:16])
}

func (a *Arena) slotAt(pos int) Ref {
	return Ref(binary.LittleEndian.Uint64(a.region[pos : pos+RefSize]))
}

func (a *Arena) setSlot(pos int, r Ref) {
	binary.LittleEndian.PutUint64(a.region[pos:pos+RefSize], uint64(r))
}

// BlockInfo is a read-only snapshot of a block header.
type BlockInfo struct {
	Offset    int // payload offset in the region
	Length    int // header + payload, aligned
	Size      int // requested payload size
	TypeTag   descriptor.Tag
	WeakTag   descriptor.Tag
	RootCount uint32
	RefArray  bool
	Marked    bool
}

func (b *block) info() BlockInfo {
	return BlockInfo{
		Offset:    b.payload(),
		Length:    int(b.length),
		Size:      int(b.size),
		TypeTag:   b.typeTag,
		WeakTag:   b.weakTag,
		RootCount: b.rootCount,
		RefArray:  b.refArray,
		Marked:    b.mark,
	}
}
