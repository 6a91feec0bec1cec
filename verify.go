package gcarena

import (
	"errors"
	"fmt"
	"iter"
)

// ErrCorrupt is returned by Verify when an arena invariant does not hold.
var ErrCorrupt = errors.New("gcarena: arena corrupt")

// All iterates the live blocks in address order. The arena must not be
// modified during iteration.
func (a *Arena) All() iter.Seq2[Ref, BlockInfo] {
	return func(yield func(Ref, BlockInfo) bool) {
		a.panicIfClosed()
		for s := a.begin; s != nilSlot; s = a.blocks[s].next {
			b := &a.blocks[s]
			if !yield(makeRef(s, b.gen), b.info()) {
				return
			}
		}
	}
}

// Verify walks the block list and checks the arena invariants: blocks are
// aligned, address-ordered, non-overlapping and inside the region; links are
// symmetric; header words match the slot table; no block is marked; and the
// live totals agree with the list.
func (a *Arena) Verify() error {
	a.panicIfClosed()

	var errs []error
	corrupt := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrCorrupt}, args...)...))
	}

	var (
		prev   = nilSlot
		cursor = 0
		live   = 0
		inUse  = 0
	)
	for s := a.begin; s != nilSlot; s = a.blocks[s].next {
		if live > len(a.blocks) {
			corrupt("block list has a cycle")
			break
		}
		b := &a.blocks[s]
		r := makeRef(s, b.gen)

		if b.collected {
			corrupt("block %v is collected but still linked", r)
		}
		if b.prev != prev {
			corrupt("block %v links back to slot %d, want %d", r, b.prev, prev)
		}
		if b.offset%Alignment != 0 || b.length%Alignment != 0 {
			corrupt("block %v at %d with length %d is misaligned", r, b.offset, b.length)
		}
		if int(b.offset) < cursor {
			corrupt("block %v at %d overlaps or precedes the previous block ending at %d", r, b.offset, cursor)
		}
		inside := b.end() <= a.capacity && int(b.offset)+HeaderSize <= a.capacity
		if !inside {
			corrupt("block %v ends at %d past capacity %d", r, b.end(), a.capacity)
		}
		if int(b.length) != alignUp(HeaderSize+int(b.size)) {
			corrupt("block %v has length %d for a %d byte payload", r, b.length, b.size)
		}
		if b.mark {
			corrupt("block %v is marked outside a collection", r)
		}
		if inside {
			if hr, hlen, hsize := a.readHeader(b); hr != r || hlen != b.length || hsize != b.size {
				corrupt("block %v header word reads %v/%d/%d", r, hr, hlen, hsize)
			}
		}

		prev = s
		cursor = max(cursor, b.end())
		live++
		inUse += int(b.length)
	}

	if live != a.NumBlocks() {
		corrupt("list holds %d blocks, counter says %d", live, a.NumBlocks())
	}
	if inUse != a.SizeInUse() {
		corrupt("list holds %d bytes, counter says %d", inUse, a.SizeInUse())
	}
	return errors.Join(errs...)
}
