package gcarena

import (
	"fmt"
	"unsafe"

	"github.com/pavanmanishd/gcarena/descriptor"
)

// Alloc allocates a zeroed block sized for T and returns its handle together
// with a pointer to the payload.
//
// T must not contain Go pointers (including strings, slices, maps and
// interfaces): the region may live outside the Go heap and is never scanned by
// the Go collector. Reference fields are Ref values, described by typeTag and
// weakTag.
func Alloc[T any](a *Arena, typeTag, weakTag descriptor.Tag, flags Flags) (Ref, *T, error) {
	var zero T
	if unsafe.Alignof(zero) > Alignment {
		return Nil, nil, fmt.Errorf("%w: %T needs %d-byte alignment", ErrInvalidSize, zero, unsafe.Alignof(zero))
	}
	r, err := a.Allocate(int(unsafe.Sizeof(zero)), typeTag, weakTag, flags)
	if err != nil {
		return Nil, nil, err
	}
	return r, View[T](a, r), nil
}

// View returns a *T over the payload of r, or nil if r is not live or its
// payload is too small for T. The pointer is valid until the block is
// destroyed.
func View[T any](a *Arena, r Ref) *T {
	var zero T
	p := a.Payload(r)
	if p == nil || len(p) < int(unsafe.Sizeof(zero)) || unsafe.Alignof(zero) > Alignment {
		return nil
	}
	if unsafe.Sizeof(zero) == 0 {
		return new(T)
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(p)))
}

// AllocRefArray allocates a block of n strong reference slots, all Nil.
func (a *Arena) AllocRefArray(n int, flags Flags) (Ref, error) {
	if n < 0 {
		return Nil, fmt.Errorf("%w: %d slots", ErrInvalidSize, n)
	}
	return a.Allocate(n*RefSize, descriptor.None, descriptor.None, flags|FlagRefArray)
}

// Payload returns the payload bytes of r, or nil if r is not live.
// The slice aliases the region and is valid until the block is destroyed.
func (a *Arena) Payload(r Ref) []byte {
	b, ok := a.lookup(r)
	if !ok {
		return nil
	}
	start := b.payload()
	end := start + int(b.size)
	return a.region[start:end:end]
}

// Offset returns the byte offset of the payload of r within the region.
func (a *Arena) Offset(r Ref) (int, error) {
	b, ok := a.lookup(r)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrStaleRef, r)
	}
	return b.payload(), nil
}

// LoadRef reads the reference slot at byte offset off in the payload of r.
func (a *Arena) LoadRef(r Ref, off int) (Ref, error) {
	b, err := a.slotBlock(r, off)
	if err != nil {
		return Nil, err
	}
	return a.slotAt(b.payload() + off), nil
}

// StoreRef writes target into the reference slot at byte offset off in the
// payload of r. target must be Nil or live. Whether the slot is strong, weak
// or plain data is decided by the block's descriptors, not by StoreRef.
func (a *Arena) StoreRef(r Ref, off int, target Ref) error {
	b, err := a.slotBlock(r, off)
	if err != nil {
		return err
	}
	if target != Nil && !a.IsLive(target) {
		return fmt.Errorf("%w: target %v", ErrStaleRef, target)
	}
	a.setSlot(b.payload()+off, target)
	return nil
}

func (a *Arena) slotBlock(r Ref, off int) (*block, error) {
	b, ok := a.lookup(r)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrStaleRef, r)
	}
	if off < 0 || off%RefSize != 0 {
		return nil, fmt.Errorf("%w: %d", ErrMisalignedOffset, off)
	}
	if off+RefSize > int(b.size) {
		return nil, fmt.Errorf("%w: slot at %d, payload has %d bytes", ErrOutOfBounds, off, b.size)
	}
	return b, nil
}
