// Package descriptor holds the reference descriptor tables the collector uses
// to walk object graphs without per-type logic.
//
// A descriptor is a list of byte offsets inside a payload. Every offset names
// an 8-byte reference slot. The strong table drives marking; the weak table
// drives the fix-up pass that nulls references to destroyed blocks. Tag 0 is
// reserved in both tables and always means "no fields".
//
// Tables are populated once, before the first allocation, and are read-only
// afterwards:
//
//	reg := descriptor.NewRegistry()
//	_ = reg.Define(descriptor.Strong, 1, 0, 8) // a pair: two strong slots
//	_ = reg.Define(descriptor.Weak, 1, 16)     // a cache entry: one weak slot
//	reg.Freeze()
package descriptor

import (
	"errors"
	"fmt"
	"slices"
)

// SlotSize is the size in bytes of a reference slot.
const SlotSize = 8

// Tag selects a descriptor. Tags are small integers assigned by the embedding
// runtime, one per distinct payload shape.
type Tag uint32

// None is the reserved tag for shapes with no reference fields.
const None Tag = 0

// Kind distinguishes the strong table from the weak table.
type Kind uint8

const (
	// Strong references keep their target alive during tracing.
	Strong Kind = iota
	// Weak references are nulled when their target is destroyed.
	Weak
)

func (k Kind) String() string {
	switch k {
	case Strong:
		return "strong"
	case Weak:
		return "weak"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrReservedTag is returned when defining tag 0.
	ErrReservedTag = errors.New("descriptor: tag 0 is reserved")
	// ErrDuplicateTag is returned when a tag is defined twice in the same table.
	ErrDuplicateTag = errors.New("descriptor: tag already defined")
	// ErrMisalignedOffset is returned for offsets that are not a multiple of SlotSize.
	ErrMisalignedOffset = errors.New("descriptor: misaligned offset")
	// ErrDuplicateOffset is returned when a record lists the same offset twice.
	ErrDuplicateOffset = errors.New("descriptor: duplicate offset")
	// ErrFrozen is returned when defining into a frozen registry.
	ErrFrozen = errors.New("descriptor: registry is frozen")
	// ErrUnknownTag is returned when a tag has no entry.
	ErrUnknownTag = errors.New("descriptor: unknown tag")
	// ErrUnknownKind is returned for a Kind other than Strong or Weak.
	ErrUnknownKind = errors.New("descriptor: unknown kind")
)

// record is one table entry. A nil record is an undefined tag.
type record struct {
	offsets []uint32
	extent  uint32
}

// Registry holds the strong and weak descriptor tables.
// Define is not goroutine-safe; lookups on a frozen registry are.
type Registry struct {
	tables [2][]*record
	frozen bool
}

// NewRegistry returns a registry with only the reserved tag 0 defined.
func NewRegistry() *Registry {
	r := &Registry{}
	for k := range r.tables {
		r.tables[k] = []*record{{}}
	}
	return r
}

// Define registers the reference offsets of the payload shape identified by
// tag in the table of the given kind. Offsets are copied and sorted.
func (r *Registry) Define(kind Kind, tag Tag, offsets ...uint32) error {
	if r.frozen {
		return ErrFrozen
	}
	if kind > Weak {
		return fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	if tag == None {
		return ErrReservedTag
	}

	sorted := slices.Clone(offsets)
	slices.Sort(sorted)
	var extent uint32
	for i, off := range sorted {
		if off%SlotSize != 0 {
			return fmt.Errorf("%w: %s tag %d offset %d", ErrMisalignedOffset, kind, tag, off)
		}
		if i > 0 && sorted[i-1] == off {
			return fmt.Errorf("%w: %s tag %d offset %d", ErrDuplicateOffset, kind, tag, off)
		}
		extent = off + SlotSize
	}

	table := r.tables[kind]
	if int(tag) < len(table) && table[tag] != nil {
		return fmt.Errorf("%w: %s tag %d", ErrDuplicateTag, kind, tag)
	}
	for len(table) <= int(tag) {
		table = append(table, nil)
	}
	table[tag] = &record{offsets: sorted, extent: extent}
	r.tables[kind] = table
	return nil
}

// MustDefine is like Define but panics on error. Intended for package-level
// registration of fixed shapes.
func (r *Registry) MustDefine(kind Kind, tag Tag, offsets ...uint32) {
	if err := r.Define(kind, tag, offsets...); err != nil {
		panic(err)
	}
}

// Freeze makes the registry read-only. It is idempotent.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	return r.frozen
}

// Lookup returns the offsets registered for tag. The returned slice must not
// be modified. Tag 0 yields an empty list.
func (r *Registry) Lookup(kind Kind, tag Tag) ([]uint32, error) {
	rec, err := r.record(kind, tag)
	if err != nil {
		return nil, err
	}
	return rec.offsets, nil
}

// Extent returns the smallest payload size that holds every slot of the shape.
func (r *Registry) Extent(kind Kind, tag Tag) (uint32, error) {
	rec, err := r.record(kind, tag)
	if err != nil {
		return 0, err
	}
	return rec.extent, nil
}

// Len returns the number of table entries of the given kind, including the
// reserved entry and undefined gaps.
func (r *Registry) Len(kind Kind) int {
	if kind > Weak {
		return 0
	}
	return len(r.tables[kind])
}

func (r *Registry) record(kind Kind, tag Tag) (*record, error) {
	if kind > Weak {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	table := r.tables[kind]
	if int(tag) >= len(table) || table[tag] == nil {
		return nil, fmt.Errorf("%w: %s tag %d", ErrUnknownTag, kind, tag)
	}
	return table[tag], nil
}
