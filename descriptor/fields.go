package descriptor

import (
	"errors"
	"fmt"
	"reflect"
)

// StructTag is the struct tag key read by FieldOffsets.
const StructTag = "gc"

// ErrInvalidField is returned by FieldOffsets for a tagged field that cannot
// hold a reference.
var ErrInvalidField = errors.New("descriptor: invalid reference field")

// FieldOffsets derives strong and weak offsets from a struct value or type.
// Fields tagged `gc:"strong"` or `gc:"weak"` must be 8-byte unsigned integers
// (such as a reference handle) or arrays of them. Untagged struct fields are
// searched recursively.
//
//	type pair struct {
//		Head gcarena.Ref `gc:"strong"`
//		Tail gcarena.Ref `gc:"strong"`
//		Memo gcarena.Ref `gc:"weak"`
//		N    int64
//	}
//	strong, weak, err := descriptor.FieldOffsets(pair{})
func FieldOffsets(v any) (strong, weak []uint32, err error) {
	t, ok := v.(reflect.Type)
	if !ok {
		t = reflect.TypeOf(v)
	}
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil, nil, fmt.Errorf("%w: %v is not a struct", ErrInvalidField, t)
	}
	err = walkFields(t, 0, &strong, &weak)
	return strong, weak, err
}

func walkFields(t reflect.Type, base uintptr, strong, weak *[]uint32) error {
	for i := range t.NumField() {
		f := t.Field(i)
		off := base + f.Offset
		switch f.Tag.Get(StructTag) {
		case "strong":
			if err := appendSlots(f, off, strong); err != nil {
				return err
			}
		case "weak":
			if err := appendSlots(f, off, weak); err != nil {
				return err
			}
		case "", "-":
			if f.Type.Kind() == reflect.Struct {
				if err := walkFields(f.Type, off, strong, weak); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("%w: field %s has tag %q", ErrInvalidField, f.Name, f.Tag.Get(StructTag))
		}
	}
	return nil
}

func appendSlots(f reflect.StructField, off uintptr, dst *[]uint32) error {
	ft := f.Type
	n := 1
	if ft.Kind() == reflect.Array {
		n = ft.Len()
		ft = ft.Elem()
	}
	if ft.Kind() != reflect.Uint64 && ft.Kind() != reflect.Uintptr {
		return fmt.Errorf("%w: field %s has kind %s", ErrInvalidField, f.Name, ft.Kind())
	}
	if ft.Size() != SlotSize || off%SlotSize != 0 {
		return fmt.Errorf("%w: field %s at offset %d", ErrInvalidField, f.Name, off)
	}
	for i := range n {
		*dst = append(*dst, uint32(off)+uint32(i)*SlotSize)
	}
	return nil
}
