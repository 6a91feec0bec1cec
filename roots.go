package gcarena

import (
	"fmt"
	"math"
)

// AddRoot increments the root count of r. A block with a non-zero root count
// survives every collection. Overflowing the count is fatal.
func (a *Arena) AddRoot(r Ref) error {
	b, ok := a.lookup(r)
	if !ok {
		return fmt.Errorf("%w: %v", ErrStaleRef, r)
	}
	if b.rootCount == math.MaxUint32 {
		panic(fmt.Sprintf("gcarena: root count overflow on %v", r))
	}
	b.rootCount++
	return nil
}

// RemoveRoot decrements the root count of r. It never destroys the block; an
// unrooted, unreachable block is reclaimed by the next Collect.
// ErrRootUnderflow is returned, and the count left at zero, when r is not a
// root.
func (a *Arena) RemoveRoot(r Ref) error {
	b, ok := a.lookup(r)
	if !ok {
		return fmt.Errorf("%w: %v", ErrStaleRef, r)
	}
	if b.rootCount == 0 {
		return fmt.Errorf("%w: %v", ErrRootUnderflow, r)
	}
	b.rootCount--
	return nil
}

// RootCount returns the root count of r.
func (a *Arena) RootCount(r Ref) (uint32, error) {
	b, ok := a.lookup(r)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrStaleRef, r)
	}
	return b.rootCount, nil
}
