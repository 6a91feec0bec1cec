package gcarena

// SizeInUse returns the number of bytes held by live blocks, headers and
// alignment padding included.
func (a *Arena) SizeInUse() int {
	if a.closed.Load() {
		return 0
	}
	return int(a.stats.sizeInUse.Load())
}

// NumBlocks returns the number of live blocks.
func (a *Arena) NumBlocks() int {
	if a.closed.Load() {
		return 0
	}
	return int(a.stats.live.Load())
}

// Capacity returns the size of the region in bytes.
func (a *Arena) Capacity() int {
	if a.closed.Load() {
		return 0
	}
	return a.capacity
}

// FreeBytes returns the total size of all gaps. Because the arena never
// compacts, a request may fail even when FreeBytes exceeds its size; see
// LargestGap.
func (a *Arena) FreeBytes() int {
	return a.Capacity() - a.SizeInUse()
}

// LargestGap returns the size of the largest gap, the biggest block
// (header included) the next Allocate can place.
func (a *Arena) LargestGap() int {
	if a.closed.Load() {
		return 0
	}
	largest, cursor := 0, 0
	for s := a.begin; s != nilSlot; s = a.blocks[s].next {
		b := &a.blocks[s]
		largest = max(largest, int(b.offset)-cursor)
		cursor = b.end()
	}
	return max(largest, a.capacity-cursor)
}

// Utilization returns the ratio of bytes in use to capacity (0.0 to 1.0).
// Returns 0.0 if the arena has no capacity.
func (a *Arena) Utilization() float64 {
	capacity := a.Capacity()
	if capacity == 0 {
		return 0
	}
	return float64(a.SizeInUse()) / float64(capacity)
}

// Metrics returns a snapshot of arena statistics.
func (a *Arena) Metrics() ArenaMetrics {
	return ArenaMetrics{
		SizeInUse:     a.SizeInUse(),
		Capacity:      a.Capacity(),
		FreeBytes:     a.FreeBytes(),
		LargestGap:    a.LargestGap(),
		NumBlocks:     a.NumBlocks(),
		Utilization:   a.Utilization(),
		TotalAllocs:   a.stats.totalAllocs.Load(),
		FailedAllocs:  a.stats.failedAllocs.Load(),
		TotalReleased: a.stats.totalReleased.Load(),
		Collections:   a.stats.collections.Load(),
		WeakCleared:   a.stats.weakCleared.Load(),
	}
}

// ArenaMetrics contains statistical information about an arena.
type ArenaMetrics struct {
	SizeInUse     int     // Bytes held by live blocks
	Capacity      int     // Region size in bytes
	FreeBytes     int     // Bytes in gaps
	LargestGap    int     // Largest single gap
	NumBlocks     int     // Live blocks
	Utilization   float64 // Ratio of used to total capacity (0.0-1.0)
	TotalAllocs   uint64  // Successful allocations since creation
	FailedAllocs  uint64  // Allocations that returned ErrOutOfMemory
	TotalReleased uint64  // Blocks destroyed by collections
	Collections   uint64  // Completed collections
	WeakCleared   uint64  // Weak slots nulled by collections
}
