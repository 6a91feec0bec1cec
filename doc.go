// Package gcarena implements a fixed-capacity arena allocator with a
// mark-sweep tracing collector, for embedding in a language runtime.
//
// # Overview
//
// The arena is one contiguous region created at startup. Every allocation is a
// block: a 16-byte header followed by the payload, rounded up to 8 bytes and
// placed first-fit into the gaps between live blocks. The runtime stores
// references between blocks in 8-byte payload slots and tells the arena which
// blocks are held from outside the heap (stack slots, globals) by adjusting
// their root count. Collect then destroys every block that no root can reach,
// including unreachable cycles, and nulls weak references to destroyed blocks.
//
// # Reference Descriptors
//
// The collector has no type information. Each block carries two small integer
// tags selecting entries in a descriptor.Registry: the strong tag lists the
// payload offsets of references that keep their target alive, the weak tag
// lists the offsets of references that do not. Tag 0 means "no references".
// Blocks allocated with FlagRefArray are scanned as a run of strong slots.
//
//	reg := descriptor.NewRegistry()
//	reg.MustDefine(descriptor.Strong, tagPair, 0, 8)
//	reg.MustDefine(descriptor.Weak, tagCache, 0)
//
// # Basic Usage
//
//	a, err := gcarena.New(gcarena.DefaultConfig(), reg)
//	if err != nil { ... }
//	defer a.Close()
//
//	env, _ := a.Allocate(16, tagPair, descriptor.None, gcarena.FlagRoot)
//	val, _ := a.Allocate(16, tagPair, descriptor.None, 0)
//	_ = a.StoreRef(env, 0, val) // env -> val keeps val alive
//
//	stats := a.Collect()
//
// # References
//
// A Ref is a generation-checked handle, not an address. Once a block is
// destroyed every Ref to it is stale: IsLive reports false, Payload returns nil
// and StoreRef refuses it as a target. Slots of destroyed blocks are recycled
// with a new generation, so a stale Ref never aliases a newer block.
//
// # Thread Safety
//
// The arena is single-threaded. The embedding runtime must serialize every
// call and must not touch payloads while Collect runs. Only the Prometheus
// collector registered by WithRegisterer may read counters concurrently.
//
// # Important Notes
//
//   - The region never grows and is never compacted; Allocate returns
//     ErrOutOfMemory when no gap fits, and collection is never triggered
//     implicitly.
//   - Root counts are bookkeeping only: RemoveRoot never destroys a block.
//   - A strong edge to a block that was destroyed is a runtime bug; Collect
//     skips it and reports it in CycleStats.StaleEdges.
//   - Payloads may live outside the Go heap (BackingMmap) and must not hold
//     Go pointers.
//
// # Metrics and Monitoring
//
//	m := a.Metrics()
//	fmt.Printf("Utilization: %.2f%%\n", m.Utilization*100)
//	fmt.Printf("Largest gap: %d bytes\n", m.LargestGap)
package gcarena
