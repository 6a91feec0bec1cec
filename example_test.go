package gcarena_test

import (
	"fmt"

	"github.com/pavanmanishd/gcarena"
	"github.com/pavanmanishd/gcarena/descriptor"
)

const (
	tagPair  descriptor.Tag = 1
	tagWatch descriptor.Tag = 1
)

// Example demonstrates rooting, a collected cycle and weak reference fix-up.
func Example() {
	reg := descriptor.NewRegistry()
	reg.MustDefine(descriptor.Strong, tagPair, 0, 8) // two strong slots
	reg.MustDefine(descriptor.Weak, tagWatch, 0)     // one weak slot

	a, err := gcarena.New(gcarena.Config{Capacity: 4096}, reg)
	if err != nil {
		panic(err)
	}
	defer a.Close() // Always clean up

	// A rooted environment keeps its child alive.
	env, _ := a.Allocate(16, tagPair, descriptor.None, gcarena.FlagRoot)
	child, _ := a.Allocate(16, tagPair, descriptor.None, 0)
	_ = a.StoreRef(env, 0, child)

	// Two blocks that only reference each other.
	c1, _ := a.Allocate(16, tagPair, descriptor.None, 0)
	c2, _ := a.Allocate(16, tagPair, descriptor.None, 0)
	_ = a.StoreRef(c1, 0, c2)
	_ = a.StoreRef(c2, 0, c1)

	// A weak slot does not keep the cycle alive.
	watcher, _ := a.Allocate(8, descriptor.None, tagWatch, gcarena.FlagRoot)
	_ = a.StoreRef(watcher, 0, c1)

	stats := a.Collect()
	watched, _ := a.LoadRef(watcher, 0)

	fmt.Printf("released: %d\n", stats.Released)
	fmt.Printf("weak cleared: %d\n", stats.WeakCleared)
	fmt.Printf("child live: %v\n", a.IsLive(child))
	fmt.Printf("cycle live: %v\n", a.IsLive(c1) || a.IsLive(c2))
	fmt.Printf("watcher nil: %v\n", watched.IsNil())
	fmt.Printf("bytes in use: %d\n", a.SizeInUse())

	// Output:
	// released: 2
	// weak cleared: 1
	// child live: true
	// cycle live: false
	// watcher nil: true
	// bytes in use: 88
}

// ExampleAlloc demonstrates typed payloads described by struct tags.
func ExampleAlloc() {
	type cons struct {
		Car gcarena.Ref `gc:"strong"`
		Cdr gcarena.Ref `gc:"strong"`
		Val int64
	}

	strong, _, err := descriptor.FieldOffsets(cons{})
	if err != nil {
		panic(err)
	}
	const tagCons descriptor.Tag = 1
	reg := descriptor.NewRegistry()
	reg.MustDefine(descriptor.Strong, tagCons, strong...)

	a, err := gcarena.New(gcarena.DefaultConfig(), reg)
	if err != nil {
		panic(err)
	}
	defer a.Close()

	// Build the list (1 2 3), rooted at its head.
	var list gcarena.Ref
	for i := int64(3); i >= 1; i-- {
		r, c, err := gcarena.Alloc[cons](a, tagCons, descriptor.None, 0)
		if err != nil {
			panic(err)
		}
		c.Val = i
		c.Cdr = list
		list = r
	}
	_ = a.AddRoot(list)

	a.Collect()
	for r := list; !r.IsNil(); r = gcarena.View[cons](a, r).Cdr {
		fmt.Println(gcarena.View[cons](a, r).Val)
	}
	fmt.Printf("strong offsets: %v\n", strong)
	fmt.Printf("blocks: %d\n", a.NumBlocks())

	// Output:
	// 1
	// 2
	// 3
	// strong offsets: [0 8]
	// blocks: 3
}

// ExampleArena_Metrics demonstrates monitoring fragmentation.
func ExampleArena_Metrics() {
	a, err := gcarena.New(gcarena.Config{Capacity: 1024}, nil)
	if err != nil {
		panic(err)
	}
	defer a.Close()

	keep, _ := a.Allocate(8, descriptor.None, descriptor.None, gcarena.FlagRoot)
	_, _ = a.Allocate(100, descriptor.None, descriptor.None, 0)
	_, _ = a.Allocate(8, descriptor.None, descriptor.None, gcarena.FlagRoot)
	a.Collect()
	_ = keep

	m := a.Metrics()
	fmt.Printf("In use: %d bytes in %d blocks\n", m.SizeInUse, m.NumBlocks)
	fmt.Printf("Free: %d bytes, largest gap: %d bytes\n", m.FreeBytes, m.LargestGap)
	fmt.Printf("Utilization: %.2f%%\n", m.Utilization*100)

	// Output:
	// In use: 48 bytes in 2 blocks
	// Free: 976 bytes, largest gap: 856 bytes
	// Utilization: 4.69%
}
