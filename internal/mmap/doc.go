// Package mmap provides anonymous read-write mappings used as off-heap
// backing memory for an arena region.
//
// On Unix the region comes from mmap(2) and lives outside the Go heap, so the
// Go garbage collector neither scans nor moves it. On other platforms MapAnon
// falls back to a heap-allocated slice with the same API.
package mmap
