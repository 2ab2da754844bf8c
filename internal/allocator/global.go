package allocator

import "fmt"

// GlobalHeap is the process-wide default heap. Most embedders construct their
// own Heap; the global surface exists for code ported from the classic
// malloc-shaped interface.
var GlobalHeap *Heap

// Initialize builds the global heap. Required before any of the package-level
// allocation functions.
func Initialize(opts ...Option) error {
	h, err := New(opts...)
	if err != nil {
		return fmt.Errorf("failed to initialize global heap: %w", err)
	}
	GlobalHeap = h
	return nil
}

// Alloc allocates from the global heap.
func Alloc(size int) Ptr {
	if GlobalHeap == nil {
		panic("allocator: global heap not initialized")
	}
	return GlobalHeap.Alloc(size)
}

// Free releases a pointer on the global heap.
func Free(p Ptr) {
	if GlobalHeap == nil {
		panic("allocator: global heap not initialized")
	}
	GlobalHeap.Free(p)
}

// Realloc resizes an allocation on the global heap.
func Realloc(p Ptr, size int) Ptr {
	if GlobalHeap == nil {
		panic("allocator: global heap not initialized")
	}
	return GlobalHeap.Realloc(p, size)
}

// Calloc allocates zeroed memory on the global heap.
func Calloc(count, size int) Ptr {
	if GlobalHeap == nil {
		panic("allocator: global heap not initialized")
	}
	return GlobalHeap.Calloc(count, size)
}

// Check verifies the global heap.
func Check(verbose bool) error {
	if GlobalHeap == nil {
		panic("allocator: global heap not initialized")
	}
	return GlobalHeap.Check(verbose)
}

// GetStats returns statistics for the global heap, or the zero value when it
// is not initialized.
func GetStats() AllocatorStats {
	if GlobalHeap == nil {
		return AllocatorStats{}
	}
	return GlobalHeap.Stats()
}
