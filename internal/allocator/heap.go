// Package allocator implements an explicit dynamic memory allocator over a
// single contiguous, monotonically growing byte region obtained from a heap
// Provider.
//
// Blocks carry packed 16-bit boundary tags (size, ALLOC, PALLOC, LARGE) with
// an extended 32-bit size word for blocks of 64 KiB and above. Free blocks
// are threaded through sixteen segregated lists with best-fit selection
// within a bin; the top-of-heap block (the wilderness) is kept out of every
// list and treated specially to curb fragmentation.
//
// A Heap is single-owner: no operation is safe for concurrent use. Only the
// statistics counters may be read from other goroutines, via Stats.
package allocator

import (
	"fmt"
	"sync/atomic"
)

// Heap is one allocator instance: the byte region, the wilderness pointer and
// the configuration. The sixteen bin heads live inside the region itself.
type Heap struct {
	prov Provider
	mem  []byte
	wild Ptr // payload base of the wilderness block
	cfg  *Config

	totalAllocated atomic.Uint64
	totalFreed     atomic.Uint64
	allocCount     atomic.Uint64
	freeCount      atomic.Uint64
	bytesInUse     atomic.Uint64
	peakInUse      atomic.Uint64
	heapSize       atomic.Uint64
	growCount      atomic.Uint64
}

// Config carries allocator construction options.
type Config struct {
	// Provider supplies the heap region. Nil selects a SliceProvider.
	Provider Provider

	// HeapCap bounds the default SliceProvider in bytes. Ignored when a
	// Provider is set. Non-positive means unbounded.
	HeapCap int

	// Debug runs the full consistency checker on entry and exit of every
	// public operation and panics on the first violation.
	Debug bool
}

// Option mutates a Config.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{}
}

// WithProvider selects the heap provider.
func WithProvider(p Provider) Option {
	return func(c *Config) { c.Provider = p }
}

// WithHeapCap bounds the default slice-backed provider.
func WithHeapCap(capBytes int) Option {
	return func(c *Config) { c.HeapCap = capBytes }
}

// WithDebug enables checker-on-every-call mode.
func WithDebug(enabled bool) Option {
	return func(c *Config) { c.Debug = enabled }
}

// New creates and initializes a heap: bin table, prologue and epilogue
// sentinels, and the initial wilderness block.
func New(opts ...Option) (*Heap, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	prov := cfg.Provider
	if prov == nil {
		prov = NewSliceProvider(cfg.HeapCap)
	}

	h := &Heap{prov: prov, cfg: cfg}
	if err := h.bootstrap(); err != nil {
		return nil, fmt.Errorf("failed to initialize heap: %w", err)
	}
	return h, nil
}

// bootstrap lays down the heap front matter and the first wilderness block.
func (h *Heap) bootstrap() error {
	// Bin table + alignment padding + prologue header/footer + epilogue.
	if _, err := h.prov.Grow(firstBlock); err != nil {
		return err
	}
	h.mem = h.prov.Bytes()

	// The provider zeroes new bytes, so the bin table starts empty.
	h.putU16(prologueHdr, flagAlloc)
	h.putU16(prologueHdr+hdrSize, flagAlloc)
	// Epilogue: size 0, allocated, predecessor (the prologue) allocated.
	h.putU16(firstBlock-hdrSize, flagAlloc|flagPalloc)

	wild, err := h.growHeap(chunkSize)
	if err != nil {
		return err
	}
	h.wild = wild
	return nil
}

// adjustSize converts a request into the internal block size: room for the
// packed header, rounded to the 8-byte granule, floored at minSize, and
// padded for the extended encoding when the result leaves 16-bit range. The
// result can never be 65528: that value would alias the header sentinel, so
// the large branch triggers strictly below it and the assertion backs it up.
func adjustSize(size int) uint32 {
	asize := (uint32(size+1) &^ 7) + 8
	if size <= 6 {
		asize += 8
	}
	if asize > maxSmallSize {
		asize += 16
		if asize < 65552 {
			asize = 65552
		}
	}
	if asize == largeSentinel {
		panic("allocator: adjusted size aliases the extension sentinel")
	}
	return asize
}

// maxRequest bounds a single request so the adjusted size always fits the
// 32-bit offset space.
const maxRequest = 1 << 30

// Alloc returns an 8-aligned pointer to at least size usable bytes, or Nil
// when size is zero or the provider is exhausted.
func (h *Heap) Alloc(size int) Ptr {
	if size <= 0 || size > maxRequest {
		return Nil
	}
	h.debugCheck("Alloc enter")
	defer h.debugCheck("Alloc exit")

	asize := adjustSize(size)
	bp, fromWild := h.findFit(asize)
	if bp == Nil {
		extend := asize
		if wsize := h.size(h.wild); asize > wsize-minSize {
			extend = asize - (wsize - minSize)
		}
		wild, err := h.growHeap(extend)
		if err != nil {
			return Nil
		}
		h.wild = wild
		bp, fromWild = h.wild, true
	}
	p := h.place(bp, asize, fromWild)

	// A whole-host placement may consume slightly more than asize.
	consumed := h.size(bp)
	h.allocCount.Add(1)
	h.totalAllocated.Add(uint64(consumed))
	if inUse := h.bytesInUse.Add(uint64(consumed)); inUse > h.peakInUse.Load() {
		h.peakInUse.Store(inUse)
	}
	return p
}

// Free releases a pointer previously returned by Alloc, Realloc or Calloc.
// Nil is a no-op. The block is coalesced with free neighbors and either
// becomes (part of) the wilderness or goes back to its bin.
func (h *Heap) Free(p Ptr) {
	if p == Nil {
		return
	}
	h.debugCheck("Free enter")
	defer h.debugCheck("Free exit")

	bp := h.blockOf(p)
	size := h.size(bp)

	h.clearAlloc(bp)
	h.setPalloc(h.next(bp), false)

	merged, absorbed := h.coalesce(bp)
	h.setPalloc(h.next(merged), false)
	if absorbed {
		h.wild = merged
	} else {
		h.insertFree(merged)
	}

	h.freeCount.Add(1)
	h.totalFreed.Add(uint64(size))
	h.bytesInUse.Add(^(uint64(size) - 1))
}

// Realloc resizes an allocation. The baseline semantics always move: a new
// block is allocated, min(size, old usable) bytes are copied, and the old
// block is released. Realloc(Nil, n) allocates; Realloc(p, 0) frees.
func (h *Heap) Realloc(p Ptr, size int) Ptr {
	if size <= 0 {
		h.Free(p)
		return Nil
	}
	if p == Nil {
		return h.Alloc(size)
	}

	np := h.Alloc(size)
	if np == Nil {
		return Nil
	}
	n := h.usableSize(h.blockOf(p))
	if size < n {
		n = size
	}
	copy(h.mem[np:np+Ptr(n)], h.mem[p:p+Ptr(n)])
	h.Free(p)
	return np
}

// Calloc allocates count*size bytes and zeroes them.
func (h *Heap) Calloc(count, size int) Ptr {
	if count <= 0 || size <= 0 {
		return Nil
	}
	total := count * size
	if total/size != count {
		return Nil // overflow
	}
	p := h.Alloc(total)
	if p == Nil {
		return Nil
	}
	region := h.mem[p : p+Ptr(total)]
	for i := range region {
		region[i] = 0
	}
	return p
}

// Bytes returns the usable payload of an allocated pointer as a byte slice
// view into the heap. The view is invalidated by any subsequent heap growth.
func (h *Heap) Bytes(p Ptr) []byte {
	if p == Nil {
		return nil
	}
	n := h.usableSize(h.blockOf(p))
	return h.mem[p : p+Ptr(n)]
}

// UsableSize reports the payload capacity behind an allocated pointer.
func (h *Heap) UsableSize(p Ptr) int {
	if p == Nil {
		return 0
	}
	return h.usableSize(h.blockOf(p))
}

// debugCheck runs the consistency checker when Debug mode is on.
func (h *Heap) debugCheck(where string) {
	if h.cfg == nil || !h.cfg.Debug {
		return
	}
	if err := h.Check(false); err != nil {
		panic(fmt.Sprintf("heap corrupt at %s: %v", where, err))
	}
}

// AllocatorStats is a snapshot of the allocator's counters and heap shape.
type AllocatorStats struct {
	TotalAllocated  uint64
	TotalFreed      uint64
	AllocationCount uint64
	FreeCount       uint64
	BytesInUse      uint64
	PeakInUse       uint64
	HeapSize        uint64
	GrowCount       uint64
	WildernessSize  uint64
	FreeBlocks      uint64
	BinCounts       [binCount]uint64
	Utilization     float64
}

// Stats returns a snapshot of the allocator counters. The counter fields are
// safe to read concurrently with heap operations; the heap-shape fields
// (bins, wilderness) reflect the last completed operation only if the caller
// owns the heap.
func (h *Heap) Stats() AllocatorStats {
	st := AllocatorStats{
		TotalAllocated:  h.totalAllocated.Load(),
		TotalFreed:      h.totalFreed.Load(),
		AllocationCount: h.allocCount.Load(),
		FreeCount:       h.freeCount.Load(),
		BytesInUse:      h.bytesInUse.Load(),
		PeakInUse:       h.peakInUse.Load(),
		HeapSize:        h.heapSize.Load(),
		GrowCount:       h.growCount.Load(),
	}
	if st.HeapSize > 0 {
		st.Utilization = float64(st.BytesInUse) / float64(st.HeapSize)
	}
	if h.wild != Nil {
		st.WildernessSize = uint64(h.size(h.wild))
		st.FreeBlocks = 1
	}
	for i := 0; i < binCount; i++ {
		for bp := h.binHead(i); bp != Nil; bp = h.prevFree(bp) {
			st.BinCounts[i]++
			st.FreeBlocks++
		}
	}
	return st
}
