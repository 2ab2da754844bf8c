package trace

import (
	"fmt"

	"github.com/orizon-lang/heap/internal/allocator"
)

// Replayer drives a heap through parsed traces, tracking every live block so
// it can verify payload integrity and compute utilization the way the heap
// itself cannot: against requested sizes rather than block sizes.
type Replayer struct {
	heap   *allocator.Heap
	verify bool
	check  bool

	blocks map[int]liveBlock
}

type liveBlock struct {
	p    allocator.Ptr
	size int
}

// ReplayOption configures a Replayer.
type ReplayOption func(*Replayer)

// WithVerify makes the replayer fill every allocation with an id-derived
// pattern and re-verify it on free and realloc.
func WithVerify(enabled bool) ReplayOption {
	return func(r *Replayer) { r.verify = enabled }
}

// WithCheckEvery runs the heap consistency checker after every operation.
func WithCheckEvery(enabled bool) ReplayOption {
	return func(r *Replayer) { r.check = enabled }
}

// NewReplayer creates a replayer bound to h.
func NewReplayer(h *allocator.Heap, opts ...ReplayOption) *Replayer {
	r := &Replayer{heap: h, blocks: make(map[int]liveBlock)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Result summarizes one replayed trace.
type Result struct {
	Ops         int
	Allocs      int
	Frees       int
	PeakLive    int // peak sum of requested payload bytes
	FinalLive   int
	HeapSize    uint64
	Utilization float64 // PeakLive / HeapSize
}

// Run replays tr against the heap. Blocks left live at the end of the trace
// stay allocated; ids are scoped to the replayer, so traces sharing a
// replayer share a namespace.
func (r *Replayer) Run(tr *Trace) (*Result, error) {
	res := &Result{}
	live := 0
	for _, b := range r.blocks {
		live += b.size
	}

	for i, op := range tr.Ops {
		if err := r.step(op, &live, res); err != nil {
			return nil, fmt.Errorf("%s: op %d (%c %d): %w", tr.Name, i, op.Kind, op.ID, err)
		}
		if live > res.PeakLive {
			res.PeakLive = live
		}
		if r.check {
			if err := r.heap.Check(false); err != nil {
				return nil, fmt.Errorf("%s: op %d (%c %d): heap inconsistent: %w", tr.Name, i, op.Kind, op.ID, err)
			}
		}
		res.Ops++
	}

	res.FinalLive = live
	res.HeapSize = r.heap.Stats().HeapSize
	if res.HeapSize > 0 {
		res.Utilization = float64(res.PeakLive) / float64(res.HeapSize)
	}
	return res, nil
}

func (r *Replayer) step(op Op, live *int, res *Result) error {
	switch op.Kind {
	case OpAlloc:
		if _, dup := r.blocks[op.ID]; dup {
			return fmt.Errorf("id already live")
		}
		p := r.heap.Alloc(op.Size)
		if p == allocator.Nil && op.Size > 0 {
			return fmt.Errorf("allocate %d bytes: out of memory", op.Size)
		}
		r.fill(p, op.ID, op.Size)
		r.blocks[op.ID] = liveBlock{p: p, size: op.Size}
		*live += op.Size
		res.Allocs++

	case OpCalloc:
		if _, dup := r.blocks[op.ID]; dup {
			return fmt.Errorf("id already live")
		}
		total := op.Count * op.Size
		p := r.heap.Calloc(op.Count, op.Size)
		if p == allocator.Nil && total > 0 {
			return fmt.Errorf("calloc %d bytes: out of memory", total)
		}
		if r.verify && p != allocator.Nil {
			for i, b := range r.heap.Bytes(p)[:total] {
				if b != 0 {
					return fmt.Errorf("calloc byte %d not zeroed", i)
				}
			}
		}
		r.fill(p, op.ID, total)
		r.blocks[op.ID] = liveBlock{p: p, size: total}
		*live += total
		res.Allocs++

	case OpFree:
		b, ok := r.blocks[op.ID]
		if !ok {
			return fmt.Errorf("free of unknown id")
		}
		if err := r.verifyBlock(b, op.ID); err != nil {
			return err
		}
		r.heap.Free(b.p)
		delete(r.blocks, op.ID)
		*live -= b.size
		res.Frees++

	case OpRealloc:
		b, ok := r.blocks[op.ID]
		if !ok {
			return fmt.Errorf("realloc of unknown id")
		}
		if err := r.verifyBlock(b, op.ID); err != nil {
			return err
		}
		p := r.heap.Realloc(b.p, op.Size)
		if p == allocator.Nil && op.Size > 0 {
			return fmt.Errorf("reallocate to %d bytes: out of memory", op.Size)
		}
		*live -= b.size
		if op.Size == 0 {
			delete(r.blocks, op.ID)
			res.Frees++
			break
		}
		if r.verify {
			// The preserved prefix must carry the old pattern.
			keep := b.size
			if op.Size < keep {
				keep = op.Size
			}
			if keep > r.heap.UsableSize(p) {
				keep = r.heap.UsableSize(p)
			}
			buf := r.heap.Bytes(p)
			for i := 0; i < keep; i++ {
				if buf[i] != pattern(op.ID, i) {
					return fmt.Errorf("byte %d lost in realloc", i)
				}
			}
		}
		r.fill(p, op.ID, op.Size)
		r.blocks[op.ID] = liveBlock{p: p, size: op.Size}
		*live += op.Size

	default:
		return fmt.Errorf("unknown operation %c", op.Kind)
	}
	return nil
}

// pattern derives the fill byte for offset i of block id.
func pattern(id, i int) byte {
	return byte(id*31 + i)
}

func (r *Replayer) fill(p allocator.Ptr, id, size int) {
	if !r.verify || p == allocator.Nil || size == 0 {
		return
	}
	buf := r.heap.Bytes(p)[:size]
	for i := range buf {
		buf[i] = pattern(id, i)
	}
}

func (r *Replayer) verifyBlock(b liveBlock, id int) error {
	if !r.verify || b.p == allocator.Nil || b.size == 0 {
		return nil
	}
	buf := r.heap.Bytes(b.p)[:b.size]
	for i, got := range buf {
		if got != pattern(id, i) {
			return fmt.Errorf("payload corrupt at byte %d: got %#x, want %#x", i, got, pattern(id, i))
		}
	}
	return nil
}

// LiveBlocks reports how many trace ids are currently allocated.
func (r *Replayer) LiveBlocks() int {
	return len(r.blocks)
}
