package allocator

import (
	"fmt"
	"io"
	"os"
)

// Check walks the entire heap and every segregated list and verifies the
// allocator's structural invariants: well-formed boundary tags, agreeing
// footers, the PALLOC chain, immediate coalescing, bin membership of every
// free block except the wilderness, doubly-linked list symmetry, and the
// free-block accounting identity. With verbose set, a block-by-block listing
// is written to stdout before verification.
//
// A nil error means the heap is consistent. Debug mode (WithDebug) calls this
// around every public operation and panics on the first violation.
func (h *Heap) Check(verbose bool) error {
	if verbose {
		h.dump(os.Stdout)
	}

	// Sentinels.
	if w := h.u16(prologueHdr); w != flagAlloc {
		return fmt.Errorf("bad prologue header %#04x", w)
	}
	if w := h.u16(prologueHdr + hdrSize); w != flagAlloc {
		return fmt.Errorf("bad prologue footer %#04x", w)
	}

	heapLen := Ptr(len(h.mem))

	// The cached region must agree with the provider's view of the heap.
	if h.prov != nil {
		if lo, hi := h.prov.Lo(), h.prov.Hi(); lo != 0 || hi != heapLen-1 {
			return fmt.Errorf("provider bounds [%#x, %#x] disagree with region length %d", lo, hi, heapLen)
		}
	}

	// Full heap walk.
	onHeap := make(map[Ptr]bool) // free, non-wilderness blocks seen on the walk
	freeBlocks := 0
	prevAlloc := true
	prevFreeBlock := false
	sawWild := false

	bp := Ptr(firstBlock)
	for {
		// The epilogue's payload base coincides with the heap end; anything
		// beyond is a walk gone off the rails.
		if bp < firstBlock || bp > heapLen {
			return fmt.Errorf("block %#x outside heap [%#x, %#x]", bp, firstBlock, heapLen)
		}
		if h.u16(bp-hdrSize)&flagLarge != 0 && bp+extSize > heapLen {
			return fmt.Errorf("block %#x: extension word truncated at heap end", bp)
		}
		size := h.size(bp)
		if size == 0 {
			break // epilogue
		}
		if bp%alignment != 0 {
			return fmt.Errorf("block %#x: payload not %d-aligned", bp, alignment)
		}
		if size%alignment != 0 || size < minSize {
			return fmt.Errorf("block %#x: bad size %d", bp, size)
		}
		if bp-hdrSize+Ptr(size) > heapLen {
			return fmt.Errorf("block %#x: size %d overruns heap end %#x", bp, size, heapLen)
		}

		alloc := h.isAlloc(bp)
		if h.isPalloc(bp) != prevAlloc {
			return fmt.Errorf("block %#x: PALLOC=%v but predecessor alloc=%v", bp, h.isPalloc(bp), prevAlloc)
		}

		// Footer agreement is required for free blocks and large blocks.
		if !alloc || h.isLarge(bp) {
			if err := h.checkFooter(bp, size); err != nil {
				return err
			}
		}

		if !alloc {
			if prevFreeBlock {
				return fmt.Errorf("block %#x: adjacent free blocks", bp)
			}
			freeBlocks++
			if bp == h.wild {
				sawWild = true
			} else {
				onHeap[bp] = false // not yet seen in a bin
			}
		}

		prevAlloc = alloc
		prevFreeBlock = !alloc
		bp = h.next(bp)
	}

	// Epilogue.
	if w := h.u16(bp - hdrSize); w&flagAlloc == 0 {
		return fmt.Errorf("epilogue at %#x not allocated (%#04x)", bp, w)
	}
	if h.isPalloc(bp) != prevAlloc {
		return fmt.Errorf("epilogue PALLOC=%v but last block alloc=%v", h.isPalloc(bp), prevAlloc)
	}
	if bp != heapLen {
		return fmt.Errorf("epilogue at %#x, heap ends at %#x", bp, heapLen)
	}

	// The wilderness must exist, be free, and top the heap.
	if h.wild == Nil || !sawWild {
		return fmt.Errorf("wilderness %#x not found on heap walk", h.wild)
	}
	if h.size(h.next(h.wild)) != 0 {
		return fmt.Errorf("wilderness %#x is not the top-of-heap block", h.wild)
	}

	// Segregated list walk.
	binMembers := 0
	for i := 0; i < binCount; i++ {
		prevNode := Nil
		for n := h.binHead(i); n != Nil; n = h.prevFree(n) {
			if n < firstBlock || n >= heapLen {
				return fmt.Errorf("bin %d: member %#x outside heap", i, n)
			}
			if n%alignment != 0 {
				return fmt.Errorf("bin %d: member %#x not %d-aligned", i, n, alignment)
			}
			if h.isAlloc(n) {
				return fmt.Errorf("bin %d: member %#x is allocated", i, n)
			}
			if n == h.wild {
				return fmt.Errorf("bin %d: wilderness %#x is list member", i, n)
			}
			if want := binIndex(h.size(n)); want != i {
				return fmt.Errorf("bin %d: member %#x of size %d belongs in bin %d", i, n, h.size(n), want)
			}
			seen, onWalk := onHeap[n]
			if !onWalk {
				return fmt.Errorf("bin %d: member %#x is not a free block on the heap", i, n)
			}
			if seen {
				return fmt.Errorf("bin %d: member %#x linked more than once", i, n)
			}
			onHeap[n] = true
			if h.nextFree(n) != prevNode {
				return fmt.Errorf("bin %d: member %#x nextFree=%#x, want %#x", i, n, h.nextFree(n), prevNode)
			}
			prevNode = n
			binMembers++
		}
	}

	// Accounting identity: every free block is either binned or the
	// wilderness.
	if freeBlocks != binMembers+1 {
		return fmt.Errorf("free block count %d != bin members %d + wilderness", freeBlocks, binMembers)
	}
	for n, seen := range onHeap {
		if !seen {
			return fmt.Errorf("free block %#x is in no bin", n)
		}
	}
	return nil
}

// checkFooter verifies that the footer mirrors the header for size, LARGE and
// PALLOC.
func (h *Heap) checkFooter(bp Ptr, size uint32) error {
	end := bp - hdrSize + Ptr(size)
	hw := h.u16(bp - hdrSize)
	fw := h.u16(end - hdrSize)
	if hw&(flagLarge|flagPalloc) != fw&(flagLarge|flagPalloc) {
		return fmt.Errorf("block %#x: footer flags %#04x disagree with header %#04x", bp, fw, hw)
	}
	if hw&flagLarge != 0 {
		if fsize := h.u32(end-hdrSize-extSize) &^ flagMask; fsize != size {
			return fmt.Errorf("block %#x: footer extension size %d, header says %d", bp, fsize, size)
		}
		return nil
	}
	if uint32(fw)&sizeMask16 != size {
		return fmt.Errorf("block %#x: footer size %d, header says %d", bp, uint32(fw)&sizeMask16, size)
	}
	return nil
}

// dump writes a block-by-block heap listing.
func (h *Heap) dump(w io.Writer) {
	fmt.Fprintf(w, "heap: %d bytes, wilderness at %#x\n", len(h.mem), h.wild)
	for bp := Ptr(firstBlock); ; bp = h.next(bp) {
		size := h.size(bp)
		if size == 0 {
			fmt.Fprintf(w, "  %#08x epilogue\n", bp)
			return
		}
		state := "free "
		if h.isAlloc(bp) {
			state = "alloc"
		}
		extra := ""
		if h.isLarge(bp) {
			extra = " large"
		}
		if bp == h.wild {
			extra += " wilderness"
		}
		fmt.Fprintf(w, "  %#08x %s size=%-8d palloc=%v%s\n", bp, state, size, h.isPalloc(bp), extra)
		if bp+Ptr(size) > Ptr(len(h.mem)) {
			fmt.Fprintf(w, "  ... walk aborted: size overruns heap\n")
			return
		}
	}
}
