package allocator

// findFit locates a host block for asize bytes. Bins are scanned from the
// request's own size class upward; within a bin the block with the smallest
// nonnegative slack wins, ties going to the entry nearest the head. Bins 0..4
// hold a single size each, so a head hit there is an exact fit and is taken
// immediately. When no bin serves, the wilderness is offered as host if
// splitting it would leave at least a minimum block behind; the wilderness is
// on no list, so only bin hits are unlinked here.
func (h *Heap) findFit(asize uint32) (bp Ptr, fromWild bool) {
	for i := binIndex(asize); i < binCount; i++ {
		head := h.binHead(i)
		if head == Nil {
			continue
		}
		if i <= 4 {
			if h.size(head) >= asize {
				h.removeFree(head)
				return head, false
			}
			continue
		}
		best := Nil
		var bestSlack uint32
		for n := head; n != Nil; n = h.prevFree(n) {
			size := h.size(n)
			if size < asize {
				continue
			}
			slack := size - asize
			if best == Nil || slack < bestSlack {
				best, bestSlack = n, slack
				if slack == 0 {
					break
				}
			}
		}
		if best != Nil {
			h.removeFree(best)
			return best, false
		}
	}
	if h.size(h.wild) >= asize+minSize {
		return h.wild, true
	}
	return Nil, false
}

// place writes an allocated block of asize bytes into the host and returns
// the user pointer. Slack of at least minSize is split off as a new free
// block: it replaces the wilderness when the host was the wilderness, and is
// binned otherwise. Smaller slack is absorbed into the allocation. The host
// always follows an allocated block (coalescing guarantees it), so PALLOC is
// set on the placed header.
func (h *Heap) place(bp Ptr, asize uint32, fromWild bool) Ptr {
	csize := h.size(bp)
	if csize-asize >= minSize {
		h.writeAlloc(bp, asize, true)
		tail := bp + Ptr(asize)
		h.writeFree(tail, csize-asize, true)
		h.setPalloc(h.next(tail), false)
		if fromWild {
			h.wild = tail
		} else {
			h.insertFree(tail)
		}
	} else {
		// The wilderness never lands here: findFit only offers it with
		// splittable slack.
		h.writeAlloc(bp, csize, true)
		h.setPalloc(h.next(bp), true)
	}
	return h.userPtr(bp)
}

// coalesce merges the free block at bp with whichever neighbors are free,
// rewriting the merged boundary tags. Neighbors are unlinked from their bins
// first, except the wilderness, which is on no list; absorbed reports whether
// the merge touched the wilderness, in which case the caller must make the
// merged block the new wilderness instead of binning it. The merged block
// inherits the PALLOC of its first constituent.
func (h *Heap) coalesce(bp Ptr) (merged Ptr, absorbed bool) {
	size := h.size(bp)
	palloc := h.isPalloc(bp)
	nb := h.next(bp)
	nextFree := !h.isAlloc(nb)

	switch {
	case palloc && !nextFree:
		h.writeFree(bp, size, true)

	case palloc && nextFree:
		if nb == h.wild {
			absorbed = true
		} else {
			h.removeFree(nb)
		}
		size += h.size(nb)
		h.writeFree(bp, size, true)

	case !palloc && !nextFree:
		pb := h.prev(bp)
		if pb == h.wild {
			absorbed = true
		} else {
			h.removeFree(pb)
		}
		size += h.size(pb)
		bp = pb
		h.writeFree(bp, size, h.isPalloc(bp))

	default: // both neighbors free
		pb := h.prev(bp)
		if pb == h.wild {
			absorbed = true
		} else {
			h.removeFree(pb)
		}
		if nb == h.wild {
			absorbed = true
		} else {
			h.removeFree(nb)
		}
		size += h.size(pb) + h.size(nb)
		bp = pb
		h.writeFree(bp, size, h.isPalloc(bp))
	}
	return bp, absorbed
}

// growHeap extends the region by at least required bytes (never less than
// chunkSize, rounded to an even number of 4-byte words). The new bytes are
// stitched in as one free block replacing the old epilogue, a fresh epilogue
// is written at the tail, and the block is coalesced backward into the old
// wilderness when that was free. The returned block becomes the caller's new
// wilderness.
func (h *Heap) growHeap(required uint32) (Ptr, error) {
	r := required
	if r < chunkSize {
		r = chunkSize
	}
	r = (r + 7) &^ 7

	start, err := h.prov.Grow(int(r))
	if err != nil {
		return Nil, err
	}
	h.mem = h.prov.Bytes()
	h.growCount.Add(1)
	h.heapSize.Store(uint64(len(h.mem)))

	// The old epilogue header becomes the new block's header; its PALLOC
	// still records whether the block before it is allocated.
	bp := start
	palloc := h.isPalloc(bp)
	h.writeFree(bp, r, palloc)

	// Fresh epilogue: size 0, allocated, preceded by a free block.
	h.putU16(bp+Ptr(r)-hdrSize, flagAlloc)

	merged, _ := h.coalesce(bp)
	return merged, nil
}
