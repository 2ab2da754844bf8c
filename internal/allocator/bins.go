package allocator

// The 16 segregated free lists. Bin heads live on the heap itself, as 4-byte
// offsets at the very front of the region, so the whole allocator state apart
// from the wilderness pointer round-trips through the byte buffer.
//
// List orientation is deliberately head-recent: the head of a bin is the most
// recently inserted block, prevFree walks toward older entries and nextFree
// toward newer ones. The fit search depends on this (it scans head-first via
// prevFree), so the orientation is part of the on-heap format.

// binIndex maps a block size to its segregated list. Bins 0..4 hold exactly
// one size each (16..48 in steps of 8), which lets the search treat any head
// hit there as an exact fit. The upper bins cover hyper-exponential ranges.
func binIndex(size uint32) int {
	switch {
	case size <= 48:
		return int(size-minSize) / 8
	case size <= 72:
		return 5
	case size <= 136:
		return 6
	case size <= 264:
		return 7
	case size <= 520:
		return 8
	case size <= 1032:
		return 9
	case size <= 2056:
		return 10
	case size <= 4104:
		return 11
	case size <= 16392:
		return 12
	case size <= 32774:
		return 13
	case size <= 262152:
		return 14
	default:
		return 15
	}
}

// binHead reads the head offset of bin i from the on-heap table.
func (h *Heap) binHead(i int) Ptr {
	return Ptr(h.u32(Ptr(i * 4)))
}

func (h *Heap) setBinHead(i int, bp Ptr) {
	h.putU32(Ptr(i*4), uint32(bp))
}

// Free-list link words live in the free block's payload area: at bp+0/bp+4
// for small blocks, shifted past the extension word to bp+4/bp+8 for large
// ones. 0 terminates a chain.

func (h *Heap) linkBase(bp Ptr) Ptr {
	if h.isLarge(bp) {
		return bp + extSize
	}
	return bp
}

func (h *Heap) prevFree(bp Ptr) Ptr {
	return Ptr(h.u32(h.linkBase(bp)))
}

func (h *Heap) setPrevFree(bp, v Ptr) {
	h.putU32(h.linkBase(bp), uint32(v))
}

func (h *Heap) nextFree(bp Ptr) Ptr {
	return Ptr(h.u32(h.linkBase(bp) + 4))
}

func (h *Heap) setNextFree(bp, v Ptr) {
	h.putU32(h.linkBase(bp)+4, uint32(v))
}

// insertFree pushes a free block onto the head of its bin. The previous head
// becomes the new node's prevFree neighbor.
func (h *Heap) insertFree(bp Ptr) {
	i := binIndex(h.size(bp))
	head := h.binHead(i)
	h.setPrevFree(bp, head)
	h.setNextFree(bp, Nil)
	if head != Nil {
		h.setNextFree(head, bp)
	}
	h.setBinHead(i, bp)
}

// removeFree unlinks a free block from its bin. The block must be free and
// must not be the wilderness, which belongs to no list.
func (h *Heap) removeFree(bp Ptr) {
	i := binIndex(h.size(bp))
	older := h.prevFree(bp)
	newer := h.nextFree(bp)
	if newer != Nil {
		h.setPrevFree(newer, older)
	} else {
		// bp was the bin head.
		h.setBinHead(i, older)
	}
	if older != Nil {
		h.setNextFree(older, newer)
	}
}
