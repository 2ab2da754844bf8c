package allocator

import (
	"encoding/binary"
)

// Ptr is a heap address: a byte offset from the heap base. The zero value is
// the nil pointer; no payload ever starts at offset 0 because the segregated
// list table occupies the front of the heap.
type Ptr uint32

// Nil is the null heap pointer.
const Nil Ptr = 0

// Block encoding constants.
const (
	flagAlloc  = 1 << 0 // this block is allocated
	flagPalloc = 1 << 1 // the preceding block is allocated
	flagLarge  = 1 << 2 // extended 32-bit size word present

	hdrSize   = 2  // packed header/footer word
	extSize   = 4  // 32-bit size extension for large blocks
	minSize   = 16 // smallest legal block
	alignment = 8

	// largeSentinel is the reserved value of the 13-bit size field meaning
	// "read the true size from the extension word". No block may carry this
	// size at 16-bit width; the adjusted-size computation keeps the small
	// path strictly below it.
	largeSentinel = 0xFFF8
	maxSmallSize  = 0xFFF0 // largest size representable in a 16-bit word

	sizeMask16 = 0xFFF8 // size bits of the packed word
	flagMask   = 0x0007

	binCount     = 16
	binTableSize = binCount * 4

	// Heap front matter: bin table, 2 bytes of alignment padding, prologue
	// header+footer. The first real block header sits right after, so its
	// payload lands on an 8-byte boundary.
	prologueHdr = binTableSize + 2
	firstBlock  = binTableSize + 8 // payload offset of the first block

	chunkSize = 192 // minimum heap extension
)

// u16 reads the little-endian 16-bit word at off.
func (h *Heap) u16(off Ptr) uint16 {
	return binary.LittleEndian.Uint16(h.mem[off:])
}

func (h *Heap) putU16(off Ptr, v uint16) {
	binary.LittleEndian.PutUint16(h.mem[off:], v)
}

// u32 reads the little-endian 32-bit word at off.
func (h *Heap) u32(off Ptr) uint32 {
	return binary.LittleEndian.Uint32(h.mem[off:])
}

func (h *Heap) putU32(off Ptr, v uint32) {
	binary.LittleEndian.PutUint32(h.mem[off:], v)
}

// Blocks are referred to by their payload base bp: the 8-aligned offset two
// bytes past the packed header word. The block spans [bp-2, bp-2+size).

// size decodes the byte size of the block at bp. The LARGE flag is consulted
// before the 16-bit size field so the sentinel value is never misread.
func (h *Heap) size(bp Ptr) uint32 {
	w := h.u16(bp - hdrSize)
	if w&flagLarge != 0 {
		return h.u32(bp) &^ flagMask
	}
	return uint32(w) & sizeMask16
}

func (h *Heap) isAlloc(bp Ptr) bool  { return h.u16(bp-hdrSize)&flagAlloc != 0 }
func (h *Heap) isPalloc(bp Ptr) bool { return h.u16(bp-hdrSize)&flagPalloc != 0 }
func (h *Heap) isLarge(bp Ptr) bool  { return h.u16(bp-hdrSize)&flagLarge != 0 }

// next returns the payload base of the following block.
func (h *Heap) next(bp Ptr) Ptr {
	return bp + Ptr(h.size(bp))
}

// prev returns the payload base of the preceding block. The neighbor's footer
// word sits immediately before our header; if its LARGE flag is set the true
// size lives one extension word earlier.
func (h *Heap) prev(bp Ptr) Ptr {
	w := h.u16(bp - 2*hdrSize)
	psize := uint32(w) & sizeMask16
	if w&flagLarge != 0 {
		psize = h.u32(bp-2*hdrSize-extSize) &^ flagMask
	}
	return bp - Ptr(psize)
}

// packWord builds the 16-bit header/footer word for a block of the given size.
func packWord(size uint32, flags uint16) uint16 {
	if size > maxSmallSize {
		return largeSentinel | flagLarge | flags
	}
	return uint16(size) | flags
}

// writeHeader encodes size and flags at the block's header. Large blocks get
// the 32-bit extension word at bp as well.
func (h *Heap) writeHeader(bp Ptr, size uint32, flags uint16) {
	if size > maxSmallSize {
		flags |= flagLarge
		h.putU32(bp, size)
	}
	h.putU16(bp-hdrSize, packWord(size, flags))
}

// writeFooter mirrors the header at the block's tail. For large blocks the
// extension word precedes the packed word.
func (h *Heap) writeFooter(bp Ptr, size uint32, flags uint16) {
	end := bp - hdrSize + Ptr(size)
	if size > maxSmallSize {
		flags |= flagLarge
		h.putU32(end-hdrSize-extSize, size)
	}
	h.putU16(end-hdrSize, packWord(size, flags))
}

// writeFree lays down a complete free block: header, footer, and for large
// blocks the extension words.
func (h *Heap) writeFree(bp Ptr, size uint32, palloc bool) {
	flags := uint16(0)
	if palloc {
		flags |= flagPalloc
	}
	h.writeHeader(bp, size, flags)
	h.writeFooter(bp, size, flags)
}

// writeAlloc marks the block at bp allocated. Small blocks carry no footer;
// large blocks keep the footer and additionally mirror the packed word at
// bp+6 so Free can classify the encoding from the exposed user pointer.
func (h *Heap) writeAlloc(bp Ptr, size uint32, palloc bool) {
	flags := uint16(flagAlloc)
	if palloc {
		flags |= flagPalloc
	}
	h.writeHeader(bp, size, flags)
	if size > maxSmallSize {
		h.putU16(bp+largeSkip-hdrSize, packWord(size, flags|flagLarge))
		h.writeFooter(bp, size, flags)
	}
}

// largeSkip is the gap between a large block's payload base and the pointer
// handed to the caller: room for the extension word plus the mirrored header
// word, padded to keep the user pointer 8-aligned.
const largeSkip = 8

// userPtr converts a payload base to the externally exposed pointer.
func (h *Heap) userPtr(bp Ptr) Ptr {
	if h.isLarge(bp) {
		return bp + largeSkip
	}
	return bp
}

// blockOf converts an externally exposed pointer back to the payload base.
// The word at p-2 is the real header for small blocks and the mirrored
// sentinel word for large ones; bit 2 tells them apart.
func (h *Heap) blockOf(p Ptr) Ptr {
	if h.u16(p-hdrSize)&flagLarge != 0 {
		return p - largeSkip
	}
	return p
}

// setPalloc updates the predecessor-allocated flag on the block at bp,
// mirroring into the footer when the block has one (free or large). The
// epilogue (size 0) has no footer.
func (h *Heap) setPalloc(bp Ptr, on bool) {
	w := h.u16(bp - hdrSize)
	if on {
		w |= flagPalloc
	} else {
		w &^= flagPalloc
	}
	h.putU16(bp-hdrSize, w)
	size := h.size(bp)
	if (w&flagAlloc == 0 || w&flagLarge != 0) && size != 0 {
		end := bp - hdrSize + Ptr(size)
		fw := h.u16(end - hdrSize)
		if on {
			fw |= flagPalloc
		} else {
			fw &^= flagPalloc
		}
		h.putU16(end-hdrSize, fw)
	}
}

// clearAlloc drops the allocated bit on the header word, preserving the rest
// of the encoding.
func (h *Heap) clearAlloc(bp Ptr) {
	h.putU16(bp-hdrSize, h.u16(bp-hdrSize)&^flagAlloc)
}

// usableSize is the payload capacity of an allocated block: everything except
// the packed word for small blocks, and additionally the extension words and
// the user-pointer skip for large ones.
func (h *Heap) usableSize(bp Ptr) int {
	size := h.size(bp)
	if h.isLarge(bp) {
		return int(size) - 18
	}
	return int(size) - hdrSize
}
