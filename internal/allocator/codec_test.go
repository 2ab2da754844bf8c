package allocator

import (
	"testing"
)

// scratch builds a bare heap over a fixed buffer for codec-level tests.
func scratch(n int) *Heap {
	return &Heap{mem: make([]byte, n)}
}

func TestBlockEncoding(t *testing.T) {
	t.Run("SmallRoundTrip", func(t *testing.T) {
		h := scratch(4096)
		bp := Ptr(72)
		h.writeFree(bp, 128, true)

		if got := h.size(bp); got != 128 {
			t.Fatalf("size = %d, want 128", got)
		}
		if h.isAlloc(bp) {
			t.Error("free block reads as allocated")
		}
		if !h.isPalloc(bp) {
			t.Error("PALLOC lost")
		}
		if h.isLarge(bp) {
			t.Error("small block reads as large")
		}
		if err := h.checkFooter(bp, 128); err != nil {
			t.Errorf("footer mismatch: %v", err)
		}
	})

	t.Run("LargeRoundTrip", func(t *testing.T) {
		h := scratch(200000)
		bp := Ptr(72)
		h.writeAlloc(bp, 131072, true)

		if !h.isLarge(bp) {
			t.Fatal("large block not flagged")
		}
		if got := h.size(bp); got != 131072 {
			t.Fatalf("size = %d, want 131072", got)
		}
		if !h.isAlloc(bp) || !h.isPalloc(bp) {
			t.Error("flags lost on large header")
		}
		if err := h.checkFooter(bp, 131072); err != nil {
			t.Errorf("footer mismatch: %v", err)
		}
		// The mirrored word next to the user pointer must classify the
		// encoding.
		if h.u16(bp+largeSkip-hdrSize)&flagLarge == 0 {
			t.Error("mirror word missing LARGE flag")
		}
		if got := h.blockOf(h.userPtr(bp)); got != bp {
			t.Errorf("blockOf(userPtr) = %#x, want %#x", got, bp)
		}
	})

	t.Run("NeighborNavigation", func(t *testing.T) {
		h := scratch(400000)
		// Lay out free small, allocated large, free small.
		a := Ptr(72)
		h.writeFree(a, 64, true)
		b := h.next(a)
		h.writeAlloc(b, 70000, false)
		c := h.next(b)
		h.writeFree(c, 48, false)

		if b != a+64 {
			t.Fatalf("next(a) = %#x, want %#x", b, a+64)
		}
		if c != b+70000 {
			t.Fatalf("next(b) = %#x, want %#x", c, b+70000)
		}
		// Stepping back over a large neighbor reads the footer extension.
		if got := h.prev(c); got != b {
			t.Errorf("prev(c) = %#x, want %#x", got, b)
		}
		if got := h.prev(b); got != a {
			t.Errorf("prev(b) = %#x, want %#x", got, a)
		}
	})

	t.Run("SentinelSizedBlock", func(t *testing.T) {
		// A block of exactly 65528 bytes is legal; it must pick the extended
		// encoding rather than the 16-bit field it would alias.
		h := scratch(131072)
		bp := Ptr(72)
		h.writeFree(bp, largeSentinel, false)
		if !h.isLarge(bp) {
			t.Fatal("sentinel-sized block not large-encoded")
		}
		if got := h.size(bp); got != largeSentinel {
			t.Fatalf("size = %d, want %d", got, uint32(largeSentinel))
		}
	})
}

func TestAdjustSize(t *testing.T) {
	cases := []struct {
		size int
		want uint32
	}{
		{1, 16},
		{6, 16},
		{7, 16},
		{8, 16},
		{14, 16},
		{15, 24},
		{22, 24},
		{24, 32},
		{32, 40},
		{40, 48},
		{48, 56},
		{100, 104},
		{65518, 65520},
		{65519, 65552}, // would hit the sentinel as a small size
		{65526, 65552},
		{65534, 65552},
		{80000, 80024},
	}
	for _, tc := range cases {
		if got := adjustSize(tc.size); got != tc.want {
			t.Errorf("adjustSize(%d) = %d, want %d", tc.size, got, tc.want)
		}
	}

	t.Run("SmallNeverAliasesSentinel", func(t *testing.T) {
		for size := 1; size <= 70000; size++ {
			asize := adjustSize(size)
			if asize == largeSentinel {
				t.Fatalf("adjustSize(%d) = %d, aliases the extension sentinel", size, asize)
			}
			if asize > maxSmallSize && asize < 65552 {
				t.Fatalf("adjustSize(%d) = %d, in the unencodable gap", size, asize)
			}
		}
	})
}

func TestBinIndex(t *testing.T) {
	t.Run("Boundaries", func(t *testing.T) {
		cases := []struct {
			size uint32
			want int
		}{
			{16, 0}, {24, 1}, {32, 2}, {40, 3}, {48, 4},
			{56, 5}, {72, 5},
			{80, 6}, {136, 6},
			{144, 7}, {264, 7},
			{272, 8}, {520, 8},
			{528, 9}, {1032, 9},
			{1040, 10}, {2056, 10},
			{2064, 11}, {4104, 11},
			{4112, 12}, {16392, 12},
			{16400, 13}, {32768, 13},
			{32776, 14}, {262152, 14},
			{262160, 15}, {1 << 30, 15},
		}
		for _, tc := range cases {
			if got := binIndex(tc.size); got != tc.want {
				t.Errorf("binIndex(%d) = %d, want %d", tc.size, got, tc.want)
			}
		}
	})

	t.Run("Monotone", func(t *testing.T) {
		last := 0
		for size := uint32(minSize); size <= 300000; size += 8 {
			i := binIndex(size)
			if i < last {
				t.Fatalf("binIndex(%d) = %d < previous %d", size, i, last)
			}
			last = i
		}
	})

	t.Run("ExactBins", func(t *testing.T) {
		// Bins 0..4 must be in one-to-one correspondence with sizes 16..48,
		// which is what lets the search treat their heads as exact fits.
		for size := uint32(minSize); size <= 48; size += 8 {
			want := int(size-minSize) / 8
			if got := binIndex(size); got != want {
				t.Fatalf("binIndex(%d) = %d, want %d", size, got, want)
			}
		}
		if binIndex(56) <= 4 {
			t.Error("sizes above 48 must not land in the exact bins")
		}
	})
}
