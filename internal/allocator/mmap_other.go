//go:build !unix

package allocator

// NewMmapProvider is not available on this platform; callers get a
// slice-backed provider bounded at maxBytes instead.
func NewMmapProvider(maxBytes int) (*SliceProvider, error) {
	return NewSliceProvider(maxBytes), nil
}
