//go:build unix

package allocator

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MmapProvider reserves a fixed range of address space up front and commits
// pages as the heap grows. The base never moves, so previously returned
// contents survive every Grow, and uncommitted pages cost no memory.
type MmapProvider struct {
	region   []byte
	used     int
	pageSize int
}

// NewMmapProvider reserves maxBytes of PROT_NONE address space. maxBytes is
// rounded up to the page size and bounds how far the heap can ever grow.
func NewMmapProvider(maxBytes int) (*MmapProvider, error) {
	page := unix.Getpagesize()
	maxBytes = (maxBytes + page - 1) &^ (page - 1)
	if maxBytes <= 0 {
		return nil, fmt.Errorf("allocator: invalid reservation size %d", maxBytes)
	}
	region, err := unix.Mmap(-1, 0, maxBytes, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("reserve %d bytes: %w", maxBytes, err)
	}
	return &MmapProvider{region: region, pageSize: page}, nil
}

func (p *MmapProvider) Lo() Ptr { return 0 }

func (p *MmapProvider) Hi() Ptr {
	if p.used == 0 {
		return 0
	}
	return Ptr(p.used - 1)
}

func (p *MmapProvider) Grow(n int) (Ptr, error) {
	if n <= 0 {
		return Nil, fmt.Errorf("allocator: invalid grow request %d", n)
	}
	if p.used+n > len(p.region) {
		return Nil, fmt.Errorf("cannot grow heap by %d bytes (reserved %d): %w", n, len(p.region), ErrHeapExhausted)
	}
	// Commit whole pages covering the new range. Pages are zero-filled by the
	// kernel, satisfying the provider contract.
	committed := (p.used + p.pageSize - 1) &^ (p.pageSize - 1)
	needed := (p.used + n + p.pageSize - 1) &^ (p.pageSize - 1)
	if needed > committed {
		if err := unix.Mprotect(p.region[committed:needed], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return Nil, fmt.Errorf("commit heap pages: %w", err)
		}
	}
	old := p.used
	p.used += n
	return Ptr(old), nil
}

func (p *MmapProvider) Bytes() []byte { return p.region[:p.used] }

// Close releases the reservation. The provider must not be used afterwards.
func (p *MmapProvider) Close() error {
	region := p.region
	p.region = nil
	p.used = 0
	return unix.Munmap(region)
}
