package region

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/carve/memutils"
)

//go:generate mockgen -source backing.go -destination mocks/backing.go -package mocks

// Backing is the upstream source of raw memory. An allocator calls Acquire exactly once, when it is
// constructed, and Release at most once, when its region is closed.
type Backing interface {
	// Acquire returns a byte slice of exactly size bytes whose first byte is aligned to alignment.
	// alignment is always a power of two.
	Acquire(size int, alignment uint) ([]byte, error)
	// Release returns memory obtained from Acquire. data is the exact slice Acquire returned.
	Release(data []byte) error
}

// HeapBacking acquires regions from the Go heap. The Go collector does not move heap objects, so the
// aligned address of the first byte is stable for the region's lifetime.
type HeapBacking struct{}

var _ Backing = HeapBacking{}

func (HeapBacking) Acquire(size int, alignment uint) (data []byte, err error) {
	padded, ok := memutils.AddChecked(size, int(alignment)-1)
	if !ok {
		return nil, errors.Newf("%d bytes with alignment %d overflows the address space", size, alignment)
	}

	// makeslice panics rather than returning when the request is too large
	defer func() {
		if r := recover(); r != nil {
			data = nil
			err = errors.Newf("heap refused %d bytes: %v", padded, r)
		}
	}()

	raw := make([]byte, padded)
	base := uintptr(unsafe.Pointer(unsafe.SliceData(raw)))
	shift := int((uintptr(alignment) - base&uintptr(alignment-1)) & uintptr(alignment-1))

	return raw[shift : shift+size : shift+size], nil
}

func (HeapBacking) Release(data []byte) error {
	return nil
}

// MmapBacking acquires regions as anonymous private mappings on platforms that support them, and
// falls back to HeapBacking elsewhere. Mappings are page aligned, so requests for an alignment larger
// than the page size are refused.
type MmapBacking struct{}

var _ Backing = MmapBacking{}

func (MmapBacking) String() string {
	return fmt.Sprintf("MmapBacking(%s)", mmapMode)
}
