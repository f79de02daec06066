// Package region provides the single contiguous byte range an allocator instance owns. Allocators
// hand callers offsets into a Region rather than raw pointers; the offset o names the absolute
// address Base()+o, and all alignment arithmetic is done on absolute addresses.
package region

import (
	"encoding/binary"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/carve/memutils"
)

// WordSize is the size in bytes of the metadata words allocators embed in free memory
const WordSize = 8

// Region is an owned, fixed-size byte buffer. It is never resized. A Region does not synchronize
// access to its bytes: the allocator that owns it is responsible for that.
type Region struct {
	backing Backing
	data    []byte
	base    uintptr
}

// New obtains size bytes aligned to alignment from backing. This is the only upstream allocation an
// allocator makes; if it fails, the returned error is marked with memutils.RegionUnavailableError.
// A nil backing means HeapBacking.
func New(backing Backing, size int, alignment uint) (*Region, error) {
	if size < 1 {
		return nil, errors.Wrapf(memutils.InvalidRequestError, "region size must be positive, got %d", size)
	}

	err := memutils.CheckPow2(alignment, "region alignment")
	if err != nil {
		return nil, err
	}

	if backing == nil {
		backing = HeapBacking{}
	}

	data, err := backing.Acquire(size, alignment)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "could not acquire a %d-byte region", size), memutils.RegionUnavailableError)
	}

	if len(data) != size {
		_ = backing.Release(data)
		return nil, errors.Wrapf(memutils.RegionUnavailableError, "backing returned %d bytes, but %d were requested", len(data), size)
	}

	r := &Region{
		backing: backing,
		data:    data,
		base:    uintptr(unsafe.Pointer(unsafe.SliceData(data))),
	}

	if r.base&uintptr(alignment-1) != 0 {
		_ = backing.Release(data)
		return nil, errors.Wrapf(memutils.RegionUnavailableError, "backing returned memory at %#x, which is not aligned to %d", r.base, alignment)
	}

	return r, nil
}

// FromBytes wraps a caller-provided buffer. The caller gives up ownership of data: nothing else may
// read or write it while the Region is in use. Close is a no-op for such regions.
func FromBytes(data []byte) (*Region, error) {
	if len(data) == 0 {
		return nil, errors.Wrap(memutils.InvalidRequestError, "region buffer must not be empty")
	}

	return &Region{
		data: data[:len(data):len(data)],
		base: uintptr(unsafe.Pointer(unsafe.SliceData(data))),
	}, nil
}

// Size returns the size of the region in bytes
func (r *Region) Size() int { return len(r.data) }

// Base returns the absolute address of the first byte in the region
func (r *Region) Base() uintptr { return r.base }

// Address returns the absolute address of the byte at offset
func (r *Region) Address(offset int) uintptr { return r.base + uintptr(offset) }

// Contains returns true if offset names a byte inside the region
func (r *Region) Contains(offset int) bool {
	return offset >= 0 && offset < len(r.data)
}

// ContainsRange returns true if [offset, offset+size) lies entirely inside the region
func (r *Region) ContainsRange(offset, size int) bool {
	if offset < 0 || size < 0 {
		return false
	}
	end, ok := memutils.AddChecked(offset, size)
	return ok && end <= len(r.data)
}

// Bytes returns the size bytes starting at offset. The returned slice has its capacity clipped so that
// appends cannot spill into neighboring allocations. It panics if the range is outside the region.
func (r *Region) Bytes(offset, size int) []byte {
	return r.data[offset : offset+size : offset+size]
}

// AlignOffset returns the smallest offset at or after offset whose absolute address is aligned to
// alignment. The boolean is false if the result overflows an int. The result may lie past the end
// of the region.
func (r *Region) AlignOffset(offset int, alignment uint) (int, bool) {
	memutils.DebugCheckPow2(alignment, "alignment")
	mask := uintptr(alignment - 1)
	padding := (uintptr(alignment) - (r.base+uintptr(offset))&mask) & mask
	return memutils.AddChecked(offset, int(padding))
}

// AlignOffsetDown returns the largest offset at or before offset whose absolute address is aligned
// to alignment. The result may be negative.
func (r *Region) AlignOffsetDown(offset int, alignment uint) int {
	memutils.DebugCheckPow2(alignment, "alignment")
	mask := uintptr(alignment - 1)
	return offset - int((r.base+uintptr(offset))&mask)
}

// Uint64At reads a metadata word stored at offset
func (r *Region) Uint64At(offset int) uint64 {
	return binary.LittleEndian.Uint64(r.data[offset : offset+WordSize])
}

// PutUint64At writes a metadata word at offset
func (r *Region) PutUint64At(offset int, value uint64) {
	binary.LittleEndian.PutUint64(r.data[offset:offset+WordSize], value)
}

// AtomicWord returns the word at offset for use with sync/atomic. The absolute address of offset
// must be aligned to WordSize; AtomicWord panics otherwise.
func (r *Region) AtomicWord(offset int) *uint64 {
	if (r.base+uintptr(offset))%WordSize != 0 {
		panic(errors.AssertionFailedf("atomic word at offset %d is not aligned", offset))
	}
	return (*uint64)(unsafe.Pointer(&r.data[offset : offset+WordSize][0]))
}

// Close releases the region to its backing. The region must not be used afterward.
func (r *Region) Close() error {
	if r.data == nil {
		return nil
	}

	var err error
	if r.backing != nil {
		err = r.backing.Release(r.data)
	}

	r.data = nil
	r.base = 0
	return err
}
