package strategy

import (
	"context"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/internal/utils"
	"github.com/vkngwrapper/carve/memutils/region"
	"golang.org/x/exp/slog"
)

// FreeBlockMetadataSize is the number of bytes a free block needs to describe itself: its size,
// followed by a link to the next free block. It is also the smallest allocation the free list
// will make, since every allocation must be able to become a free block again.
const FreeBlockMetadataSize int = 2 * region.WordSize

const noBlock = -1

// FreeListAllocator is a general-purpose first-fit allocator. Free memory is tracked by a singly
// linked list whose nodes live inside the free memory itself.
//
// Freed blocks are never merged with adjacent free blocks. Free is O(1), but a workload that frees
// many small blocks and then requests a large one can fail even though enough free bytes exist in
// total. Alignment padding in front of an allocation, and tails too small to hold free-block
// metadata, are not reclaimed until the region is discarded.
type FreeListAllocator struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger
	region *region.Region

	head            int
	allocationCount int
	freeBlockCount  int
	sumFreeSize     int
}

var _ AllocateFreer = &FreeListAllocator{}

// NewFreeListAllocator creates a FreeListAllocator whose free list starts as a single block spanning
// all of r. r must be at least FreeBlockMetadataSize bytes.
func NewFreeListAllocator(r *region.Region, options CreateOptions) (*FreeListAllocator, error) {
	if r.Size() < FreeBlockMetadataSize {
		return nil, errors.Wrapf(memutils.InvalidRequestError, "a %d-byte region cannot hold a %d-byte free block", r.Size(), FreeBlockMetadataSize)
	}

	a := &FreeListAllocator{
		mutex:          utils.OptionalMutex{UseMutex: options.useMutex()},
		logger:         options.logger(),
		region:         r,
		head:           0,
		freeBlockCount: 1,
		sumFreeSize:    r.Size(),
	}
	a.writeBlock(0, r.Size(), noBlock)

	return a, nil
}

func (a *FreeListAllocator) readBlock(offset int) (size int, next int) {
	size = int(a.region.Uint64At(offset))
	next = int(a.region.Uint64At(offset+region.WordSize)) - 1
	return size, next
}

func (a *FreeListAllocator) writeBlock(offset, size, next int) {
	a.region.PutUint64At(offset, uint64(size))
	a.setNext(offset, next)
}

func (a *FreeListAllocator) setNext(offset, next int) {
	// Links are stored off by one so that zeroed memory reads as the end of the list
	a.region.PutUint64At(offset+region.WordSize, uint64(next+1))
}

// Allocate returns the first free block, in list order, that can hold size bytes aligned to
// alignment. Requests smaller than FreeBlockMetadataSize are rounded up to it.
func (a *FreeListAllocator) Allocate(size int, alignment uint) (int, error) {
	err := checkRequest(size, alignment)
	if err != nil {
		return 0, err
	}

	size = max(size, FreeBlockMetadataSize)

	a.mutex.Lock()
	defer a.mutex.Unlock()

	prev := noBlock
	for current := a.head; current != noBlock; {
		blockSize, next := a.readBlock(current)
		blockEnd := current + blockSize

		aligned, ok := a.region.AlignOffset(current, alignment)
		end := 0
		if ok {
			end, ok = memutils.AddChecked(aligned, size)
		}

		if !ok || end > blockEnd {
			prev = current
			current = next
			continue
		}

		if prev == noBlock {
			a.head = next
		} else {
			a.setNext(prev, next)
		}
		a.freeBlockCount--
		a.sumFreeSize -= blockSize

		// The leftover must be linked to the head as it stands after the unlink above. Linking it to a
		// head read before the unlink would drop every block between the two from the list.
		leftover := blockEnd - end
		if leftover >= FreeBlockMetadataSize {
			a.writeBlock(end, leftover, a.head)
			a.head = end
			a.freeBlockCount++
			a.sumFreeSize += leftover
		}

		a.allocationCount++

		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "FreeListAllocator::Allocate",
			slog.Int("Size", size),
			slog.Int("Offset", aligned),
			slog.Int("BlockOffset", current),
			slog.Int("Leftover", leftover),
		)

		memutils.DebugValidate(validateLocked{a})
		return aligned, nil
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "FreeListAllocator::Allocate FAILED",
		slog.Int("Size", size),
		slog.Int("FreeBlocks", a.freeBlockCount),
		slog.Int("FreeBytes", a.sumFreeSize),
	)

	return 0, errors.Wrapf(memutils.OutOfMemoryError, "no free block can hold %d bytes aligned to %d (%d bytes free across %d blocks)", size, alignment, a.sumFreeSize, a.freeBlockCount)
}

// Free pushes a free block of size bytes at offset onto the head of the free list. size must be the
// size passed to Allocate. The block is not merged with its neighbors. Frees that would reach outside
// the region return an error matching memutils.NotOwnedError.
func (a *FreeListAllocator) Free(offset, size int, alignment uint) error {
	size = max(size, FreeBlockMetadataSize)

	if !a.region.ContainsRange(offset, size) {
		return errors.Wrapf(memutils.NotOwnedError, "range [%d, %d+%d) is outside the free list region of %d bytes", offset, offset, size, a.region.Size())
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.allocationCount == 0 {
		return errors.Wrapf(memutils.NotOwnedError, "offset %d cannot be freed because there are no live allocations", offset)
	}

	a.writeBlock(offset, size, a.head)
	a.head = offset
	a.freeBlockCount++
	a.sumFreeSize += size
	a.allocationCount--

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "FreeListAllocator::Free",
		slog.Int("Size", size),
		slog.Int("Offset", offset),
	)

	memutils.DebugValidate(validateLocked{a})
	return nil
}

// Region returns the region this allocator hands out offsets into
func (a *FreeListAllocator) Region() *region.Region { return a.region }

// AllocationCount returns the number of live allocations
func (a *FreeListAllocator) AllocationCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocationCount
}

// FreeBlockCount returns the number of blocks in the free list
func (a *FreeListAllocator) FreeBlockCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.freeBlockCount
}

// SumFreeSize returns the number of bytes in the free list
func (a *FreeListAllocator) SumFreeSize() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.sumFreeSize
}

// VisitFreeBlocks calls visit with the offset and size of each block in the free list, in list order
func (a *FreeListAllocator) VisitFreeBlocks(visit func(offset, size int)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.visitFreeBlocks(visit)
}

func (a *FreeListAllocator) visitFreeBlocks(visit func(offset, size int)) {
	for current, steps := a.head, 0; current != noBlock && steps < a.freeBlockCount; steps++ {
		size, next := a.readBlock(current)
		visit(current, size)
		current = next
	}
}

func (a *FreeListAllocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.AddRegion(a.region.Size())
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.region.Size() - a.sumFreeSize
}

// AddDetailedStatistics sums this allocator's occupancy into stats, reporting each free block as an
// unused range. Individual allocation sizes are not retained, so the allocation size bounds in stats
// are left untouched.
func (a *FreeListAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.AddRegion(a.region.Size())
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.region.Size() - a.sumFreeSize

	a.visitFreeBlocks(func(offset, size int) {
		stats.AddUnusedRange(size)
	})
}

// Validate walks the free list and verifies that every block lies inside the region, that no two
// blocks overlap, and that the list is acyclic and agrees with the allocator's counters
func (a *FreeListAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.validate()
}

type validateLocked struct {
	a *FreeListAllocator
}

func (v validateLocked) Validate() error {
	return v.a.validate()
}

func (a *FreeListAllocator) validate() error {
	type freeRange struct {
		offset int
		size   int
	}

	var blocks []freeRange
	sumFree := 0

	for current := a.head; current != noBlock; {
		if len(blocks) > a.freeBlockCount {
			return errors.Errorf("the free list holds more than the %d blocks the metadata records; it may contain a cycle", a.freeBlockCount)
		}

		if !a.region.ContainsRange(current, FreeBlockMetadataSize) {
			return errors.Errorf("free block at offset %d is outside the region", current)
		}

		size, next := a.readBlock(current)
		if size < FreeBlockMetadataSize {
			return errors.Errorf("free block at offset %d has size %d, which cannot hold its own metadata", current, size)
		}

		if !a.region.ContainsRange(current, size) {
			return errors.Errorf("free block at offset %d with size %d extends past the end of the region", current, size)
		}

		blocks = append(blocks, freeRange{offset: current, size: size})
		sumFree += size
		current = next
	}

	if len(blocks) != a.freeBlockCount {
		return errors.Errorf("the free list holds %d blocks, but the metadata records %d", len(blocks), a.freeBlockCount)
	}

	if sumFree != a.sumFreeSize {
		return errors.Errorf("the free blocks add up to %d bytes, but the metadata records %d", sumFree, a.sumFreeSize)
	}

	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].offset < blocks[j].offset
	})

	for i := 1; i < len(blocks); i++ {
		if blocks[i-1].offset+blocks[i-1].size > blocks[i].offset {
			return errors.Errorf("free block at offset %d overlaps free block at offset %d", blocks[i-1].offset, blocks[i].offset)
		}
	}

	if a.allocationCount < 0 {
		return errors.Errorf("negative allocation count %d", a.allocationCount)
	}

	return nil
}

// BlockJsonData populates a json object with information about this allocator's region
func (a *FreeListAllocator) BlockJsonData(json jwriter.ObjectState) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	writeBlockJson(&json, "FreeList", a.region.Size(), a.sumFreeSize, a.allocationCount, a.freeBlockCount)

	blocks := json.Name("FreeBlocks").Array()
	defer blocks.End()

	a.visitFreeBlocks(func(offset, size int) {
		obj := blocks.Object()
		defer obj.End()

		obj.Name("Offset").Int(offset)
		obj.Name("Size").Int(size)
	})
}
