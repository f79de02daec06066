package strategy

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/region"
	"golang.org/x/exp/slog"
)

const (
	// StackHeaderSize is the number of bytes of bookkeeping the stack allocator places before each
	// allocation: the stack top before the allocation was made, followed by the allocation's total span
	StackHeaderSize int = 2 * region.WordSize
	// StackHeaderAlignment is the alignment of each allocation header
	StackHeaderAlignment uint = region.WordSize
)

// StackAllocator is a LIFO allocator: allocations must be freed in exactly the reverse order they
// were made, and Reset frees everything at once in O(1).
//
// Each allocation is preceded by a header recording the top of the stack before the allocation and
// the total number of bytes (header, padding, and payload) the allocation spans. A free is accepted
// only if that header proves the allocation is the most recent live one, so out-of-order frees are
// detected and rejected rather than silently corrupting the stack.
//
// StackAllocator is never synchronized. LIFO discipline is meaningless under interleaved allocation
// from several goroutines, so a shared stack must be serialized by its owner.
type StackAllocator struct {
	logger *slog.Logger
	region *region.Region

	top             int
	allocationCount int
}

var _ AllocateFreer = &StackAllocator{}

// NewStackAllocator obtains a size-byte region from backing and creates a StackAllocator over it. A nil
// backing means region.HeapBacking. If the region cannot be obtained, the error matches
// memutils.RegionUnavailableError.
func NewStackAllocator(backing region.Backing, size int, options CreateOptions) (*StackAllocator, error) {
	r, err := region.New(backing, size, StackHeaderAlignment)
	if err != nil {
		return nil, err
	}

	return &StackAllocator{
		logger: options.logger(),
		region: r,
	}, nil
}

// Allocate places a header at the top of the stack followed by size bytes aligned to alignment
func (a *StackAllocator) Allocate(size int, alignment uint) (int, error) {
	err := checkRequest(size, alignment)
	if err != nil {
		return 0, err
	}

	headerStart, ok := a.region.AlignOffset(a.top, StackHeaderAlignment)
	payload, end := 0, 0
	if ok {
		payload, ok = memutils.AddChecked(headerStart, StackHeaderSize)
	}
	if ok {
		payload, ok = a.region.AlignOffset(payload, alignment)
	}
	if ok {
		end, ok = memutils.AddChecked(payload, size)
	}

	if !ok || end > a.region.Size() {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "StackAllocator::Allocate FAILED",
			slog.Int("Size", size),
			slog.Int("Top", a.top),
		)
		return 0, errors.Wrapf(memutils.OutOfMemoryError, "stack cannot fit %d bytes aligned to %d with %d of %d bytes used", size, alignment, a.top, a.region.Size())
	}

	// The header sits immediately before the payload so Free can find it from the payload offset alone,
	// no matter how much alignment padding came before it
	header := a.headerOffset(payload)
	a.region.PutUint64At(header, uint64(a.top))
	a.region.PutUint64At(header+region.WordSize, uint64(end-a.top))

	a.top = end
	a.allocationCount++

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "StackAllocator::Allocate",
		slog.Int("Size", size),
		slog.Int("Offset", payload),
		slog.Int("Top", a.top),
	)

	return payload, nil
}

func (a *StackAllocator) headerOffset(payload int) int {
	return a.region.AlignOffsetDown(payload-StackHeaderSize, StackHeaderAlignment)
}

// Free rewinds the stack past the allocation at offset. offset must be the most recent live
// allocation; anything else returns an error matching memutils.OutOfOrderError and changes nothing.
// An offset outside the region returns an error matching memutils.NotOwnedError. size and alignment
// are not needed and are ignored.
func (a *StackAllocator) Free(offset, size int, alignment uint) error {
	if !a.region.Contains(offset) {
		return errors.Wrapf(memutils.NotOwnedError, "offset %d is outside the stack region of %d bytes", offset, a.region.Size())
	}

	header := a.headerOffset(offset)
	if header < 0 {
		return errors.Wrapf(memutils.NotOwnedError, "offset %d leaves no room for an allocation header", offset)
	}

	if offset >= a.top {
		return errors.Wrapf(memutils.OutOfOrderError, "offset %d is past the stack top %d and is not live", offset, a.top)
	}

	previousTop := a.region.Uint64At(header)
	span := a.region.Uint64At(header + region.WordSize)

	if previousTop > uint64(header) || span > uint64(a.top) || previousTop+span != uint64(a.top) {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "StackAllocator::Free REJECTED",
			slog.Int("Offset", offset),
			slog.Int("Top", a.top),
		)
		return errors.Wrapf(memutils.OutOfOrderError, "offset %d is not the most recent live allocation", offset)
	}

	a.top = int(previousTop)
	a.allocationCount--

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "StackAllocator::Free",
		slog.Int("Offset", offset),
		slog.Int("Top", a.top),
	)

	memutils.DebugValidate(a)
	return nil
}

// Reset frees every allocation at once. The caller must guarantee no offsets obtained before the
// reset are used afterward.
func (a *StackAllocator) Reset() {
	a.top = 0
	a.allocationCount = 0

	a.logger.Debug("StackAllocator::Reset")
}

// Top returns the offset just past the most recent live allocation
func (a *StackAllocator) Top() int { return a.top }

// Remaining returns the number of bytes above the stack top
func (a *StackAllocator) Remaining() int { return a.region.Size() - a.top }

// Region returns the region this allocator hands out offsets into
func (a *StackAllocator) Region() *region.Region { return a.region }

// AllocationCount returns the number of live allocations
func (a *StackAllocator) AllocationCount() int { return a.allocationCount }

// Close releases the stack's region to its backing. The allocator must not be used afterward.
func (a *StackAllocator) Close() error {
	return a.region.Close()
}

func (a *StackAllocator) AddStatistics(stats *memutils.Statistics) {
	stats.AddRegion(a.region.Size())
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.top
}

// AddDetailedStatistics sums this allocator's occupancy into stats. Individual allocation sizes are
// not retained by the stack, so the allocation size bounds in stats are left untouched.
func (a *StackAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.AddStatistics(&stats.Statistics)

	if tail := a.region.Size() - a.top; tail > 0 {
		stats.AddUnusedRange(tail)
	}
}

func (a *StackAllocator) Validate() error {
	if a.top < 0 || a.top > a.region.Size() {
		return errors.Errorf("stack top %d is outside the region [0, %d]", a.top, a.region.Size())
	}

	if (a.top == 0) != (a.allocationCount == 0) {
		return errors.Errorf("stack top is %d, but there are %d live allocations", a.top, a.allocationCount)
	}

	if a.allocationCount*(StackHeaderSize+1) > a.top {
		return errors.Errorf("%d live allocations cannot fit beneath stack top %d", a.allocationCount, a.top)
	}

	return nil
}

// BlockJsonData populates a json object with information about this allocator's region
func (a *StackAllocator) BlockJsonData(json jwriter.ObjectState) {
	unused := a.region.Size() - a.top
	unusedRanges := 0
	if unused > 0 {
		unusedRanges = 1
	}

	writeBlockJson(&json, "Stack", a.region.Size(), unused, a.allocationCount, unusedRanges)
	json.Name("Top").Int(a.top)
}
