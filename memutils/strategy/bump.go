package strategy

import (
	"context"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/internal/utils"
	"github.com/vkngwrapper/carve/memutils/region"
	"golang.org/x/exp/slog"
)

// BumpAllocator is the fastest allocator: it advances a frontier through its region and never frees
// anything. It does not implement Freer.
type BumpAllocator struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger
	region *region.Region

	next            int
	allocationCount int
	sizeMin         int
	sizeMax         int
}

var _ Allocator = &BumpAllocator{}

// NewBumpAllocator creates a BumpAllocator that allocates from the whole of r, starting at its first byte
func NewBumpAllocator(r *region.Region, options CreateOptions) *BumpAllocator {
	return &BumpAllocator{
		mutex:   utils.OptionalMutex{UseMutex: options.useMutex()},
		logger:  options.logger(),
		region:  r,
		sizeMin: math.MaxInt,
	}
}

// Allocate reserves size bytes aligned to alignment at the current frontier and advances the
// frontier past them
func (a *BumpAllocator) Allocate(size int, alignment uint) (int, error) {
	err := checkRequest(size, alignment)
	if err != nil {
		return 0, err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	aligned, ok := a.region.AlignOffset(a.next, alignment)
	end := 0
	if ok {
		end, ok = memutils.AddChecked(aligned, size)
	}

	if !ok || end > a.region.Size() {
		a.logger.LogAttrs(context.Background(), slog.LevelDebug, "BumpAllocator::Allocate FAILED",
			slog.Int("Size", size),
			slog.Int("Next", a.next),
		)
		return 0, errors.Wrapf(memutils.OutOfMemoryError, "bump allocator cannot fit %d bytes aligned to %d with %d of %d bytes used", size, alignment, a.next, a.region.Size())
	}

	a.next = end
	a.allocationCount++
	a.sizeMin = min(a.sizeMin, size)
	a.sizeMax = max(a.sizeMax, size)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "BumpAllocator::Allocate",
		slog.Int("Size", size),
		slog.Int("Offset", aligned),
	)

	return aligned, nil
}

// Region returns the region this allocator hands out offsets into
func (a *BumpAllocator) Region() *region.Region { return a.region }

// AllocationCount returns the number of successful allocations made so far
func (a *BumpAllocator) AllocationCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocationCount
}

// Used returns the offset of the frontier: every byte before it has been handed out or lost to
// alignment padding
func (a *BumpAllocator) Used() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.next
}

// Remaining returns the number of bytes after the frontier
func (a *BumpAllocator) Remaining() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.region.Size() - a.next
}

func (a *BumpAllocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.AddRegion(a.region.Size())
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.next
}

func (a *BumpAllocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.AddRegion(a.region.Size())
	stats.AllocationCount += a.allocationCount
	stats.AllocationBytes += a.next

	if a.allocationCount > 0 {
		stats.AllocationSizeMin = min(stats.AllocationSizeMin, a.sizeMin)
		stats.AllocationSizeMax = max(stats.AllocationSizeMax, a.sizeMax)
	}

	if tail := a.region.Size() - a.next; tail > 0 {
		stats.AddUnusedRange(tail)
	}
}

func (a *BumpAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.next < 0 || a.next > a.region.Size() {
		return errors.Errorf("bump frontier %d is outside the region [0, %d]", a.next, a.region.Size())
	}

	if a.allocationCount == 0 && a.next != 0 {
		return errors.Errorf("bump frontier is %d, but no allocations have been made", a.next)
	}

	if a.allocationCount > a.next {
		return errors.Errorf("%d allocations were made but only %d bytes were consumed", a.allocationCount, a.next)
	}

	return nil
}

// BlockJsonData populates a json object with information about this allocator's region
func (a *BumpAllocator) BlockJsonData(json jwriter.ObjectState) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	unused := a.region.Size() - a.next
	unusedRanges := 0
	if unused > 0 {
		unusedRanges = 1
	}

	writeBlockJson(&json, "Bump", a.region.Size(), unused, a.allocationCount, unusedRanges)
	json.Name("Next").Int(a.next)
}
