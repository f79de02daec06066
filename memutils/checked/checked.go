// Package checked wraps an allocator with bookkeeping of every live allocation so that tests and
// diagnostic builds can catch double frees, mismatched frees, overlapping allocations, and leaks.
package checked

import (
	"runtime"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/region"
	"github.com/vkngwrapper/carve/memutils/strategy"
)

const callerFrames = 1

type liveAllocation struct {
	size      int
	alignment uint
	pc        uintptr
	line      int
}

// Allocator records every allocation made through it, keyed by offset. Frees of offsets it has no
// record of, or with a size different from the one allocated, are rejected before the wrapped
// allocator sees them.
type Allocator struct {
	inner strategy.Allocator

	mutex sync.Mutex
	live  *swiss.Map[int, liveAllocation]
	size  int
}

var _ strategy.AllocateFreer = &Allocator{}

// New wraps a. If a does not implement strategy.Freer, Free always fails.
func New(a strategy.Allocator) *Allocator {
	return &Allocator{
		inner: a,
		live:  swiss.NewMap[int, liveAllocation](64),
	}
}

// Inner returns the wrapped allocator
func (a *Allocator) Inner() strategy.Allocator { return a.inner }

// CurrentAlloc returns the number of bytes in live allocations, as requested by callers
func (a *Allocator) CurrentAlloc() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.size
}

// LiveCount returns the number of live allocations
func (a *Allocator) LiveCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.live.Count()
}

func (a *Allocator) Allocate(size int, alignment uint) (int, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	offset, err := a.inner.Allocate(size, alignment)
	if err != nil {
		return 0, err
	}

	if existing, ok := a.live.Get(offset); ok {
		return 0, errors.AssertionFailedf("offset %d was handed out again while a %d-byte allocation there is live", offset, existing.size)
	}

	record := liveAllocation{size: size, alignment: alignment}
	if pc, _, line, ok := runtime.Caller(callerFrames); ok {
		record.pc = pc
		record.line = line
	}

	a.live.Put(offset, record)
	a.size += size

	return offset, nil
}

func (a *Allocator) Free(offset, size int, alignment uint) error {
	freer, ok := a.inner.(strategy.Freer)
	if !ok {
		return errors.Newf("%T cannot free individual allocations", a.inner)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	record, ok := a.live.Get(offset)
	if !ok {
		return errors.Wrapf(memutils.NotOwnedError, "offset %d is not a live allocation", offset)
	}

	if record.size != size {
		return errors.Wrapf(memutils.NotOwnedError, "offset %d was allocated with size %d, but freed with size %d", offset, record.size, size)
	}

	err := freer.Free(offset, size, alignment)
	if err != nil {
		return err
	}

	a.live.Delete(offset)
	a.size -= size

	return nil
}

// Reset forgets every live allocation and resets the wrapped allocator, if it can be reset
func (a *Allocator) Reset() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if resetter, ok := a.inner.(interface{ Reset() }); ok {
		resetter.Reset()
	}

	a.live = swiss.NewMap[int, liveAllocation](64)
	a.size = 0
}

func (a *Allocator) Region() *region.Region { return a.inner.Region() }

func (a *Allocator) AllocationCount() int { return a.inner.AllocationCount() }

func (a *Allocator) AddStatistics(stats *memutils.Statistics) { a.inner.AddStatistics(stats) }

func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.inner.AddDetailedStatistics(stats)
}

func (a *Allocator) BlockJsonData(json jwriter.ObjectState) { a.inner.BlockJsonData(json) }

// Validate validates the wrapped allocator, then verifies every live allocation lies inside the region,
// sits at the alignment it was requested with, and does not overlap any other live allocation
func (a *Allocator) Validate() error {
	err := a.inner.Validate()
	if err != nil {
		return err
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	type liveRange struct {
		offset int
		size   int
	}
	ranges := make([]liveRange, 0, a.live.Count())
	r := a.inner.Region()

	a.live.Iter(func(offset int, record liveAllocation) bool {
		if !r.ContainsRange(offset, record.size) {
			err = errors.Errorf("live allocation at offset %d with size %d is outside the region", offset, record.size)
			return true
		}

		if r.Address(offset)%uintptr(record.alignment) != 0 {
			err = errors.Errorf("live allocation at offset %d is not aligned to %d", offset, record.alignment)
			return true
		}

		ranges = append(ranges, liveRange{offset: offset, size: record.size})
		return false
	})
	if err != nil {
		return err
	}

	if len(ranges) != a.inner.AllocationCount() {
		return errors.Errorf("%d allocations are live, but the allocator reports %d", len(ranges), a.inner.AllocationCount())
	}

	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].offset < ranges[j].offset
	})

	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].offset+ranges[i-1].size > ranges[i].offset {
			return errors.Errorf("live allocation at offset %d overlaps live allocation at offset %d", ranges[i-1].offset, ranges[i].offset)
		}
	}

	return nil
}

type TestingT interface {
	Errorf(format string, args ...interface{})
	Helper()
}

// AssertSize reports every live allocation as a leak, along with where it was made, and fails if
// the live byte count is not sz
func (a *Allocator) AssertSize(t TestingT, sz int) {
	t.Helper()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.live.Iter(func(offset int, record liveAllocation) bool {
		name := "unknown"
		if f := runtime.FuncForPC(record.pc); f != nil {
			name = f.Name()
		}
		t.Errorf("LEAK of %d bytes at offset %d FROM %s line %d\n", record.size, offset, name, record.line)
		return false
	})

	if a.size != sz {
		t.Errorf("invalid memory size exp=%d, got=%d", sz, a.size)
	}
}
