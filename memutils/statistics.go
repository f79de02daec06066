package memutils

import "math"

// Statistics summarizes the occupancy of one or more regions. AllocationBytes counts the bytes
// charged to live allocations, which includes alignment padding and any header an allocator
// places in front of an allocation.
type Statistics struct {
	RegionCount     int
	RegionBytes     int
	AllocationCount int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	*s = Statistics{}
}

// AddRegion counts one more region of size bytes
func (s *Statistics) AddRegion(size int) {
	s.RegionCount++
	s.RegionBytes += size
}

// UnusedBytes is the number of bytes not charged to any live allocation
func (s *Statistics) UnusedBytes() int {
	return s.RegionBytes - s.AllocationBytes
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.RegionCount += other.RegionCount
	s.RegionBytes += other.RegionBytes
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with the shape of the free space. For the free list, each
// unused range is a free block; for pools, each free pool block; bump and stack allocators report
// the single range above their frontier. The size bounds only mean something once Clear has been
// called and at least one allocation or range has been added.
type DetailedStatistics struct {
	Statistics
	UnusedRangeCount   int
	AllocationSizeMin  int
	AllocationSizeMax  int
	UnusedRangeSizeMin int
	UnusedRangeSizeMax int
}

func (s *DetailedStatistics) Clear() {
	*s = DetailedStatistics{
		AllocationSizeMin:  math.MaxInt,
		UnusedRangeSizeMin: math.MaxInt,
	}
}

func (s *DetailedStatistics) AddUnusedRange(size int) {
	s.UnusedRangeCount++
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, size)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, size)
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.AllocationSizeMin = min(s.AllocationSizeMin, size)
	s.AllocationSizeMax = max(s.AllocationSizeMax, size)
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.AddStatistics(&other.Statistics)
	s.UnusedRangeCount += other.UnusedRangeCount
	s.AllocationSizeMin = min(s.AllocationSizeMin, other.AllocationSizeMin)
	s.AllocationSizeMax = max(s.AllocationSizeMax, other.AllocationSizeMax)
	s.UnusedRangeSizeMin = min(s.UnusedRangeSizeMin, other.UnusedRangeSizeMin)
	s.UnusedRangeSizeMax = max(s.UnusedRangeSizeMax, other.UnusedRangeSizeMax)
}
