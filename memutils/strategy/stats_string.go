package strategy

import (
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/carve/memutils"
)

// BuildStatsString produces a json document describing every allocator in allocators, keyed by
// name, along with totals across all of them. When detailed is true, each allocator's entry also
// includes its detailed statistics.
func BuildStatsString(allocators map[string]Allocator, detailed bool) string {
	names := make([]string, 0, len(allocators))
	for name := range allocators {
		names = append(names, name)
	}
	sort.Strings(names)

	writer := jwriter.NewWriter()
	root := writer.Object()

	var total memutils.DetailedStatistics
	total.Clear()
	for _, name := range names {
		allocators[name].AddDetailedStatistics(&total)
	}

	totalObj := root.Name("Total").Object()
	writeDetailedStatistics(totalObj, &total)
	totalObj.End()

	allocatorsObj := root.Name("Allocators").Object()
	for _, name := range names {
		allocator := allocators[name]

		obj := allocatorsObj.Name(name).Object()

		// BlockJsonData receives a copy of obj, so anything written to obj itself must come first
		if detailed {
			var stats memutils.DetailedStatistics
			stats.Clear()
			allocator.AddDetailedStatistics(&stats)

			statsObj := obj.Name("Stats").Object()
			writeDetailedStatistics(statsObj, &stats)
			statsObj.End()
		}

		allocator.BlockJsonData(obj)
		obj.End()
	}
	allocatorsObj.End()

	root.End()

	return string(writer.Bytes())
}

func writeDetailedStatistics(json jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("RegionCount").Int(stats.RegionCount)
	json.Name("RegionBytes").Int(stats.RegionBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 0 && stats.AllocationSizeMax > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}
