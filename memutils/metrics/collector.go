// Package metrics exports allocator occupancy as Prometheus gauges
package metrics

import (
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vkngwrapper/carve/memutils"
	"github.com/vkngwrapper/carve/memutils/strategy"
)

const subsystem = "allocator"

// Collector reads the statistics of a fixed set of allocators each time it is scraped. Allocators
// that lock do so only for the duration of their statistics call.
type Collector struct {
	names      []string
	allocators map[string]strategy.Allocator

	regionBytes    *prometheus.Desc
	allocatedBytes *prometheus.Desc
	allocations    *prometheus.Desc
	unusedRanges   *prometheus.Desc
}

var _ prometheus.Collector = &Collector{}

// NewCollector creates a Collector reporting every allocator in allocators, labelled by its key
func NewCollector(namespace string, allocators map[string]strategy.Allocator) *Collector {
	names := make([]string, 0, len(allocators))
	for name := range allocators {
		names = append(names, name)
	}
	sort.Strings(names)

	labels := []string{"allocator"}
	return &Collector{
		names:      names,
		allocators: allocators,

		regionBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "region_bytes"),
			"Size of the region owned by the allocator",
			labels, nil,
		),
		allocatedBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "allocated_bytes"),
			"Bytes of the region charged to live allocations",
			labels, nil,
		),
		allocations: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "allocations"),
			"Number of live allocations",
			labels, nil,
		),
		unusedRanges: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "unused_ranges"),
			"Number of disjoint free ranges in the region",
			labels, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.regionBytes
	ch <- c.allocatedBytes
	ch <- c.allocations
	ch <- c.unusedRanges
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, name := range c.names {
		var stats memutils.DetailedStatistics
		stats.Clear()
		c.allocators[name].AddDetailedStatistics(&stats)

		ch <- prometheus.MustNewConstMetric(c.regionBytes, prometheus.GaugeValue, float64(stats.RegionBytes), name)
		ch <- prometheus.MustNewConstMetric(c.allocatedBytes, prometheus.GaugeValue, float64(stats.AllocationBytes), name)
		ch <- prometheus.MustNewConstMetric(c.allocations, prometheus.GaugeValue, float64(stats.AllocationCount), name)
		ch <- prometheus.MustNewConstMetric(c.unusedRanges, prometheus.GaugeValue, float64(stats.UnusedRangeCount), name)
	}
}
