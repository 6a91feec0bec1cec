package gcarena

import "github.com/prometheus/client_golang/prometheus"

// collector exports the arena's counters. It only reads atomics, so a scrape
// may run concurrently with the arena's owner.
type collector struct {
	a *Arena

	inUse       *prometheus.Desc
	capacity    *prometheus.Desc
	blocks      *prometheus.Desc
	allocs      *prometheus.Desc
	failed      *prometheus.Desc
	released    *prometheus.Desc
	collections *prometheus.Desc
	weakCleared *prometheus.Desc
}

func newCollector(a *Arena) *collector {
	return &collector{
		a:           a,
		inUse:       prometheus.NewDesc("gcarena_bytes_in_use", "Bytes held by live blocks, headers included.", nil, nil),
		capacity:    prometheus.NewDesc("gcarena_capacity_bytes", "Size of the arena region.", nil, nil),
		blocks:      prometheus.NewDesc("gcarena_blocks", "Number of live blocks.", nil, nil),
		allocs:      prometheus.NewDesc("gcarena_allocations_total", "Successful allocations.", nil, nil),
		failed:      prometheus.NewDesc("gcarena_allocation_failures_total", "Allocations that found no gap large enough.", nil, nil),
		released:    prometheus.NewDesc("gcarena_blocks_released_total", "Blocks destroyed by collections.", nil, nil),
		collections: prometheus.NewDesc("gcarena_collections_total", "Completed collections.", nil, nil),
		weakCleared: prometheus.NewDesc("gcarena_weak_refs_cleared_total", "Weak reference slots nulled by collections.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.inUse
	ch <- c.capacity
	ch <- c.blocks
	ch <- c.allocs
	ch <- c.failed
	ch <- c.released
	ch <- c.collections
	ch <- c.weakCleared
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := &c.a.stats
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(c.a.SizeInUse()))
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(c.a.Capacity()))
	ch <- prometheus.MustNewConstMetric(c.blocks, prometheus.GaugeValue, float64(c.a.NumBlocks()))
	ch <- prometheus.MustNewConstMetric(c.allocs, prometheus.CounterValue, float64(s.totalAllocs.Load()))
	ch <- prometheus.MustNewConstMetric(c.failed, prometheus.CounterValue, float64(s.failedAllocs.Load()))
	ch <- prometheus.MustNewConstMetric(c.released, prometheus.CounterValue, float64(s.totalReleased.Load()))
	ch <- prometheus.MustNewConstMetric(c.collections, prometheus.CounterValue, float64(s.collections.Load()))
	ch <- prometheus.MustNewConstMetric(c.weakCleared, prometheus.CounterValue, float64(s.weakCleared.Load()))
}
