package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/iago/research-agent/internal/cache"
)

// CacheStatser is implemented by the synthesizer.
type CacheStatser interface {
	CacheStats() cache.Stats
}

type cacheCollector struct {
	source  CacheStatser
	entries *prometheus.Desc
	lookups *prometheus.Desc
}

// NewCacheCollector reports synthesis cache size and lookups at scrape time.
func NewCacheCollector(source CacheStatser) prometheus.Collector {
	return &cacheCollector{
		source: source,
		entries: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "synthesis_cache", "entries"),
			"Entries held by the synthesis cache.",
			nil,
			nil,
		),
		lookups: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "synthesis_cache", "lookups_total"),
			"Synthesis cache lookups by result.",
			[]string{resultLabel},
			nil,
		),
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.lookups
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.source.CacheStats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.Entries))
	ch <- prometheus.MustNewConstMetric(c.lookups, prometheus.CounterValue, float64(stats.Hits), "hit")
	ch <- prometheus.MustNewConstMetric(c.lookups, prometheus.CounterValue, float64(stats.Misses), "miss")
}
