package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector 将聚合器的窗口统计以 Prometheus 指标形式导出，每次抓取时现算
type Collector struct {
	agg    *Aggregator
	window time.Duration

	queryTotal     *prometheus.Desc
	queryErrorRate *prometheus.Desc
	queryDuration  *prometheus.Desc
	cacheHitRate   *prometheus.Desc
	connLatency    *prometheus.Desc
	connStatus     *prometheus.Desc
	memoryUsage    *prometheus.Desc
	memoryTotal    *prometheus.Desc
	goroutines     *prometheus.Desc
	cacheSize      *prometheus.Desc
}

// NewCollector 创建采集器
func NewCollector(agg *Aggregator, window time.Duration) *Collector {
	return &Collector{
		agg:    agg,
		window: window,

		queryTotal: prometheus.NewDesc("erpcache_query_total",
			"Number of queries recorded in the stats window", []string{"result"}, nil),
		queryErrorRate: prometheus.NewDesc("erpcache_query_error_rate",
			"Ratio of failed queries in the stats window", nil, nil),
		queryDuration: prometheus.NewDesc("erpcache_query_duration_seconds",
			"Query duration statistics in the stats window", []string{"stat"}, nil),
		cacheHitRate: prometheus.NewDesc("erpcache_query_cache_hit_rate",
			"Ratio of queries served from cache in the stats window", nil, nil),
		connLatency: prometheus.NewDesc("erpcache_connection_latency_seconds",
			"Average connection probe latency in the stats window", nil, nil),
		connStatus: prometheus.NewDesc("erpcache_connection_probes",
			"Connection probes in the stats window by health status", []string{"status"}, nil),
		memoryUsage: prometheus.NewDesc("erpcache_memory_usage_bytes",
			"Heap bytes in use at the latest resource sample", nil, nil),
		memoryTotal: prometheus.NewDesc("erpcache_memory_total_bytes",
			"Bytes obtained from the OS at the latest resource sample", nil, nil),
		goroutines: prometheus.NewDesc("erpcache_goroutines",
			"Goroutines at the latest resource sample", nil, nil),
		cacheSize: prometheus.NewDesc("erpcache_cache_entries",
			"Cache entries at the latest resource sample", nil, nil),
	}
}

// Describe 实现 prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queryTotal, c.queryErrorRate, c.queryDuration, c.cacheHitRate,
		c.connLatency, c.connStatus,
		c.memoryUsage, c.memoryTotal, c.goroutines, c.cacheSize,
	} {
		ch <- d
	}
}

// Collect 实现 prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.agg.GetStats(c.window)
	q := stats.Queries

	ch <- prometheus.MustNewConstMetric(c.queryTotal, prometheus.GaugeValue, float64(q.Successful), "success")
	ch <- prometheus.MustNewConstMetric(c.queryTotal, prometheus.GaugeValue, float64(q.Failed), "error")
	ch <- prometheus.MustNewConstMetric(c.queryErrorRate, prometheus.GaugeValue, q.ErrorRate)
	ch <- prometheus.MustNewConstMetric(c.queryDuration, prometheus.GaugeValue, q.AvgDuration.Seconds(), "avg")
	ch <- prometheus.MustNewConstMetric(c.queryDuration, prometheus.GaugeValue, q.MinDuration.Seconds(), "min")
	ch <- prometheus.MustNewConstMetric(c.queryDuration, prometheus.GaugeValue, q.MaxDuration.Seconds(), "max")
	ch <- prometheus.MustNewConstMetric(c.cacheHitRate, prometheus.GaugeValue, q.CacheHitRate)

	conn := stats.Connections
	ch <- prometheus.MustNewConstMetric(c.connLatency, prometheus.GaugeValue, conn.AvgLatency.Seconds())
	ch <- prometheus.MustNewConstMetric(c.connStatus, prometheus.GaugeValue, float64(conn.Healthy), string(StatusHealthy))
	ch <- prometheus.MustNewConstMetric(c.connStatus, prometheus.GaugeValue, float64(conn.Degraded), string(StatusDegraded))
	ch <- prometheus.MustNewConstMetric(c.connStatus, prometheus.GaugeValue, float64(conn.Failed), string(StatusFailed))

	if r := stats.Resources; r != nil {
		ch <- prometheus.MustNewConstMetric(c.memoryUsage, prometheus.GaugeValue, float64(r.MemoryUsage))
		ch <- prometheus.MustNewConstMetric(c.memoryTotal, prometheus.GaugeValue, float64(r.MemoryTotal))
		ch <- prometheus.MustNewConstMetric(c.goroutines, prometheus.GaugeValue, float64(r.Goroutines))
		ch <- prometheus.MustNewConstMetric(c.cacheSize, prometheus.GaugeValue, float64(r.CacheSize))
	}
}

var _ prometheus.Collector = (*Collector)(nil)
