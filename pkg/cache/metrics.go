package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics 缓存的 Prometheus 指标，按后端名称打标签。
// 零值指针表示禁用指标，所有方法均可在 nil 上调用。
type StoreMetrics struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	evictions *prometheus.CounterVec
	size      *prometheus.GaugeVec
}

// NewStoreMetrics 创建并注册缓存指标，registry 为 nil 时返回 nil（禁用指标）
func NewStoreMetrics(registry prometheus.Registerer) (*StoreMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &StoreMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erpcache",
			Subsystem: "store",
			Name:      "hits_total",
			Help:      "Total number of live cache hits",
		}, []string{"backend"}),

		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erpcache",
			Subsystem: "store",
			Name:      "misses_total",
			Help:      "Total number of cache misses, including expired entries",
		}, []string{"backend"}),

		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erpcache",
			Subsystem: "store",
			Name:      "evictions_total",
			Help:      "Total number of entries evicted because the store was full",
		}, []string{"backend"}),

		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "erpcache",
			Subsystem: "store",
			Name:      "size",
			Help:      "Current number of entries held by the store",
		}, []string{"backend"}),
	}

	for _, c := range []prometheus.Collector{m.hits, m.misses, m.evictions, m.size} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *StoreMetrics) hit(backend string) {
	if m != nil {
		m.hits.WithLabelValues(backend).Inc()
	}
}

func (m *StoreMetrics) miss(backend string) {
	if m != nil {
		m.misses.WithLabelValues(backend).Inc()
	}
}

func (m *StoreMetrics) evicted(backend string) {
	if m != nil {
		m.evictions.WithLabelValues(backend).Inc()
	}
}

func (m *StoreMetrics) setSize(backend string, n int) {
	if m != nil {
		m.size.WithLabelValues(backend).Set(float64(n))
	}
}
