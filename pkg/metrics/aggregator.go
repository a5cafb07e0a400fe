package metrics

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"

	"erpcache/pkg/cache"
	"erpcache/pkg/logger"
)

// DefaultSampleInterval 资源采样的默认间隔
const DefaultSampleInterval = 30 * time.Second

// CacheSizer 提供当前缓存条目数，cache.Store 满足此接口
type CacheSizer interface {
	Stats() cache.Stats
}

// Options 聚合器配置
type Options struct {
	MaxSamples     int           // 每类样本的缓冲区容量
	SampleInterval time.Duration // 资源采样间隔，<= 0 时不启动采样协程
	Thresholds     Thresholds
	Cache          CacheSizer   // 可选
	Subscriptions  func() int   // 可选，返回活跃订阅数
	Logger         *logrus.Entry
}

// Aggregator 性能指标聚合器
type Aggregator struct {
	mu          sync.RWMutex
	queries     *Ring[QueryMetric]
	connections *Ring[ConnectionMetric]
	resources   *Ring[ResourceMetric]
	seq         uint64 // 最近一次分配的样本序号，三类样本共用，清空时不重置

	alerts        *AlertEvaluator
	cache         CacheSizer
	subscriptions func() int
	log           *logrus.Entry
	now           func() time.Time

	stopSampler chan struct{}
	samplerDone chan struct{}
	closeOnce   sync.Once
}

// NewAggregator 创建聚合器，SampleInterval > 0 时启动资源采样协程
func NewAggregator(opts Options) *Aggregator {
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithComponent("metrics")
	}

	a := &Aggregator{
		queries:       NewRing[QueryMetric](opts.MaxSamples),
		connections:   NewRing[ConnectionMetric](opts.MaxSamples),
		resources:     NewRing[ResourceMetric](opts.MaxSamples),
		alerts:        NewAlertEvaluator(opts.Thresholds, opts.Logger.WithField("sub", "alerts")),
		cache:         opts.Cache,
		subscriptions: opts.Subscriptions,
		log:           opts.Logger,
		now:           time.Now,
		stopSampler:   make(chan struct{}),
		samplerDone:   make(chan struct{}),
	}

	if opts.SampleInterval > 0 {
		go a.runSampler(opts.SampleInterval)
	} else {
		close(a.samplerDone)
	}

	return a
}

// RecordQuery 记录查询样本并评估阈值
func (a *Aggregator) RecordQuery(m QueryMetric) {
	a.stamp(&m.ID, &m.Timestamp)

	a.mu.Lock()
	m.Seq = a.nextSeqLocked()
	a.queries.Push(m)
	a.mu.Unlock()

	th := a.alerts.Thresholds().QueryDuration
	if m.Duration > th.Warning {
		a.log.WithFields(logrus.Fields{
			"table":       m.Table,
			"operation":   m.Operation,
			"duration_ms": m.Duration.Milliseconds(),
		}).Warn("slow query detected")
	}
	a.alerts.EvaluateQuery(m)
}

// RecordConnection 记录连接样本并评估阈值
func (a *Aggregator) RecordConnection(m ConnectionMetric) {
	a.stamp(&m.ID, &m.Timestamp)
	if m.Status == "" {
		m.Status = a.ConnectionStatusFor(m.Latency, nil)
	}

	a.mu.Lock()
	m.Seq = a.nextSeqLocked()
	a.connections.Push(m)
	a.mu.Unlock()

	th := a.alerts.Thresholds().ConnectionLatency
	if m.Latency > th.Warning {
		a.log.WithFields(logrus.Fields{
			"latency_ms": m.Latency.Milliseconds(),
			"status":     m.Status,
		}).Warn("slow connection detected")
	}
	a.alerts.EvaluateConnection(m)
}

// RecordResource 记录资源样本并评估内存阈值
func (a *Aggregator) RecordResource(m ResourceMetric) {
	a.stamp(&m.ID, &m.Timestamp)

	a.mu.Lock()
	m.Seq = a.nextSeqLocked()
	a.resources.Push(m)
	a.mu.Unlock()

	th := a.alerts.Thresholds().MemoryUsage
	if m.MemoryUsage > th.Warning {
		a.log.WithField("memory_bytes", m.MemoryUsage).Warn("high memory usage detected")
	}
	a.alerts.EvaluateResource(m)
}

// RecordMetric 通用事件入口，按 Type 分发到具体的记录方法
func (a *Aggregator) RecordMetric(ev Event) error {
	switch ev.Type {
	case EventQuery:
		table, op := splitName(ev.Name)
		m := QueryMetric{
			Table:     table,
			Operation: op,
			Duration:  ev.Duration,
			Success:   true,
		}
		if v, ok := ev.Metadata["success"].(bool); ok {
			m.Success = v
		}
		if v, ok := ev.Metadata["error"].(string); ok && v != "" {
			m.Error = v
			m.Success = false
		}
		if v, err := cast.ToIntE(ev.Metadata["rowCount"]); err == nil {
			m.RowCount = v
		}
		if v, ok := ev.Metadata["cacheHit"].(bool); ok {
			m.CacheHit = v
		}
		a.RecordQuery(m)

	case EventConnection:
		m := ConnectionMetric{Latency: ev.Duration}
		if v, ok := ev.Metadata["status"].(string); ok {
			m.Status = ConnectionStatus(v)
		}
		if v, ok := ev.Metadata["error"].(string); ok && v != "" {
			m.Error = v
			m.Status = StatusFailed
		}
		a.RecordConnection(m)

	case EventResource:
		m := ResourceMetric{}
		// 元数据可能来自 JSON 解码，数值统一按宽松规则转换
		if v, err := cast.ToUint64E(ev.Metadata["memoryUsage"]); err == nil {
			m.MemoryUsage = v
		}
		if v, err := cast.ToUint64E(ev.Metadata["memoryTotal"]); err == nil {
			m.MemoryTotal = v
		}
		if v, err := cast.ToFloat64E(ev.Metadata["cpuUsage"]); err == nil {
			m.CPUUsage = v
		}
		if v, err := cast.ToInt64E(ev.Metadata["cacheSize"]); err == nil {
			m.CacheSize = v
		}
		if v, err := cast.ToIntE(ev.Metadata["activeSubscriptions"]); err == nil {
			m.ActiveSubscriptions = v
		}
		a.RecordResource(m)

	default:
		return fmt.Errorf("unknown metric type %q", ev.Type)
	}
	return nil
}

// splitName 将 "table.operation" 拆分，缺少操作名时记为 "unknown"
func splitName(name string) (string, string) {
	if i := strings.LastIndex(name, "."); i > 0 && i < len(name)-1 {
		return name[:i], name[i+1:]
	}
	if name == "" {
		name = "unknown"
	}
	return name, "unknown"
}

// GetStats 计算时间窗口内的统计信息，window <= 0 表示全部样本
func (a *Aggregator) GetStats(window time.Duration) PerformanceStats {
	now := a.now()
	cutoff := a.cutoff(now, window)

	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := PerformanceStats{Window: window, GeneratedAt: now}

	var totalDuration time.Duration
	var cacheHits int
	q := &stats.Queries
	a.queries.Each(func(m QueryMetric) bool {
		if m.Timestamp.Before(cutoff) {
			return true
		}
		q.Total++
		if m.Success {
			q.Successful++
		} else {
			q.Failed++
		}
		if m.CacheHit {
			cacheHits++
		}
		totalDuration += m.Duration
		if q.Total == 1 || m.Duration < q.MinDuration {
			q.MinDuration = m.Duration
		}
		if m.Duration > q.MaxDuration {
			q.MaxDuration = m.Duration
		}
		return true
	})
	if q.Total > 0 {
		q.ErrorRate = float64(q.Failed) / float64(q.Total)
		q.CacheHitRate = float64(cacheHits) / float64(q.Total)
		q.AvgDuration = totalDuration / time.Duration(q.Total)
	}

	var totalLatency time.Duration
	c := &stats.Connections
	a.connections.Each(func(m ConnectionMetric) bool {
		if m.Timestamp.Before(cutoff) {
			return true
		}
		c.Total++
		totalLatency += m.Latency
		switch m.Status {
		case StatusHealthy:
			c.Healthy++
		case StatusDegraded:
			c.Degraded++
		case StatusFailed:
			c.Failed++
		}
		return true
	})
	if c.Total > 0 {
		c.AvgLatency = totalLatency / time.Duration(c.Total)
	}

	if last, ok := a.resources.Last(); ok && !last.Timestamp.Before(cutoff) {
		stats.Resources = &last
	}

	return stats
}

// GetQueryBreakdown 按 "table.operation" 分组统计窗口内的查询
func (a *Aggregator) GetQueryBreakdown(window time.Duration) map[string]QueryAggregate {
	cutoff := a.cutoff(a.now(), window)

	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]QueryAggregate)
	a.queries.Each(func(m QueryMetric) bool {
		if m.Timestamp.Before(cutoff) {
			return true
		}
		key := m.Table + "." + m.Operation
		agg := out[key]
		agg.Count++
		agg.TotalDuration += m.Duration
		if agg.Count == 1 || m.Duration < agg.MinDuration {
			agg.MinDuration = m.Duration
		}
		if m.Duration > agg.MaxDuration {
			agg.MaxDuration = m.Duration
		}
		if m.Success {
			agg.SuccessCount++
		} else {
			agg.ErrorCount++
		}
		if m.CacheHit {
			agg.CacheHits++
		}
		out[key] = agg
		return true
	})

	for key, agg := range out {
		agg.AvgDuration = agg.TotalDuration / time.Duration(agg.Count)
		out[key] = agg
	}
	return out
}

// ExportMetrics 返回所有缓冲区的副本
func (a *Aggregator) ExportMetrics() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return Snapshot{
		ExportedAt:  a.now(),
		Queries:     a.queries.Slice(),
		Connections: a.connections.Slice(),
		Resources:   a.resources.Slice(),
	}
}

// ClearMetrics 清空所有缓冲区，阈值与回调保持不变
func (a *Aggregator) ClearMetrics() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.queries.Reset()
	a.connections.Reset()
	a.resources.Reset()
}

// OnAlert 注册告警回调
func (a *Aggregator) OnAlert(handler AlertHandler) {
	a.alerts.OnAlert(handler)
}

// UpdateThresholds 部分更新告警阈值
func (a *Aggregator) UpdateThresholds(update ThresholdsUpdate) Thresholds {
	return a.alerts.UpdateThresholds(update)
}

// Thresholds 返回当前告警阈值
func (a *Aggregator) Thresholds() Thresholds {
	return a.alerts.Thresholds()
}

// ConnectionStatusFor 根据延迟与错误推导连接状态
func (a *Aggregator) ConnectionStatusFor(latency time.Duration, err error) ConnectionStatus {
	if err != nil {
		return StatusFailed
	}
	th := a.alerts.Thresholds().ConnectionLatency
	switch {
	case latency > th.Critical:
		return StatusFailed
	case latency > th.Warning:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// SampleResources 立即采集一次进程资源样本
func (a *Aggregator) SampleResources() ResourceMetric {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := ResourceMetric{
		MemoryUsage: ms.HeapAlloc,
		MemoryTotal: ms.Sys,
		Goroutines:  runtime.NumGoroutine(),
	}
	if a.cache != nil {
		m.CacheSize = a.cache.Stats().Size
	}
	if a.subscriptions != nil {
		m.ActiveSubscriptions = a.subscriptions()
	}

	a.RecordResource(m)
	return m
}

// Close 停止资源采样协程，可重复调用
func (a *Aggregator) Close() error {
	a.closeOnce.Do(func() {
		close(a.stopSampler)
	})
	<-a.samplerDone
	return nil
}

func (a *Aggregator) runSampler(interval time.Duration) {
	defer close(a.samplerDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.sampleSafely()
		case <-a.stopSampler:
			return
		}
	}
}

func (a *Aggregator) sampleSafely() {
	defer func() {
		if r := recover(); r != nil {
			a.log.WithField("panic", r).Error("resource sampler panicked")
		}
	}()
	a.SampleResources()
}

func (a *Aggregator) stamp(id *string, ts *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if ts.IsZero() {
		*ts = a.now()
	}
}

func (a *Aggregator) nextSeqLocked() uint64 {
	a.seq++
	return a.seq
}

func (a *Aggregator) cutoff(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return time.Time{}
	}
	return now.Add(-window)
}

var _ Recorder = (*Aggregator)(nil)
