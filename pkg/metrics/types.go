// Package metrics 提供查询、连接和资源三类性能样本的有界采集、时间窗口统计，
// 以及基于阈值的告警评估。
package metrics

import (
	"time"
)

// ConnectionStatus 连接健康状态
type ConnectionStatus string

const (
	StatusHealthy  ConnectionStatus = "healthy"
	StatusDegraded ConnectionStatus = "degraded"
	StatusFailed   ConnectionStatus = "failed"
)

// QueryMetric 一次数据查询（或缓存读取）的样本
type QueryMetric struct {
	ID        string        `json:"id"`
	Seq       uint64        `json:"seq"` // 聚合器内单调递增的记录序号
	Timestamp time.Time     `json:"timestamp"`
	Table     string        `json:"table"`
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	RowCount  int           `json:"row_count,omitempty"`
	CacheHit  bool          `json:"cache_hit"`
}

// ConnectionMetric 一次连接探测的样本
type ConnectionMetric struct {
	ID        string           `json:"id"`
	Seq       uint64           `json:"seq"`
	Timestamp time.Time        `json:"timestamp"`
	Latency   time.Duration    `json:"latency"`
	Status    ConnectionStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
}

// ResourceMetric 进程资源使用样本
type ResourceMetric struct {
	ID                  string    `json:"id"`
	Seq                 uint64    `json:"seq"`
	Timestamp           time.Time `json:"timestamp"`
	MemoryUsage         uint64    `json:"memory_usage"` // 字节
	MemoryTotal         uint64    `json:"memory_total"` // 字节
	CPUUsage            float64   `json:"cpu_usage"`    // 百分比
	CacheSize           int64     `json:"cache_size"`
	ActiveSubscriptions int       `json:"active_subscriptions"`
	Goroutines          int       `json:"goroutines"`
}

// EventType 通用事件类型
type EventType string

const (
	EventQuery      EventType = "query"
	EventConnection EventType = "connection"
	EventResource   EventType = "resource"
)

// Event 通用的指标事件，由 RecordMetric 按 Type 分发
type Event struct {
	Type     EventType              `json:"type"`
	Name     string                 `json:"name"` // 查询事件为 "table.operation"
	Duration time.Duration          `json:"duration"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// QueryStats 窗口内的查询统计
type QueryStats struct {
	Total        int           `json:"total"`
	Successful   int           `json:"successful"`
	Failed       int           `json:"failed"`
	ErrorRate    float64       `json:"error_rate"`
	AvgDuration  time.Duration `json:"avg_duration"`
	MinDuration  time.Duration `json:"min_duration"`
	MaxDuration  time.Duration `json:"max_duration"`
	CacheHitRate float64       `json:"cache_hit_rate"`
}

// ConnectionStats 窗口内的连接统计
type ConnectionStats struct {
	Total      int           `json:"total"`
	AvgLatency time.Duration `json:"avg_latency"`
	Healthy    int           `json:"healthy"`
	Degraded   int           `json:"degraded"`
	Failed     int           `json:"failed"`
}

// PerformanceStats GetStats 的返回值
type PerformanceStats struct {
	Window      time.Duration   `json:"window"`
	GeneratedAt time.Time       `json:"generated_at"`
	Queries     QueryStats      `json:"queries"`
	Connections ConnectionStats `json:"connections"`
	Resources   *ResourceMetric `json:"resources,omitempty"` // 最近一次资源样本
}

// QueryAggregate 按 table.operation 分组的查询汇总
type QueryAggregate struct {
	Count         int           `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	AvgDuration   time.Duration `json:"avg_duration"`
	MaxDuration   time.Duration `json:"max_duration"`
	MinDuration   time.Duration `json:"min_duration"`
	SuccessCount  int           `json:"success_count"`
	ErrorCount    int           `json:"error_count"`
	CacheHits     int           `json:"cache_hits"`
}

// Snapshot 三类缓冲区的完整副本
type Snapshot struct {
	ExportedAt  time.Time          `json:"exported_at"`
	Queries     []QueryMetric      `json:"queries"`
	Connections []ConnectionMetric `json:"connections"`
	Resources   []ResourceMetric   `json:"resources"`
}

// Recorder 查询与连接样本的接收方，由 Aggregator 实现
type Recorder interface {
	RecordQuery(m QueryMetric)
	RecordConnection(m ConnectionMetric)
}
