package metrics

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"erpcache/pkg/config"
)

// Severity 告警级别
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AlertKind 告警来源
type AlertKind string

const (
	AlertSlowQuery         AlertKind = "slow_query"
	AlertConnectionLatency AlertKind = "connection_latency"
	AlertMemoryUsage       AlertKind = "memory_usage"
)

// DurationBound 时长类阈值
type DurationBound struct {
	Warning  time.Duration `json:"warning"`
	Critical time.Duration `json:"critical"`
}

// ByteBound 字节类阈值
type ByteBound struct {
	Warning  uint64 `json:"warning"`
	Critical uint64 `json:"critical"`
}

// Thresholds 告警阈值
type Thresholds struct {
	QueryDuration     DurationBound `json:"query_duration"`
	ConnectionLatency DurationBound `json:"connection_latency"`
	MemoryUsage       ByteBound     `json:"memory_usage"`
}

// DefaultThresholds 返回默认阈值
func DefaultThresholds() Thresholds {
	return Thresholds{
		QueryDuration:     DurationBound{Warning: time.Second, Critical: 5 * time.Second},
		ConnectionLatency: DurationBound{Warning: 500 * time.Millisecond, Critical: 2 * time.Second},
		MemoryUsage:       ByteBound{Warning: 512 * 1024 * 1024, Critical: 1024 * 1024 * 1024},
	}
}

// ThresholdsFromConfig 由配置文件构造阈值
func ThresholdsFromConfig(cfg config.ThresholdsConfig) Thresholds {
	return Thresholds{
		QueryDuration:     DurationBound{Warning: cfg.QueryWarning, Critical: cfg.QueryCritical},
		ConnectionLatency: DurationBound{Warning: cfg.ConnectionWarning, Critical: cfg.ConnectionCritical},
		MemoryUsage:       ByteBound{Warning: cfg.MemoryWarning, Critical: cfg.MemoryCritical},
	}
}

// ThresholdsUpdate 部分更新，nil 字段保持不变
type ThresholdsUpdate struct {
	QueryWarning       *time.Duration `json:"query_warning,omitempty"`
	QueryCritical      *time.Duration `json:"query_critical,omitempty"`
	ConnectionWarning  *time.Duration `json:"connection_warning,omitempty"`
	ConnectionCritical *time.Duration `json:"connection_critical,omitempty"`
	MemoryWarning      *uint64        `json:"memory_warning,omitempty"`
	MemoryCritical     *uint64        `json:"memory_critical,omitempty"`
}

func (t Thresholds) merge(u ThresholdsUpdate) Thresholds {
	if u.QueryWarning != nil {
		t.QueryDuration.Warning = *u.QueryWarning
	}
	if u.QueryCritical != nil {
		t.QueryDuration.Critical = *u.QueryCritical
	}
	if u.ConnectionWarning != nil {
		t.ConnectionLatency.Warning = *u.ConnectionWarning
	}
	if u.ConnectionCritical != nil {
		t.ConnectionLatency.Critical = *u.ConnectionCritical
	}
	if u.MemoryWarning != nil {
		t.MemoryUsage.Warning = *u.MemoryWarning
	}
	if u.MemoryCritical != nil {
		t.MemoryUsage.Critical = *u.MemoryCritical
	}
	return t
}

// Alert 告警
type Alert struct {
	Kind      AlertKind   `json:"kind"`
	Severity  Severity    `json:"severity"`
	Message   string      `json:"message"`
	Sample    interface{} `json:"sample"` // 触发告警的样本
	Warning   interface{} `json:"warning"`
	Critical  interface{} `json:"critical"`
	Timestamp time.Time   `json:"timestamp"`
}

// AlertHandler 告警回调，返回的错误只会被记录
type AlertHandler func(alert Alert) error

// AlertEvaluator 按阈值评估样本并通知所有订阅者
type AlertEvaluator struct {
	mu         sync.RWMutex
	thresholds Thresholds
	handlers   []AlertHandler
	printer    *message.Printer
	log        *logrus.Entry
	now        func() time.Time
}

// NewAlertEvaluator 创建告警评估器
func NewAlertEvaluator(thresholds Thresholds, log *logrus.Entry) *AlertEvaluator {
	return &AlertEvaluator{
		thresholds: thresholds,
		printer:    message.NewPrinter(language.English),
		log:        log,
		now:        time.Now,
	}
}

// OnAlert 注册告警回调，按注册顺序调用
func (e *AlertEvaluator) OnAlert(handler AlertHandler) {
	if handler == nil {
		return
	}
	e.mu.Lock()
	e.handlers = append(e.handlers, handler)
	e.mu.Unlock()
}

// UpdateThresholds 合并非空字段
func (e *AlertEvaluator) UpdateThresholds(update ThresholdsUpdate) Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thresholds = e.thresholds.merge(update)
	e.log.WithField("thresholds", fmt.Sprintf("%+v", e.thresholds)).Info("alert thresholds updated")
	return e.thresholds
}

// Thresholds 返回当前阈值
func (e *AlertEvaluator) Thresholds() Thresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds
}

func severityFor[T time.Duration | uint64](value, warning, critical T) (Severity, bool) {
	switch {
	case value > critical:
		return SeverityCritical, true
	case value > warning:
		return SeverityWarning, true
	default:
		return "", false
	}
}

// EvaluateQuery 评估查询样本，每个样本至多产生一条告警
func (e *AlertEvaluator) EvaluateQuery(m QueryMetric) (Alert, bool) {
	bound := e.Thresholds().QueryDuration
	sev, ok := severityFor(m.Duration, bound.Warning, bound.Critical)
	if !ok {
		return Alert{}, false
	}

	alert := Alert{
		Kind:     AlertSlowQuery,
		Severity: sev,
		Message: e.printer.Sprintf("%s query on %s.%s took %d ms (warning %d ms, critical %d ms)",
			sev, m.Table, m.Operation, m.Duration.Milliseconds(), bound.Warning.Milliseconds(), bound.Critical.Milliseconds()),
		Sample:   m,
		Warning:  bound.Warning,
		Critical: bound.Critical,
	}
	e.dispatch(&alert)
	return alert, true
}

// EvaluateConnection 评估连接样本
func (e *AlertEvaluator) EvaluateConnection(m ConnectionMetric) (Alert, bool) {
	bound := e.Thresholds().ConnectionLatency
	sev, ok := severityFor(m.Latency, bound.Warning, bound.Critical)
	if !ok {
		return Alert{}, false
	}

	alert := Alert{
		Kind:     AlertConnectionLatency,
		Severity: sev,
		Message: e.printer.Sprintf("%s connection latency %d ms (warning %d ms, critical %d ms)",
			sev, m.Latency.Milliseconds(), bound.Warning.Milliseconds(), bound.Critical.Milliseconds()),
		Sample:   m,
		Warning:  bound.Warning,
		Critical: bound.Critical,
	}
	e.dispatch(&alert)
	return alert, true
}

// EvaluateResource 评估资源样本的内存占用
func (e *AlertEvaluator) EvaluateResource(m ResourceMetric) (Alert, bool) {
	bound := e.Thresholds().MemoryUsage
	sev, ok := severityFor(m.MemoryUsage, bound.Warning, bound.Critical)
	if !ok {
		return Alert{}, false
	}

	alert := Alert{
		Kind:     AlertMemoryUsage,
		Severity: sev,
		Message: e.printer.Sprintf("%s memory usage %d bytes (warning %d bytes, critical %d bytes)",
			sev, m.MemoryUsage, bound.Warning, bound.Critical),
		Sample:   m,
		Warning:  bound.Warning,
		Critical: bound.Critical,
	}
	e.dispatch(&alert)
	return alert, true
}

// dispatch 依次调用回调；单个回调出错或 panic 不影响其他回调
func (e *AlertEvaluator) dispatch(alert *Alert) {
	alert.Timestamp = e.now()

	e.mu.RLock()
	handlers := make([]AlertHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	for i, h := range handlers {
		e.invoke(i, h, *alert)
	}
}

func (e *AlertEvaluator) invoke(index int, h AlertHandler, alert Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"handler": index,
				"kind":    alert.Kind,
				"panic":   r,
			}).Error("alert handler panicked")
		}
	}()

	if err := h(alert); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{
			"handler": index,
			"kind":    alert.Kind,
		}).Warn("alert handler failed")
	}
}
