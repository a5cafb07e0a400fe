// Package exporter 把聚合器中的样本和告警写入 InfluxDB。
package exporter

import (
	"context"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"erpcache/pkg/config"
	"erpcache/pkg/errors"
	"erpcache/pkg/logger"
	"erpcache/pkg/metrics"
)

const (
	measurementQuery      = "erp_query"
	measurementConnection = "erp_connection"
	measurementResource   = "erp_resource"
	measurementAlert      = "erp_alert"
)

// Source 样本来源，metrics.Aggregator 满足此接口
type Source interface {
	ExportMetrics() metrics.Snapshot
}

// PointWriter 非阻塞的点写入，api.WriteAPI 满足此接口
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// ExportResult 一次导出写入的点数
type ExportResult struct {
	Queries     int `json:"queries"`
	Connections int `json:"connections"`
	Resources   int `json:"resources"`
}

// Total 总点数
func (r ExportResult) Total() int {
	return r.Queries + r.Connections + r.Resources
}

// InfluxSink 增量导出样本，只写入上次导出之后的样本
type InfluxSink struct {
	source Source
	writer PointWriter
	client influxdb2.Client
	log    *logrus.Entry

	mu             sync.Mutex
	lastQuery      uint64 // 已导出样本的最大序号
	lastConnection uint64
	lastResource   uint64
	closed         bool

	stopErrors chan struct{}
	errorsDone chan struct{}
	closeOnce  sync.Once
}

// NewInfluxSink 连接 InfluxDB 并创建导出器，连接健康检查失败时返回错误
func NewInfluxSink(ctx context.Context, cfg config.InfluxConfig, source Source) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, errors.WrapError(errors.ErrConnectionFailure, "connect to InfluxDB", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, errors.NewError(errors.ErrConnectionFailure,
			fmt.Sprintf("InfluxDB health check failed: %s", health.Status))
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	sink := NewSink(writeAPI, source)
	sink.client = client
	sink.log = sink.log.WithFields(logrus.Fields{"org": cfg.Org, "bucket": cfg.Bucket})

	sink.stopErrors = make(chan struct{})
	sink.errorsDone = make(chan struct{})
	go sink.handleWriteErrors(writeAPI)

	return sink, nil
}

// NewSink 使用给定的写入方创建导出器
func NewSink(writer PointWriter, source Source) *InfluxSink {
	return &InfluxSink{
		source: source,
		writer: writer,
		log:    logger.WithComponent("exporter"),
	}
}

// Export 写入上次导出之后的新样本并刷新缓冲
func (s *InfluxSink) Export(ctx context.Context) (ExportResult, error) {
	if err := ctx.Err(); err != nil {
		return ExportResult{}, err
	}

	snap := s.source.ExportMetrics()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ExportResult{}, closedError()
	}

	var res ExportResult
	for _, q := range snap.Queries {
		if q.Seq <= s.lastQuery {
			continue
		}
		s.writer.WritePoint(queryPoint(q))
		s.lastQuery = q.Seq
		res.Queries++
	}
	for _, c := range snap.Connections {
		if c.Seq <= s.lastConnection {
			continue
		}
		s.writer.WritePoint(connectionPoint(c))
		s.lastConnection = c.Seq
		res.Connections++
	}
	for _, r := range snap.Resources {
		if r.Seq <= s.lastResource {
			continue
		}
		s.writer.WritePoint(resourcePoint(r))
		s.lastResource = r.Seq
		res.Resources++
	}

	if res.Total() > 0 {
		s.writer.Flush()
	}

	s.log.WithFields(logrus.Fields{
		"queries":     res.Queries,
		"connections": res.Connections,
		"resources":   res.Resources,
	}).Debug("exported samples")

	return res, nil
}

// WriteAlert 写入一条告警，可直接注册为告警回调
func (s *InfluxSink) WriteAlert(alert metrics.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return closedError()
	}
	s.writer.WritePoint(alertPoint(alert))
	return nil
}

// Close 刷新缓冲并关闭客户端
func (s *InfluxSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.writer.Flush()
		if s.stopErrors != nil {
			close(s.stopErrors)
			<-s.errorsDone
		}
		if s.client != nil {
			s.client.Close()
		}
	})
}

func closedError() error {
	return errors.NewError(errors.ErrInternal, "exporter is closed")
}

func (s *InfluxSink) handleWriteErrors(writeAPI api.WriteAPI) {
	defer close(s.errorsDone)

	errorsCh := writeAPI.Errors()
	for {
		select {
		case <-s.stopErrors:
			return
		case err := <-errorsCh:
			if err != nil {
				s.log.WithError(err).Error("InfluxDB write error")
			}
		}
	}
}

func queryPoint(q metrics.QueryMetric) *write.Point {
	p := influxdb2.NewPointWithMeasurement(measurementQuery).
		AddTag("table", q.Table).
		AddTag("operation", q.Operation).
		AddTag("success", fmt.Sprintf("%t", q.Success)).
		AddTag("cache_hit", fmt.Sprintf("%t", q.CacheHit)).
		AddField("duration_ms", durationMs(q.Duration)).
		AddField("row_count", q.RowCount).
		SetTime(q.Timestamp)
	if q.Error != "" {
		p.AddField("error", q.Error)
	}
	return p.SortTags().SortFields()
}

func connectionPoint(c metrics.ConnectionMetric) *write.Point {
	p := influxdb2.NewPointWithMeasurement(measurementConnection).
		AddTag("status", string(c.Status)).
		AddField("latency_ms", durationMs(c.Latency)).
		SetTime(c.Timestamp)
	if c.Error != "" {
		p.AddField("error", c.Error)
	}
	return p.SortFields()
}

func resourcePoint(r metrics.ResourceMetric) *write.Point {
	return influxdb2.NewPointWithMeasurement(measurementResource).
		AddField("memory_usage", r.MemoryUsage).
		AddField("memory_total", r.MemoryTotal).
		AddField("cpu_usage", r.CPUUsage).
		AddField("cache_size", r.CacheSize).
		AddField("active_subscriptions", r.ActiveSubscriptions).
		AddField("goroutines", r.Goroutines).
		SetTime(r.Timestamp).
		SortFields()
}

func alertPoint(a metrics.Alert) *write.Point {
	ts := a.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPointWithMeasurement(measurementAlert).
		AddTag("kind", string(a.Kind)).
		AddTag("severity", string(a.Severity)).
		AddField("message", a.Message).
		SetTime(ts).
		SortTags()
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
