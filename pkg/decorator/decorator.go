// Package decorator 提供显式组合的调用装饰器：计时并记录查询样本、连接探测、熔断。
// 装饰器包装一个调用并返回新的调用，在调用点按顺序组合，不修改任何共享对象。
package decorator

import (
	"context"
	"time"

	"erpcache/pkg/metrics"
)

// QueryFunc 一次对外部数据源的调用
type QueryFunc[T any] func(ctx context.Context) (T, error)

// Decorator 包装 QueryFunc
type Decorator[T any] func(next QueryFunc[T]) QueryFunc[T]

// Chain 按顺序组合装饰器，第一个装饰器在最外层
func Chain[T any](fn QueryFunc[T], decorators ...Decorator[T]) QueryFunc[T] {
	for i := len(decorators) - 1; i >= 0; i-- {
		if decorators[i] != nil {
			fn = decorators[i](fn)
		}
	}
	return fn
}

type queryOptions[T any] struct {
	rowCount func(T) int
	cacheHit bool
}

// QueryOption 查询计时选项
type QueryOption[T any] func(*queryOptions[T])

// WithRowCounter 用结果计算样本的行数
func WithRowCounter[T any](count func(T) int) QueryOption[T] {
	return func(o *queryOptions[T]) {
		o.rowCount = count
	}
}

// WithCacheHit 标记样本来自缓存
func WithCacheHit[T any]() QueryOption[T] {
	return func(o *queryOptions[T]) {
		o.cacheHit = true
	}
}

// InstrumentQuery 对每次调用计时，并以 table/operation 记录一个查询样本
func InstrumentQuery[T any](rec metrics.Recorder, table, operation string, fn QueryFunc[T], opts ...QueryOption[T]) QueryFunc[T] {
	var o queryOptions[T]
	for _, opt := range opts {
		opt(&o)
	}

	return func(ctx context.Context) (T, error) {
		start := time.Now()
		v, err := fn(ctx)

		m := metrics.QueryMetric{
			Table:     table,
			Operation: operation,
			Duration:  time.Since(start),
			Success:   err == nil,
			CacheHit:  o.cacheHit,
		}
		if err != nil {
			m.Error = err.Error()
		} else if o.rowCount != nil {
			m.RowCount = o.rowCount(v)
		}
		if rec != nil {
			rec.RecordQuery(m)
		}
		return v, err
	}
}

// Instrumented 返回 InstrumentQuery 形式的装饰器，便于放入 Chain
func Instrumented[T any](rec metrics.Recorder, table, operation string, opts ...QueryOption[T]) Decorator[T] {
	return func(next QueryFunc[T]) QueryFunc[T] {
		return InstrumentQuery(rec, table, operation, next, opts...)
	}
}

// PingFunc 连接探测
type PingFunc func(ctx context.Context) error

// InstrumentConnection 对连接探测计时并记录连接样本。
// 探测失败时状态为 failed，成功时由记录方按延迟阈值判定。
func InstrumentConnection(rec metrics.Recorder, ping PingFunc) func(ctx context.Context) (time.Duration, error) {
	return func(ctx context.Context) (time.Duration, error) {
		start := time.Now()
		err := ping(ctx)
		latency := time.Since(start)

		m := metrics.ConnectionMetric{Latency: latency}
		if err != nil {
			m.Status = metrics.StatusFailed
			m.Error = err.Error()
		}
		if rec != nil {
			rec.RecordConnection(m)
		}
		return latency, err
	}
}
