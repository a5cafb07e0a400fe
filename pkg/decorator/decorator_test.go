package decorator

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpcache/pkg/config"
	"erpcache/pkg/errors"
	"erpcache/pkg/metrics"
)

type mockRecorder struct {
	mu          sync.Mutex
	queries     []metrics.QueryMetric
	connections []metrics.ConnectionMetric
}

func (m *mockRecorder) RecordQuery(q metrics.QueryMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
}

func (m *mockRecorder) RecordConnection(c metrics.ConnectionMetric) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections = append(m.connections, c)
}

func TestInstrumentQuery(t *testing.T) {
	rec := &mockRecorder{}
	rows := []string{"a", "b", "c"}

	fn := InstrumentQuery(rec, "orders", "select", func(context.Context) ([]string, error) {
		time.Sleep(5 * time.Millisecond)
		return rows, nil
	}, WithRowCounter(func(v []string) int { return len(v) }))

	got, err := fn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	require.Len(t, rec.queries, 1)
	q := rec.queries[0]
	assert.Equal(t, "orders", q.Table)
	assert.Equal(t, "select", q.Operation)
	assert.True(t, q.Success)
	assert.Equal(t, 3, q.RowCount)
	assert.False(t, q.CacheHit)
	assert.GreaterOrEqual(t, q.Duration, 5*time.Millisecond)
}

func TestInstrumentQuery_Failure(t *testing.T) {
	rec := &mockRecorder{}
	cause := stderrors.New("deadlock detected")

	fn := InstrumentQuery(rec, "stock", "update", func(context.Context) (int, error) {
		return 0, cause
	}, WithRowCounter(func(int) int { return 99 }), WithCacheHit[int]())

	_, err := fn(context.Background())
	assert.ErrorIs(t, err, cause)

	require.Len(t, rec.queries, 1)
	assert.False(t, rec.queries[0].Success)
	assert.Equal(t, "deadlock detected", rec.queries[0].Error)
	assert.Zero(t, rec.queries[0].RowCount, "失败的调用不计算行数")
	assert.True(t, rec.queries[0].CacheHit)
}

func TestInstrumentQuery_NilRecorder(t *testing.T) {
	fn := InstrumentQuery(nil, "t", "op", func(context.Context) (int, error) { return 1, nil })
	v, err := fn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestInstrumentConnection(t *testing.T) {
	rec := &mockRecorder{}

	probe := InstrumentConnection(rec, func(context.Context) error { return nil })
	_, err := probe(context.Background())
	require.NoError(t, err)

	failing := InstrumentConnection(rec, func(context.Context) error { return stderrors.New("connection refused") })
	_, err = failing(context.Background())
	require.Error(t, err)

	require.Len(t, rec.connections, 2)
	assert.Empty(t, rec.connections[0].Status, "成功探测的状态由记录方判定")
	assert.Equal(t, metrics.StatusFailed, rec.connections[1].Status)
	assert.Equal(t, "connection refused", rec.connections[1].Error)
}

func TestInstrumentConnection_WithAggregator(t *testing.T) {
	agg := metrics.NewAggregator(metrics.Options{})
	defer agg.Close()

	probe := InstrumentConnection(agg, func(context.Context) error { return nil })
	_, err := probe(context.Background())
	require.NoError(t, err)

	stats := agg.GetStats(time.Minute)
	assert.Equal(t, 1, stats.Connections.Total)
	assert.Equal(t, 1, stats.Connections.Healthy)
}

func TestWithCircuitBreaker(t *testing.T) {
	cb := NewCircuitBreaker("erp-db", config.BreakerConfig{
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 2,
	})

	calls := 0
	cause := errors.NewError(errors.ErrConnectionFailure, "db down")
	fn := WithCircuitBreaker(cb, func(context.Context) (string, error) {
		calls++
		return "", cause
	})

	for i := 0; i < 2; i++ {
		_, err := fn(context.Background())
		assert.ErrorIs(t, err, cause)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := fn(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCircuitOpen))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, calls, "熔断打开后不再调用下游")
}

func TestWithCircuitBreaker_Success(t *testing.T) {
	cb := NewCircuitBreaker("erp-db", config.Default().Breaker)

	fn := WithCircuitBreaker(cb, func(context.Context) (*int, error) {
		return nil, nil
	})
	v, err := fn(context.Background())
	require.NoError(t, err)
	assert.Nil(t, v)

	fn2 := WithCircuitBreaker(cb, func(context.Context) (int, error) { return 42, nil })
	n, err := fn2(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}

func TestChain_Order(t *testing.T) {
	var order []string
	trace := func(name string) Decorator[int] {
		return func(next QueryFunc[int]) QueryFunc[int] {
			return func(ctx context.Context) (int, error) {
				order = append(order, name+":before")
				v, err := next(ctx)
				order = append(order, name+":after")
				return v, err
			}
		}
	}

	fn := Chain(func(context.Context) (int, error) {
		order = append(order, "call")
		return 1, nil
	}, trace("outer"), nil, trace("inner"))

	_, err := fn(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"outer:before", "inner:before", "call", "inner:after", "outer:after"}, order)
}

func TestChain_InstrumentedBreaker(t *testing.T) {
	rec := &mockRecorder{}
	cb := NewCircuitBreaker("erp-db", config.BreakerConfig{MaxRequests: 1, Timeout: time.Minute, FailureThreshold: 1})

	fn := Chain(func(context.Context) (int, error) {
		return 0, errors.NewError(errors.ErrConnectionTimeout, "timeout")
	}, Instrumented[int](rec, "orders", "select"), CircuitBreaker[int](cb))

	_, err := fn(context.Background())
	require.Error(t, err)
	_, err = fn(context.Background())
	assert.True(t, errors.IsCode(err, errors.ErrCircuitOpen))

	require.Len(t, rec.queries, 2, "熔断拒绝同样被记录")
	assert.Contains(t, rec.queries[1].Error, "CIRCUIT_OPEN")
}
