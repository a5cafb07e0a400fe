package fetch

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpcache/pkg/cache"
	"erpcache/pkg/errors"
	"erpcache/pkg/metrics"
)

type product struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// recordingRecorder 收集所有查询样本
type recordingRecorder struct {
	mu      sync.Mutex
	queries []metrics.QueryMetric
}

func (r *recordingRecorder) RecordQuery(m metrics.QueryMetric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queries = append(r.queries, m)
}

func (r *recordingRecorder) RecordConnection(metrics.ConnectionMetric) {}

func (r *recordingRecorder) snapshot() []metrics.QueryMetric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]metrics.QueryMetric(nil), r.queries...)
}

// brokenStore 所有读写都返回后端错误
type brokenStore struct {
	cache.Store
}

func (brokenStore) Get(context.Context, string) (interface{}, error) {
	return nil, errors.NewError(errors.ErrCacheBackend, "storage unavailable")
}

func (brokenStore) GetStale(context.Context, string) (*cache.Entry, error) {
	return nil, errors.NewError(errors.ErrCacheBackend, "storage unavailable")
}

func (brokenStore) Set(context.Context, string, interface{}, cache.SetOptions) error {
	return errors.NewError(errors.ErrQuotaExceeded, "quota exceeded")
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         20 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	}
}

func newTestOrchestrator(t *testing.T, opts cache.Options) (*Orchestrator, *cache.MemoryStore, *recordingRecorder) {
	t.Helper()
	store := cache.NewMemoryStore(opts)
	t.Cleanup(func() { store.Close() })
	rec := &recordingRecorder{}
	return NewOrchestrator(store, rec, fastRetry()), store, rec
}

func TestFetchWithCache_MissThenHit(t *testing.T) {
	o, store, rec := newTestOrchestrator(t, cache.Options{})
	ctx := context.Background()

	var calls int32
	fetcher := func(context.Context) (product, error) {
		atomic.AddInt32(&calls, 1)
		return product{ID: 1, Name: "widget"}, nil
	}

	opts := Options{Tags: []string{"inventory"}, Table: "products", Operation: "select"}
	v, err := FetchWithCache(ctx, o, "p:1", fetcher, opts)
	require.NoError(t, err)
	assert.Equal(t, product{ID: 1, Name: "widget"}, v)

	v, err = FetchWithCache(ctx, o, "p:1", fetcher, opts)
	require.NoError(t, err)
	assert.Equal(t, "widget", v.Name)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "第二次调用应命中缓存")

	n, err := store.InvalidateByTag(ctx, "inventory")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	queries := rec.snapshot()
	require.Len(t, queries, 2)
	assert.False(t, queries[0].CacheHit)
	assert.True(t, queries[0].Success)
	assert.True(t, queries[1].CacheHit)
	assert.Equal(t, "products", queries[1].Table)
	assert.Equal(t, "select", queries[1].Operation)
}

// TestFetchWithCache_StaleWhileRevalidate 过期值立即返回，后台刷新完成后缓存更新
func TestFetchWithCache_StaleWhileRevalidate(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, cache.Options{StaleWindow: time.Hour})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "p:1", product{ID: 1, Name: "old"}, cache.SetOptions{TTL: 20 * time.Millisecond}))
	time.Sleep(40 * time.Millisecond)

	release := make(chan struct{})
	fetcher := func(context.Context) (product, error) {
		<-release
		return product{ID: 1, Name: "new"}, nil
	}

	reqCtx, cancel := context.WithCancel(ctx)
	start := time.Now()
	v, err := FetchWithCache(reqCtx, o, "p:1", fetcher, Options{TTL: time.Minute, StaleWhileRevalidate: true})
	elapsed := time.Since(start)
	cancel()

	require.NoError(t, err)
	assert.Equal(t, "old", v.Name)
	assert.Less(t, elapsed, 500*time.Millisecond, "不应等待后台获取")

	close(release)
	o.Wait()

	fresh, err := store.Get(ctx, "p:1")
	require.NoError(t, err)
	assert.Equal(t, product{ID: 1, Name: "new"}, fresh)
}

// TestFetchWithCache_BackgroundFailureKeepsStale 后台刷新失败时保留旧值
func TestFetchWithCache_BackgroundFailureKeepsStale(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, cache.Options{StaleWindow: time.Hour})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "p:1", product{Name: "old"}, cache.SetOptions{TTL: 20 * time.Millisecond}))
	time.Sleep(40 * time.Millisecond)

	fetcher := func(context.Context) (product, error) {
		return product{}, stderrors.New("permission denied")
	}

	v, err := FetchWithCache(ctx, o, "p:1", fetcher, Options{StaleWhileRevalidate: true})
	require.NoError(t, err)
	assert.Equal(t, "old", v.Name)
	o.Wait()

	entry, err := store.GetStale(ctx, "p:1")
	require.NoError(t, err)
	assert.Equal(t, product{Name: "old"}, entry.Value)
}

// TestFetchWithCache_RetryBackoff 两次可重试错误后成功
func TestFetchWithCache_RetryBackoff(t *testing.T) {
	o, _, rec := newTestOrchestrator(t, cache.Options{})

	var calls int32
	fetcher := func(context.Context) (product, error) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			return product{}, errors.NewError(errors.ErrConnectionTimeout, "db timeout")
		}
		return product{ID: 7}, nil
	}

	start := time.Now()
	v, err := FetchWithCache(context.Background(), o, "p:7", fetcher, Options{})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, 7, v.ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond+40*time.Millisecond)

	queries := rec.snapshot()
	require.Len(t, queries, 3)
	assert.False(t, queries[0].Success)
	assert.Contains(t, queries[0].Error, "db timeout")
	assert.False(t, queries[1].Success)
	assert.True(t, queries[2].Success)
}

// TestFetchWithCache_NonRetryable 不可重试错误只调用一次
func TestFetchWithCache_NonRetryable(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, cache.Options{})

	cause := stderrors.New("syntax error at or near SELECT")
	var calls int32
	fetcher := func(context.Context) (product, error) {
		atomic.AddInt32(&calls, 1)
		return product{}, cause
	}

	_, err := FetchWithCache(context.Background(), o, "p:1", fetcher, Options{})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, errors.IsCode(err, errors.ErrFetchFailed))
	assert.ErrorIs(t, err, cause)
}

// TestFetchWithCache_RetriesExhausted 重试耗尽后返回最后一次错误
func TestFetchWithCache_RetriesExhausted(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, cache.Options{})

	var calls int32
	fetcher := func(context.Context) (product, error) {
		atomic.AddInt32(&calls, 1)
		return product{}, errors.NewError(errors.ErrTooManyConnections, "pool exhausted")
	}

	_, err := FetchWithCache(context.Background(), o, "p:1", fetcher, Options{})
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Contains(t, err.Error(), "pool exhausted")
}

// TestFetchWithCache_FallbackToStale 同步获取失败时回退到旧值
func TestFetchWithCache_FallbackToStale(t *testing.T) {
	o, store, _ := newTestOrchestrator(t, cache.Options{StaleWindow: time.Hour})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "p:1", product{Name: "last-known-good"}, cache.SetOptions{TTL: 20 * time.Millisecond}))
	time.Sleep(40 * time.Millisecond)

	fetcher := func(context.Context) (product, error) {
		return product{}, stderrors.New("relation does not exist")
	}

	v, err := FetchWithCache(ctx, o, "p:1", fetcher, Options{})
	require.NoError(t, err)
	assert.Equal(t, "last-known-good", v.Name)
}

// TestFetchWithCache_CacheErrorsNeverSurface 缓存后端错误按未命中处理
func TestFetchWithCache_CacheErrorsNeverSurface(t *testing.T) {
	o := NewOrchestrator(brokenStore{}, nil, fastRetry())

	v, err := FetchWithCache(context.Background(), o, "p:1", func(context.Context) (product, error) {
		return product{ID: 1}, nil
	}, Options{StaleWhileRevalidate: true})

	require.NoError(t, err)
	assert.Equal(t, 1, v.ID)
}

// TestFetchWithCache_DecodesPersistedValue 持久化后端返回的 JSON 被还原为 T
func TestFetchWithCache_DecodesPersistedValue(t *testing.T) {
	store, err := cache.NewDiskStore(cache.DiskOptions{Dir: t.TempDir(), Namespace: "test"})
	require.NoError(t, err)
	defer store.Close()

	o := NewOrchestrator(store, nil, fastRetry())
	ctx := context.Background()

	var calls int32
	fetcher := func(context.Context) (product, error) {
		atomic.AddInt32(&calls, 1)
		return product{ID: 3, Name: "gear"}, nil
	}

	_, err = FetchWithCache(ctx, o, "p:3", fetcher, Options{})
	require.NoError(t, err)

	v, err := FetchWithCache(ctx, o, "p:3", fetcher, Options{})
	require.NoError(t, err)
	assert.Equal(t, product{ID: 3, Name: "gear"}, v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchWithCache_ContextCancelledDuringBackoff(t *testing.T) {
	store := cache.NewMemoryStore(cache.Options{})
	defer store.Close()

	cfg := fastRetry()
	cfg.BaseDelay = time.Hour
	cfg.MaxDelay = time.Hour
	o := NewOrchestrator(store, nil, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var calls int32
	_, err := FetchWithCache(ctx, o, "p:1", func(context.Context) (product, error) {
		atomic.AddInt32(&calls, 1)
		return product{}, errors.NewError(errors.ErrConnectionFailure, "refused")
	}, Options{})

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
