package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpcache/pkg/errors"
)

// fakeClock 可手动推进的时钟
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemoryStore(opts Options) (*MemoryStore, *fakeClock) {
	clock := newFakeClock()
	ms := NewMemoryStore(opts)
	ms.now = clock.Now
	return ms, clock
}

// 测试MemoryStore基本操作
func TestMemoryStore_BasicOperations(t *testing.T) {
	ms := NewMemoryStore(Options{MaxSize: 100})
	defer ms.Close()

	ctx := context.Background()

	err := ms.Set(ctx, "key1", "value1", SetOptions{})
	assert.NoError(t, err)

	value, err := ms.Get(ctx, "key1")
	assert.NoError(t, err)
	assert.Equal(t, "value1", value)

	// 测试不存在的键
	_, err = ms.Get(ctx, "nonexistent")
	assert.Error(t, err)
	var baseErr *errors.BaseError
	assert.ErrorAs(t, err, &baseErr)
	assert.Equal(t, errors.ErrCacheMiss, baseErr.Code)
	assert.True(t, IsMiss(err))

	// 测试Invalidate，键不存在时也不报错
	assert.NoError(t, ms.Invalidate(ctx, "key1"))
	assert.NoError(t, ms.Invalidate(ctx, "key1"))

	_, err = ms.Get(ctx, "key1")
	assert.True(t, IsMiss(err))
}

// TestMemoryStore_TTL 存活判定以 now-writtenAt <= ttl 为界
func TestMemoryStore_TTL(t *testing.T) {
	ms, clock := newTestMemoryStore(Options{MaxSize: 10})
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "k", 1, SetOptions{TTL: time.Second}))

	clock.Advance(time.Second)
	v, err := ms.Get(ctx, "k")
	require.NoError(t, err, "恰好等于TTL时仍然存活")
	assert.Equal(t, 1, v)

	clock.Advance(time.Millisecond)
	_, err = ms.Get(ctx, "k")
	assert.True(t, IsMiss(err))

	// 再次获取不会复活
	_, err = ms.Get(ctx, "k")
	assert.True(t, IsMiss(err))
	assert.Equal(t, 0, ms.Len(), "没有旧值窗口时过期条目被删除")
}

// TestMemoryStore_DefaultTTL TTL<=0 时使用默认值
func TestMemoryStore_DefaultTTL(t *testing.T) {
	ms, clock := newTestMemoryStore(Options{DefaultTTL: time.Minute})
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "k", "v", SetOptions{TTL: -1}))
	clock.Advance(59 * time.Second)
	_, err := ms.Get(ctx, "k")
	assert.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = ms.Get(ctx, "k")
	assert.True(t, IsMiss(err))
}

// TestMemoryStore_ProductScenario 写入 p:1 后立即可读，超过TTL后不可读
func TestMemoryStore_ProductScenario(t *testing.T) {
	ms := NewMemoryStore(Options{})
	defer ms.Close()
	ctx := context.Background()

	value := map[string]int{"n": 1}
	require.NoError(t, ms.Set(ctx, "p:1", value, SetOptions{TTL: time.Second, Tags: []string{"inv"}}))

	got, err := ms.Get(ctx, "p:1")
	require.NoError(t, err)
	assert.Equal(t, value, got)

	time.Sleep(1100 * time.Millisecond)

	_, err = ms.Get(ctx, "p:1")
	assert.True(t, IsMiss(err))
}

// TestMemoryStore_InvalidateByTag 标签失效只删除带标签的条目
func TestMemoryStore_InvalidateByTag(t *testing.T) {
	ms := NewMemoryStore(Options{})
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "c", 3, SetOptions{Tags: []string{"y"}}))
	require.NoError(t, ms.Set(ctx, "a", 1, SetOptions{Tags: []string{"x"}}))
	require.NoError(t, ms.Set(ctx, "b", 2, SetOptions{Tags: []string{"x", "y"}}))

	n, err := ms.InvalidateByTag(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = ms.Get(ctx, "a")
	assert.True(t, IsMiss(err))
	_, err = ms.Get(ctx, "b")
	assert.True(t, IsMiss(err))

	v, err := ms.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	// b 已删除，标签 y 只剩 c
	assert.ElementsMatch(t, []string{"c"}, ms.tags.keys("y"))
	assert.Empty(t, ms.tags.keys("x"))

	n, err = ms.InvalidateByTag(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// TestMemoryStore_OverwriteReplacesTags 覆盖写入时旧标签关联被移除
func TestMemoryStore_OverwriteReplacesTags(t *testing.T) {
	ms := NewMemoryStore(Options{})
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "k", 1, SetOptions{Tags: []string{"old", "old"}}))
	require.NoError(t, ms.Set(ctx, "k", 2, SetOptions{Tags: []string{"new"}}))

	n, err := ms.InvalidateByTag(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	v, err := ms.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, ms.Stats().TagCount)
}

// TestMemoryStore_CapacityEviction 容量满时插入新键恰好淘汰最早插入的一个
func TestMemoryStore_CapacityEviction(t *testing.T) {
	ms := NewMemoryStore(Options{MaxSize: 3})
	defer ms.Close()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, ms.Set(ctx, fmt.Sprintf("k%d", i), i, SetOptions{Tags: []string{"t"}}))
	}

	// 读取与覆盖都不改变FIFO顺序
	_, _ = ms.Get(ctx, "k1")
	require.NoError(t, ms.Set(ctx, "k1", 10, SetOptions{Tags: []string{"t"}}))
	assert.Equal(t, 3, ms.Len(), "覆盖已有键不触发淘汰")

	require.NoError(t, ms.Set(ctx, "k4", 4, SetOptions{}))
	assert.Equal(t, 3, ms.Len())

	_, err := ms.Get(ctx, "k1")
	assert.True(t, IsMiss(err), "k1 最早插入，应被淘汰")
	for _, key := range []string{"k2", "k3", "k4"} {
		_, err := ms.Get(ctx, key)
		assert.NoError(t, err, key)
	}

	assert.Equal(t, int64(1), ms.Stats().EvictionCount)
	assert.ElementsMatch(t, []string{"k2", "k3"}, ms.tags.keys("t"), "被淘汰的键不应留在标签索引中")
}

// TestMemoryStore_LRUEviction LRU策略淘汰最久未访问的条目
func TestMemoryStore_LRUEviction(t *testing.T) {
	ms := NewMemoryStore(Options{MaxSize: 2, Policy: PolicyLRU})
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "a", 1, SetOptions{}))
	require.NoError(t, ms.Set(ctx, "b", 2, SetOptions{}))
	_, err := ms.Get(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, ms.Set(ctx, "c", 3, SetOptions{}))

	_, err = ms.Get(ctx, "b")
	assert.True(t, IsMiss(err))
	_, err = ms.Get(ctx, "a")
	assert.NoError(t, err)
}

// TestMemoryStore_StaleWindow 旧值窗口内 Get 未命中但 GetStale 可读
func TestMemoryStore_StaleWindow(t *testing.T) {
	ms, clock := newTestMemoryStore(Options{StaleWindow: time.Minute})
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "k", "v1", SetOptions{TTL: 10 * time.Second, Tags: []string{"t"}}))

	entry, err := ms.GetStale(ctx, "k")
	require.NoError(t, err, "存活条目也可以通过 GetStale 读取")
	assert.Equal(t, "v1", entry.Value)

	clock.Advance(30 * time.Second)

	_, err = ms.Get(ctx, "k")
	assert.True(t, IsMiss(err))

	entry, err = ms.GetStale(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v1", entry.Value)
	assert.Equal(t, []string{"t"}, entry.Tags)
	assert.True(t, entry.IsStale(clock.Now(), time.Minute))

	// 返回的是副本
	entry.Tags[0] = "mutated"
	again, err := ms.GetStale(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"t"}, again.Tags)

	clock.Advance(time.Minute)
	_, err = ms.GetStale(ctx, "k")
	assert.True(t, IsMiss(err))
}

// TestMemoryStore_Sweep 清理只删除超出旧值窗口的条目
func TestMemoryStore_Sweep(t *testing.T) {
	ms, clock := newTestMemoryStore(Options{StaleWindow: 10 * time.Second})
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "short", 1, SetOptions{TTL: time.Second, Tags: []string{"t"}}))
	require.NoError(t, ms.Set(ctx, "long", 2, SetOptions{TTL: time.Hour, Tags: []string{"t"}}))

	clock.Advance(5 * time.Second)
	assert.Equal(t, 0, ms.Sweep(ctx), "旧值窗口内不清理")

	clock.Advance(10 * time.Second)
	assert.Equal(t, 1, ms.Sweep(ctx))
	assert.Equal(t, 1, ms.Len())
	assert.Equal(t, []string{"long"}, ms.tags.keys("t"))
	assert.Equal(t, clock.Now(), ms.Stats().LastCleanup)
}

// TestMemoryStore_Janitor 后台协程定期清理
func TestMemoryStore_Janitor(t *testing.T) {
	ms := NewMemoryStore(Options{CleanupInterval: 20 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "k", 1, SetOptions{TTL: 10 * time.Millisecond}))

	assert.Eventually(t, func() bool { return ms.Len() == 0 }, time.Second, 10*time.Millisecond)

	assert.NoError(t, ms.Close())
	assert.NoError(t, ms.Close(), "重复关闭不应报错")
}

// TestMemoryStore_ClearAndStats 清空后命中统计归零
func TestMemoryStore_ClearAndStats(t *testing.T) {
	ms := NewMemoryStore(Options{MaxSize: 50, DefaultTTL: time.Minute})
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "k", 1, SetOptions{Tags: []string{"t"}}))
	_, _ = ms.Get(ctx, "k")
	_, _ = ms.Get(ctx, "missing")

	stats := ms.Stats()
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, int64(1), stats.Size)
	assert.Equal(t, int64(50), stats.MaxSize)
	assert.Equal(t, int64(1), stats.HitCount)
	assert.Equal(t, int64(1), stats.MissCount)
	assert.Equal(t, 0.5, stats.HitRate)
	assert.Equal(t, time.Minute, stats.TTL)

	require.NoError(t, ms.Clear(ctx))
	stats = ms.Stats()
	assert.Equal(t, int64(0), stats.Size)
	assert.Equal(t, int64(0), stats.HitCount)
	assert.Equal(t, 0.0, stats.HitRate)
	assert.Equal(t, 0, stats.TagCount)
}

// TestMemoryStore_Closed 关闭后的操作返回 CACHE_CLOSED
func TestMemoryStore_Closed(t *testing.T) {
	ms := NewMemoryStore(Options{})
	require.NoError(t, ms.Close())

	ctx := context.Background()
	err := ms.Set(ctx, "k", 1, SetOptions{})
	assert.True(t, errors.IsCode(err, errors.ErrCacheClosed))
	_, err = ms.Get(ctx, "k")
	assert.True(t, errors.IsCode(err, errors.ErrCacheClosed))
	assert.True(t, IsClosed(err))
	assert.False(t, IsMiss(err))
	assert.Equal(t, 0, ms.Sweep(ctx))
}

// TestMemoryStore_Concurrent 并发读写
func TestMemoryStore_Concurrent(t *testing.T) {
	ms := NewMemoryStore(Options{MaxSize: 64})
	defer ms.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", (g*200+i)%100)
				_ = ms.Set(ctx, key, i, SetOptions{Tags: []string{fmt.Sprintf("g%d", g)}})
				_, _ = ms.Get(ctx, key)
				if i%50 == 0 {
					_, _ = ms.InvalidateByTag(ctx, fmt.Sprintf("g%d", (g+1)%8))
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, ms.Len(), 64)

	// 标签索引中的每个键都必须存在
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for tag, keys := range ms.tags.byTag {
		for key := range keys {
			entry, ok := ms.entries[key]
			require.True(t, ok, "tag %s references missing key %s", tag, key)
			assert.Contains(t, entry.Tags, tag)
		}
	}
}

// TestMemoryStore_Metrics Prometheus 指标随操作更新
func TestMemoryStore_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewStoreMetrics(reg)
	require.NoError(t, err)

	ms := NewMemoryStore(Options{MaxSize: 1, Metrics: metrics})
	defer ms.Close()
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "a", 1, SetOptions{}))
	_, _ = ms.Get(ctx, "a")
	_, _ = ms.Get(ctx, "b")
	require.NoError(t, ms.Set(ctx, "b", 2, SetOptions{}))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.hits.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.misses.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.evictions.WithLabelValues("memory")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.size.WithLabelValues("memory")))

	_, err = NewStoreMetrics(reg)
	assert.Error(t, err, "重复注册应该失败")

	disabled, err := NewStoreMetrics(nil)
	assert.NoError(t, err)
	assert.Nil(t, disabled)
}

func BenchmarkMemoryStore_SetGet(b *testing.B) {
	ms := NewMemoryStore(Options{MaxSize: 10000})
	defer ms.Close()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("product:%d", i%5000)
		_ = ms.Set(ctx, key, i, SetOptions{Tags: []string{"inventory"}})
		_, _ = ms.Get(ctx, key)
	}
}
