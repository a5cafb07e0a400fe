package cache

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"erpcache/pkg/errors"
)

func newTestDiskStore(t *testing.T, dir string, opts DiskOptions) *DiskStore {
	t.Helper()
	opts.Dir = dir
	ds, err := NewDiskStore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

// TestDiskStore_BasicOperations 测试磁盘缓存基本操作
func TestDiskStore_BasicOperations(t *testing.T) {
	dir := t.TempDir()
	ds := newTestDiskStore(t, dir, DiskOptions{Namespace: "erp"})
	ctx := context.Background()

	value := map[string]interface{}{"n": 1, "name": "widget"}
	require.NoError(t, ds.Set(ctx, "p:1", value, SetOptions{TTL: time.Minute, Tags: []string{"inv"}}))

	got, err := ds.Get(ctx, "p:1")
	require.NoError(t, err)
	raw, ok := got.(json.RawMessage)
	require.True(t, ok, "持久化后端返回 json.RawMessage")
	assert.JSONEq(t, `{"n":1,"name":"widget"}`, string(raw))

	// 文件名为 <namespace>_<转义后的键>.json
	path := filepath.Join(dir, "erp_p:1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Contains(t, env, "data")
	assert.Contains(t, env, "timestamp")
	assert.Equal(t, float64(60000), env["ttl"])
	assert.Equal(t, []interface{}{"inv"}, env["tags"])

	require.NoError(t, ds.Invalidate(ctx, "p:1"))
	_, err = ds.Get(ctx, "p:1")
	assert.True(t, IsMiss(err))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "删除条目时文件也被删除")
}

// TestDiskStore_KeyEscaping 键中的路径分隔符被转义
func TestDiskStore_KeyEscaping(t *testing.T) {
	dir := t.TempDir()
	ds := newTestDiskStore(t, dir, DiskOptions{Namespace: "erp"})
	ctx := context.Background()

	require.NoError(t, ds.Set(ctx, "orders/2024 q1", 1, SetOptions{}))
	_, err := os.Stat(filepath.Join(dir, "erp_orders%2F2024%20q1.json"))
	assert.NoError(t, err)
}

// TestDiskStore_Reopen 重新打开时从目录重建索引
func TestDiskStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewDiskStore(DiskOptions{Dir: dir, Namespace: "erp"})
	require.NoError(t, err)
	require.NoError(t, first.Set(ctx, "a", 1, SetOptions{TTL: time.Hour, Tags: []string{"x"}}))
	require.NoError(t, first.Set(ctx, "b", 2, SetOptions{TTL: time.Hour, Tags: []string{"x", "y"}}))
	require.NoError(t, first.Close())

	// 其他命名空间的文件不受影响
	other := filepath.Join(dir, "other_a.json")
	require.NoError(t, os.WriteFile(other, []byte("{}"), 0644))

	second := newTestDiskStore(t, dir, DiskOptions{Namespace: "erp"})
	assert.Equal(t, int64(2), second.Stats().Size)

	n, err := second.InvalidateByTag(ctx, "y")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := second.Get(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, "1", string(got.(json.RawMessage)))

	_, err = os.Stat(other)
	assert.NoError(t, err)
}

// TestDiskStore_CorruptFile 损坏的文件按未命中处理并删除
func TestDiskStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	ds := newTestDiskStore(t, dir, DiskOptions{Namespace: "erp"})
	ctx := context.Background()

	require.NoError(t, ds.Set(ctx, "k", "v", SetOptions{}))
	path := filepath.Join(dir, "erp_k.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0644))

	_, err := ds.Get(ctx, "k")
	assert.True(t, IsMiss(err))
	assert.Equal(t, int64(0), ds.Stats().Size)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// 打开时遇到损坏文件同样删除
	broken := filepath.Join(dir, "erp_broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0644))
	reopened := newTestDiskStore(t, dir, DiskOptions{Namespace: "erp"})
	assert.Equal(t, int64(0), reopened.Stats().Size)
	_, err = os.Stat(broken)
	assert.True(t, os.IsNotExist(err))
}

// TestDiskStore_QuotaExceeded 超出配额时写入静默跳过
func TestDiskStore_QuotaExceeded(t *testing.T) {
	dir := t.TempDir()
	ds := newTestDiskStore(t, dir, DiskOptions{Namespace: "erp", MaxBytes: 200})
	ctx := context.Background()

	require.NoError(t, ds.Set(ctx, "small", "x", SetOptions{}))

	big := make([]byte, 500)
	for i := range big {
		big[i] = 'a'
	}
	err := ds.Set(ctx, "big", string(big), SetOptions{})
	assert.NoError(t, err, "配额错误不会传播给调用方")

	_, err = ds.Get(ctx, "big")
	assert.True(t, IsMiss(err))
	_, err = ds.Get(ctx, "small")
	assert.NoError(t, err)
}

// TestDiskStore_CapacityAndStale 容量淘汰与旧值窗口
func TestDiskStore_CapacityAndStale(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock()
	ds := newTestDiskStore(t, dir, DiskOptions{
		Options:   Options{MaxSize: 2, StaleWindow: time.Minute},
		Namespace: "erp",
	})
	ds.now = clock.Now
	ctx := context.Background()

	require.NoError(t, ds.Set(ctx, "a", 1, SetOptions{TTL: time.Second}))
	clock.Advance(time.Millisecond)
	require.NoError(t, ds.Set(ctx, "b", 2, SetOptions{TTL: time.Second}))
	clock.Advance(time.Millisecond)
	require.NoError(t, ds.Set(ctx, "c", 3, SetOptions{TTL: time.Second}))

	_, err := ds.Get(ctx, "a")
	assert.True(t, IsMiss(err))
	assert.Equal(t, int64(1), ds.Stats().EvictionCount)

	clock.Advance(10 * time.Second)
	_, err = ds.Get(ctx, "b")
	assert.True(t, IsMiss(err))

	entry, err := ds.GetStale(ctx, "b")
	require.NoError(t, err)
	assert.JSONEq(t, "2", string(entry.Value.(json.RawMessage)))

	clock.Advance(time.Minute)
	assert.Equal(t, 2, ds.Sweep(ctx))
	assert.Equal(t, int64(0), ds.Stats().Size)

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
}

// TestDiskStore_Clear 清空删除所有文件
func TestDiskStore_Clear(t *testing.T) {
	dir := t.TempDir()
	ds := newTestDiskStore(t, dir, DiskOptions{Namespace: "erp"})
	ctx := context.Background()

	require.NoError(t, ds.Set(ctx, "a", 1, SetOptions{Tags: []string{"x"}}))
	require.NoError(t, ds.Set(ctx, "b", 2, SetOptions{}))
	require.NoError(t, ds.Clear(ctx))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, 0, ds.Stats().TagCount)
}

// TestDiskStore_RawJSONBytes 合法 JSON 的字节切片原样保存，其他字节编码为字符串
func TestDiskStore_RawJSONBytes(t *testing.T) {
	ds := newTestDiskStore(t, t.TempDir(), DiskOptions{Namespace: "erp"})
	ctx := context.Background()

	require.NoError(t, ds.Set(ctx, "json", []byte(`{"sku":"A-1","qty":3}`), SetOptions{}))
	got, err := ds.Get(ctx, "json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"sku":"A-1","qty":3}`, string(got.(json.RawMessage)))

	require.NoError(t, ds.Set(ctx, "bin", []byte("not json"), SetOptions{}))
	got, err = ds.Get(ctx, "bin")
	require.NoError(t, err)
	var decoded []byte
	require.NoError(t, json.Unmarshal(got.(json.RawMessage), &decoded))
	assert.Equal(t, []byte("not json"), decoded)
}

// TestDiskStore_QuotaEvictsOldest 配额已满时按插入顺序淘汰旧条目腾出空间
func TestDiskStore_QuotaEvictsOldest(t *testing.T) {
	ctx := context.Background()

	// 先测出单个条目文件的大小
	sizeDir := t.TempDir()
	sizer := newTestDiskStore(t, sizeDir, DiskOptions{Namespace: "erp"})
	require.NoError(t, sizer.Set(ctx, "a", 1, SetOptions{TTL: time.Hour}))
	info, err := os.Stat(filepath.Join(sizeDir, "erp_a.json"))
	require.NoError(t, err)
	entrySize := info.Size()

	t.Run("容量与配额同时限制", func(t *testing.T) {
		ds := newTestDiskStore(t, t.TempDir(), DiskOptions{
			Options:   Options{MaxSize: 1},
			Namespace: "erp",
			MaxBytes:  entrySize + 5,
		})
		require.NoError(t, ds.Set(ctx, "a", 1, SetOptions{TTL: time.Hour}))
		require.NoError(t, ds.Set(ctx, "b", 2, SetOptions{TTL: time.Hour}))

		_, err := ds.Get(ctx, "a")
		assert.True(t, IsMiss(err))
		got, err := ds.Get(ctx, "b")
		require.NoError(t, err)
		assert.JSONEq(t, "2", string(got.(json.RawMessage)))
		assert.Equal(t, int64(1), ds.Stats().EvictionCount)
	})

	t.Run("仅配额限制", func(t *testing.T) {
		ds := newTestDiskStore(t, t.TempDir(), DiskOptions{
			Namespace: "erp",
			MaxBytes:  2*entrySize + 5,
		})
		require.NoError(t, ds.Set(ctx, "a", 1, SetOptions{TTL: time.Hour}))
		require.NoError(t, ds.Set(ctx, "b", 2, SetOptions{TTL: time.Hour}))
		require.NoError(t, ds.Set(ctx, "c", 3, SetOptions{TTL: time.Hour}))

		_, err := ds.Get(ctx, "a")
		assert.True(t, IsMiss(err), "a 最早插入，应被淘汰")
		_, err = ds.Get(ctx, "b")
		assert.NoError(t, err)
		_, err = ds.Get(ctx, "c")
		assert.NoError(t, err)
		assert.Equal(t, int64(2), ds.Stats().Size)
	})
}

// TestDiskStore_UnencodableValue 无法序列化的值只记录日志，不返回错误
func TestDiskStore_UnencodableValue(t *testing.T) {
	ds := newTestDiskStore(t, t.TempDir(), DiskOptions{Namespace: "erp"})
	ctx := context.Background()

	assert.NoError(t, ds.Set(ctx, "ch", make(chan int), SetOptions{}))
	_, err := ds.Get(ctx, "ch")
	assert.True(t, IsMiss(err))
}

// TestDiskStore_NamespaceIsolation 命名空间不能包含分隔符，前缀相近的命名空间互不加载
func TestDiskStore_NamespaceIsolation(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	_, err := NewDiskStore(DiskOptions{Dir: dir, Namespace: "erp_x"})
	assert.True(t, errors.IsCode(err, errors.ErrConfigInvalid))

	other := newTestDiskStore(t, dir, DiskOptions{Namespace: "erp-x"})
	require.NoError(t, other.Set(ctx, "k", 1, SetOptions{TTL: time.Hour}))

	ds := newTestDiskStore(t, dir, DiskOptions{Namespace: "erp"})
	assert.Equal(t, int64(0), ds.Stats().Size)
	assert.Equal(t, int64(1), other.Stats().Size)
}
