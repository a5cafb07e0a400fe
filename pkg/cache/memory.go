package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"erpcache/pkg/logger"
)

const backendMemory = "memory"

// MemoryStore 线程安全的进程内缓存实现
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	tags    *tagIndex
	policy  EvictionPolicy
	opts    Options

	hitCount      int64
	missCount     int64
	evictionCount int64
	lastCleanup   time.Time
	closed        bool

	janitor *janitor
	log     *logrus.Entry
	now     func() time.Time
}

// NewMemoryStore 创建新的内存缓存
func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	ms := &MemoryStore{
		entries:     make(map[string]*Entry),
		tags:        newTagIndex(),
		policy:      NewEvictionPolicy(opts.Policy),
		opts:        opts,
		lastCleanup: time.Now(),
		log:         logger.WithComponent("cache.memory"),
		now:         time.Now,
	}

	if opts.CleanupInterval > 0 {
		ms.janitor = startJanitor(opts.CleanupInterval, ms.Sweep, ms.log)
	}

	return ms
}

// Get 获取存活期内的缓存值
func (ms *MemoryStore) Get(ctx context.Context, key string) (interface{}, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return nil, closedError()
	}

	entry, exists := ms.entries[key]
	if !exists {
		ms.recordMiss()
		return nil, missError(key)
	}

	now := ms.now()
	if entry.IsLive(now) {
		ms.hitCount++
		ms.opts.Metrics.hit(backendMemory)
		ms.policy.OnAccess(key)
		return entry.Value, nil
	}

	// 超出旧值窗口的条目直接删除，窗口内的保留给 GetStale
	if entry.isDead(now, ms.opts.StaleWindow) {
		ms.removeLocked(key)
	}
	ms.recordMiss()
	return nil, missError(key)
}

// GetStale 获取存活或处于旧值窗口内的条目
func (ms *MemoryStore) GetStale(ctx context.Context, key string) (*Entry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return nil, closedError()
	}

	entry, exists := ms.entries[key]
	if !exists || entry.isDead(ms.now(), ms.opts.StaleWindow) {
		return nil, missError(key)
	}

	cp := *entry
	cp.Tags = append([]string(nil), entry.Tags...)
	return &cp, nil
}

// Set 设置缓存值
func (ms *MemoryStore) Set(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = ms.opts.DefaultTTL
	}
	tags := dedupTags(opts.Tags)

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return closedError()
	}

	entry := &Entry{
		Key:       key,
		Value:     value,
		WrittenAt: ms.now(),
		TTL:       ttl,
		Tags:      tags,
	}

	if old, exists := ms.entries[key]; exists {
		// 覆盖写入：保留淘汰顺序中的原位置，只替换标签
		ms.tags.remove(key, old.Tags)
		ms.entries[key] = entry
		ms.tags.add(key, tags)
		ms.policy.OnAccess(key)
		return nil
	}

	if len(ms.entries) >= ms.opts.MaxSize {
		ms.evictLocked()
	}

	ms.entries[key] = entry
	ms.tags.add(key, tags)
	ms.policy.OnAdd(key)
	ms.opts.Metrics.setSize(backendMemory, len(ms.entries))
	return nil
}

// Invalidate 删除指定键
func (ms *MemoryStore) Invalidate(ctx context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return closedError()
	}

	ms.removeLocked(key)
	return nil
}

// InvalidateByTag 删除带有指定标签的全部条目
func (ms *MemoryStore) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return 0, closedError()
	}

	keys := ms.tags.keys(tag)
	for _, key := range keys {
		ms.removeLocked(key)
	}

	if len(keys) > 0 {
		ms.log.WithFields(logrus.Fields{"tag": tag, "count": len(keys)}).Debug("invalidated entries by tag")
	}
	return len(keys), nil
}

// Clear 清空缓存
func (ms *MemoryStore) Clear(ctx context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return closedError()
	}

	ms.entries = make(map[string]*Entry)
	ms.tags.reset()
	ms.policy.Reset()
	ms.hitCount = 0
	ms.missCount = 0
	ms.opts.Metrics.setSize(backendMemory, 0)
	return nil
}

// Sweep 清理超出旧值窗口的条目
func (ms *MemoryStore) Sweep(ctx context.Context) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return 0
	}

	now := ms.now()
	removed := 0
	for key, entry := range ms.entries {
		if entry.isDead(now, ms.opts.StaleWindow) {
			ms.removeLocked(key)
			removed++
		}
	}
	ms.lastCleanup = now
	return removed
}

// Stats 获取缓存统计信息
func (ms *MemoryStore) Stats() Stats {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	return Stats{
		Backend:       backendMemory,
		Size:          int64(len(ms.entries)),
		MaxSize:       int64(ms.opts.MaxSize),
		HitCount:      ms.hitCount,
		MissCount:     ms.missCount,
		HitRate:       hitRate(ms.hitCount, ms.missCount),
		EvictionCount: ms.evictionCount,
		TagCount:      ms.tags.len(),
		TTL:           ms.opts.DefaultTTL,
		StaleWindow:   ms.opts.StaleWindow,
		LastCleanup:   ms.lastCleanup,
	}
}

// Len 返回当前条目数
func (ms *MemoryStore) Len() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.entries)
}

// Close 关闭缓存
func (ms *MemoryStore) Close() error {
	// 先停止清理协程，Sweep 需要获取锁
	ms.janitor.Stop()

	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.closed = true
	return nil
}

func (ms *MemoryStore) recordMiss() {
	ms.missCount++
	ms.opts.Metrics.miss(backendMemory)
}

// removeLocked 删除条目并同步标签索引与淘汰策略，调用方必须持有锁
func (ms *MemoryStore) removeLocked(key string) {
	entry, exists := ms.entries[key]
	if !exists {
		return
	}
	delete(ms.entries, key)
	ms.tags.remove(key, entry.Tags)
	ms.policy.OnRemove(key)
	ms.opts.Metrics.setSize(backendMemory, len(ms.entries))
}

// evictLocked 按淘汰策略移除一个条目
func (ms *MemoryStore) evictLocked() {
	victim, ok := ms.policy.Victim()
	if !ok {
		return
	}
	ms.removeLocked(victim)
	ms.evictionCount++
	ms.opts.Metrics.evicted(backendMemory)
	ms.log.WithField("key", victim).Debug("evicted entry at capacity")
}

var _ Store = (*MemoryStore)(nil)
