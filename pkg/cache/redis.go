package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"erpcache/pkg/logger"
)

const backendRedis = "redis"

// RedisOptions Redis 缓存配置
type RedisOptions struct {
	Options
	Namespace string // 键前缀
}

// RedisStore 基于 Redis 的共享持久化缓存。
//
// 键布局：
//
//	<ns>:entry:<key>  条目信封，Redis 过期时间为 TTL+旧值窗口
//	<ns>:tag:<tag>    带该标签的键集合
//	<ns>:order        按插入（或访问）时间排序的有序集合，用于容量淘汰
//
// Redis 错误（包括 OOM 配额错误）只记录日志，读降级为未命中，写降级为空操作。
// 进程内的互斥锁保证单进程内读-判断-写的原子性，不提供跨进程一致性。
type RedisStore struct {
	mu     sync.Mutex
	client *redis.Client
	config RedisOptions

	hitCount      int64
	missCount     int64
	evictionCount int64
	lastCleanup   time.Time
	closed        bool

	janitor *janitor
	log     *logrus.Entry
	now     func() time.Time
}

// NewRedisStore 使用已有的客户端创建 Redis 缓存，Close 时会关闭该客户端
func NewRedisStore(client *redis.Client, config RedisOptions) *RedisStore {
	config.Options = config.Options.withDefaults()
	if config.Namespace == "" {
		config.Namespace = "erpcache"
	}

	rs := &RedisStore{
		client:      client,
		config:      config,
		lastCleanup: time.Now(),
		log:         logger.WithComponent("cache.redis").WithField("namespace", config.Namespace),
		now:         time.Now,
	}

	if config.CleanupInterval > 0 {
		rs.janitor = startJanitor(config.CleanupInterval, rs.Sweep, rs.log)
	}

	return rs
}

func (rs *RedisStore) entryKey(key string) string { return rs.config.Namespace + ":entry:" + key }
func (rs *RedisStore) tagKey(tag string) string   { return rs.config.Namespace + ":tag:" + tag }
func (rs *RedisStore) orderKey() string           { return rs.config.Namespace + ":order" }

// Get 获取存活期内的缓存值，值为 json.RawMessage
func (rs *RedisStore) Get(ctx context.Context, key string) (interface{}, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil, closedError()
	}

	entry := rs.loadLocked(ctx, key)
	if entry == nil {
		rs.recordMiss()
		return nil, missError(key)
	}

	now := rs.now()
	if !entry.IsLive(now) {
		if entry.isDead(now, rs.config.StaleWindow) {
			rs.removeLocked(ctx, key, entry.Tags)
		}
		rs.recordMiss()
		return nil, missError(key)
	}

	if rs.config.Policy == PolicyLRU {
		if err := rs.client.ZAddXX(ctx, rs.orderKey(), &redis.Z{Score: float64(now.UnixNano()), Member: key}).Err(); err != nil {
			rs.log.WithError(err).Debug("failed to touch lru order")
		}
	}

	rs.hitCount++
	rs.config.Metrics.hit(backendRedis)
	return entry.Value, nil
}

// GetStale 获取存活或处于旧值窗口内的条目
func (rs *RedisStore) GetStale(ctx context.Context, key string) (*Entry, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil, closedError()
	}

	entry := rs.loadLocked(ctx, key)
	if entry == nil || entry.isDead(rs.now(), rs.config.StaleWindow) {
		return nil, missError(key)
	}
	return entry, nil
}

// Set 写入条目信封并维护标签集合与淘汰顺序
func (rs *RedisStore) Set(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = rs.config.DefaultTTL
	}
	tags := dedupTags(opts.Tags)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return closedError()
	}

	writtenAt := rs.now()
	data, err := encodeEnvelope(value, writtenAt, ttl, tags)
	if err != nil {
		rs.log.WithError(err).WithField("key", key).Warn("failed to encode cache value, skipping write")
		return nil
	}

	old := rs.loadLocked(ctx, key)
	if old == nil {
		rs.evictIfFullLocked(ctx)
	}

	_, err = rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if old != nil {
			for _, tag := range old.Tags {
				pipe.SRem(ctx, rs.tagKey(tag), key)
			}
		}
		pipe.Set(ctx, rs.entryKey(key), data, ttl+rs.config.StaleWindow)
		for _, tag := range tags {
			pipe.SAdd(ctx, rs.tagKey(tag), key)
		}
		score := float64(writtenAt.UnixNano())
		if old != nil && rs.config.Policy == PolicyFIFO {
			// 覆盖写入保留原插入位置
			pipe.ZAddNX(ctx, rs.orderKey(), &redis.Z{Score: score, Member: key})
		} else {
			pipe.ZAdd(ctx, rs.orderKey(), &redis.Z{Score: score, Member: key})
		}
		return nil
	})
	if err != nil {
		rs.log.WithError(err).WithField("key", key).Warn("redis cache write failed")
		return nil
	}

	rs.refreshSizeLocked(ctx)
	return nil
}

// Invalidate 删除指定键
func (rs *RedisStore) Invalidate(ctx context.Context, key string) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return closedError()
	}

	var tags []string
	if entry := rs.loadLocked(ctx, key); entry != nil {
		tags = entry.Tags
	}
	rs.removeLocked(ctx, key, tags)
	return nil
}

// InvalidateByTag 删除带有指定标签的全部条目
func (rs *RedisStore) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return 0, closedError()
	}

	keys, err := rs.client.SMembers(ctx, rs.tagKey(tag)).Result()
	if err != nil {
		rs.log.WithError(err).WithField("tag", tag).Warn("failed to read tag set")
		return 0, nil
	}

	removed := 0
	for _, key := range keys {
		entry := rs.loadLocked(ctx, key)
		if entry == nil {
			continue
		}
		rs.removeLocked(ctx, key, entry.Tags)
		removed++
	}

	if err := rs.client.Del(ctx, rs.tagKey(tag)).Err(); err != nil {
		rs.log.WithError(err).WithField("tag", tag).Warn("failed to delete tag set")
	}
	return removed, nil
}

// Clear 删除命名空间下的所有键
func (rs *RedisStore) Clear(ctx context.Context) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return closedError()
	}

	keys := rs.scanLocked(ctx, rs.config.Namespace+":*")
	if len(keys) > 0 {
		if err := rs.client.Del(ctx, keys...).Err(); err != nil {
			rs.log.WithError(err).Warn("failed to clear redis cache")
		}
	}

	rs.hitCount = 0
	rs.missCount = 0
	rs.config.Metrics.setSize(backendRedis, 0)
	return nil
}

// Sweep 清理已被 Redis 过期删除的条目在有序集合与标签集合中留下的成员
func (rs *RedisStore) Sweep(ctx context.Context) int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return 0
	}

	members, err := rs.client.ZRange(ctx, rs.orderKey(), 0, -1).Result()
	if err != nil {
		rs.log.WithError(err).Warn("failed to read order set")
		return 0
	}

	removed := 0
	now := rs.now()
	for _, key := range members {
		entry := rs.loadLocked(ctx, key)
		if entry != nil && !entry.isDead(now, rs.config.StaleWindow) {
			continue
		}
		var tags []string
		if entry != nil {
			tags = entry.Tags
		}
		rs.removeLocked(ctx, key, tags)
		removed++
	}

	for _, tagKey := range rs.scanLocked(ctx, rs.config.Namespace+":tag:*") {
		keys, err := rs.client.SMembers(ctx, tagKey).Result()
		if err != nil {
			continue
		}
		for _, key := range keys {
			n, err := rs.client.Exists(ctx, rs.entryKey(key)).Result()
			if err == nil && n == 0 {
				rs.client.SRem(ctx, tagKey, key)
			}
		}
	}

	rs.lastCleanup = now
	rs.refreshSizeLocked(ctx)
	return removed
}

// Stats 获取缓存统计信息
func (rs *RedisStore) Stats() Stats {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ctx := context.Background()
	size, err := rs.client.ZCard(ctx, rs.orderKey()).Result()
	if err != nil {
		rs.log.WithError(err).Debug("failed to read cache size")
	}
	tagCount := len(rs.scanLocked(ctx, rs.config.Namespace+":tag:*"))

	return Stats{
		Backend:       backendRedis,
		Size:          size,
		MaxSize:       int64(rs.config.MaxSize),
		HitCount:      rs.hitCount,
		MissCount:     rs.missCount,
		HitRate:       hitRate(rs.hitCount, rs.missCount),
		EvictionCount: rs.evictionCount,
		TagCount:      tagCount,
		TTL:           rs.config.DefaultTTL,
		StaleWindow:   rs.config.StaleWindow,
		LastCleanup:   rs.lastCleanup,
	}
}

// Ping 检查 Redis 连接
func (rs *RedisStore) Ping(ctx context.Context) error {
	return rs.client.Ping(ctx).Err()
}

// Close 停止后台清理并关闭客户端
func (rs *RedisStore) Close() error {
	rs.janitor.Stop()

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return nil
	}
	rs.closed = true
	return rs.client.Close()
}

func (rs *RedisStore) recordMiss() {
	rs.missCount++
	rs.config.Metrics.miss(backendRedis)
}

// loadLocked 读取并解析条目，不存在、出错或损坏时返回 nil
func (rs *RedisStore) loadLocked(ctx context.Context, key string) *Entry {
	raw, err := rs.client.Get(ctx, rs.entryKey(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			rs.log.WithError(err).WithField("key", key).Warn("redis cache read failed")
		}
		return nil
	}

	entry, err := decodeEnvelope(key, raw)
	if err != nil {
		rs.log.WithError(err).WithField("key", key).Warn("discarding corrupt cache entry")
		rs.removeLocked(ctx, key, nil)
		return nil
	}
	return entry
}

func (rs *RedisStore) removeLocked(ctx context.Context, key string, tags []string) {
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, rs.entryKey(key))
		pipe.ZRem(ctx, rs.orderKey(), key)
		for _, tag := range tags {
			pipe.SRem(ctx, rs.tagKey(tag), key)
		}
		return nil
	})
	if err != nil {
		rs.log.WithError(err).WithField("key", key).Warn("redis cache delete failed")
	}
}

// evictIfFullLocked 容量已满时按有序集合淘汰分数最低的一个键
func (rs *RedisStore) evictIfFullLocked(ctx context.Context) {
	size, err := rs.client.ZCard(ctx, rs.orderKey()).Result()
	if err != nil || size < int64(rs.config.MaxSize) {
		return
	}

	victims, err := rs.client.ZRange(ctx, rs.orderKey(), 0, 0).Result()
	if err != nil || len(victims) == 0 {
		return
	}

	victim := victims[0]
	var tags []string
	if entry := rs.loadLocked(ctx, victim); entry != nil {
		tags = entry.Tags
	}
	rs.removeLocked(ctx, victim, tags)
	rs.evictionCount++
	rs.config.Metrics.evicted(backendRedis)
	rs.log.WithField("key", victim).Debug("evicted entry at capacity")
}

func (rs *RedisStore) scanLocked(ctx context.Context, pattern string) []string {
	var keys []string
	iter := rs.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		rs.log.WithError(err).WithField("pattern", pattern).Warn("redis scan failed")
	}
	return keys
}

func (rs *RedisStore) refreshSizeLocked(ctx context.Context) {
	if rs.config.Metrics == nil {
		return
	}
	if size, err := rs.client.ZCard(ctx, rs.orderKey()).Result(); err == nil {
		rs.config.Metrics.setSize(backendRedis, int(size))
	}
}

var _ Store = (*RedisStore)(nil)
