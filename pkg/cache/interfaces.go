// Package cache 提供了 erpcache 的带标签 TTL 缓存，包括内存、磁盘和 Redis 三种后端，
// 以及按标签批量失效的倒排索引和可配置的淘汰策略。
package cache

import (
	"context"
	"time"
)

const (
	// DefaultTTL 未指定 TTL 时条目的默认存活时间
	DefaultTTL = 5 * time.Minute
	// DefaultCleanupInterval 默认的过期清理间隔
	DefaultCleanupInterval = 5 * time.Minute
	// DefaultMaxSize 默认最大条目数
	DefaultMaxSize = 1000
)

// Store 定义了所有缓存后端都必须遵循的通用接口。
// 后端在构造时选定一次，之后调用方只依赖此接口。
type Store interface {
	// Get 返回仍在存活期内的值；不存在或已过期时返回 CACHE_MISS 错误。
	Get(ctx context.Context, key string) (interface{}, error)
	// GetStale 返回存活或处于旧值窗口内的条目，作为"最后一次已知的正确值"。
	GetStale(ctx context.Context, key string) (*Entry, error)
	// Set 写入或覆盖一个条目，并同步更新标签索引。
	Set(ctx context.Context, key string, value interface{}, opts SetOptions) error
	// Invalidate 删除指定键，键不存在时不报错。
	Invalidate(ctx context.Context, key string) error
	// InvalidateByTag 删除所有带有该标签的条目，返回删除数量。
	InvalidateByTag(ctx context.Context, tag string) (int, error)
	// Clear 清空所有条目并重置命中统计。
	Clear(ctx context.Context) error
	// Sweep 删除所有超出 TTL+旧值窗口的条目，返回删除数量。
	Sweep(ctx context.Context) int
	// Stats 返回当前缓存的统计信息。
	Stats() Stats
	// Close 停止后台清理并释放资源，可重复调用。
	Close() error
}

// SetOptions 写入选项
type SetOptions struct {
	TTL  time.Duration // <= 0 时使用缓存默认 TTL
	Tags []string      // 重复标签会被合并
}

// Entry 缓存条目
type Entry struct {
	Key       string        `json:"key"`
	Value     interface{}   `json:"value"`
	WrittenAt time.Time     `json:"written_at"`
	TTL       time.Duration `json:"ttl"`
	Tags      []string      `json:"tags,omitempty"`
}

// Age 返回条目在 now 时刻的年龄
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt)
}

// IsLive 条目年龄不超过 TTL 时为存活
func (e *Entry) IsLive(now time.Time) bool {
	return e.Age(now) <= e.TTL
}

// IsStale 条目已过期但仍在旧值窗口内
func (e *Entry) IsStale(now time.Time, window time.Duration) bool {
	return !e.IsLive(now) && e.Age(now) <= e.TTL+window
}

// isDead 条目已超出旧值窗口，可以物理删除
func (e *Entry) isDead(now time.Time, window time.Duration) bool {
	return e.Age(now) > e.TTL+window
}

// Stats 包含了缓存实现的详细统计数据。
type Stats struct {
	Backend       string        `json:"backend"`
	Size          int64         `json:"size"`           // 当前缓存中的条目数
	MaxSize       int64         `json:"max_size"`       // 缓存配置的最大容量
	HitCount      int64         `json:"hit_count"`      // 缓存命中次数
	MissCount     int64         `json:"miss_count"`     // 缓存未命中次数
	HitRate       float64       `json:"hit_rate"`       // HitCount / (HitCount + MissCount)
	EvictionCount int64         `json:"eviction_count"` // 因容量淘汰的条目数
	TagCount      int           `json:"tag_count"`      // 索引中的标签数
	TTL           time.Duration `json:"ttl"`            // 默认 TTL
	StaleWindow   time.Duration `json:"stale_window"`   // 旧值窗口
	LastCleanup   time.Time     `json:"last_cleanup"`   // 最后一次清理的时间
}

// Options 各后端共用的构造参数
type Options struct {
	MaxSize         int
	DefaultTTL      time.Duration
	StaleWindow     time.Duration
	CleanupInterval time.Duration // <= 0 时不启动后台清理
	Policy          PolicyType
	Metrics         *StoreMetrics // 可选
}

func (o Options) withDefaults() Options {
	if o.MaxSize <= 0 {
		o.MaxSize = DefaultMaxSize
	}
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = DefaultTTL
	}
	if o.StaleWindow < 0 {
		o.StaleWindow = 0
	}
	if o.Policy == "" {
		o.Policy = PolicyFIFO
	}
	return o
}

func hitRate(hits, misses int64) float64 {
	if total := hits + misses; total > 0 {
		return float64(hits) / float64(total)
	}
	return 0
}

// dedupTags 合并重复标签并去掉空标签
func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
