package cache

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"erpcache/pkg/errors"
	"erpcache/pkg/logger"
)

const backendDisk = "disk"

// DiskOptions 磁盘缓存配置
type DiskOptions struct {
	Options
	Dir       string // 缓存文件目录
	Namespace string // 文件名前缀
	MaxBytes  int64  // 所有条目文件的总字节上限，0 表示不限制
}

// diskEntry 磁盘缓存条目在内存中的元数据，值本身只保存在文件中
type diskEntry struct {
	meta Entry
	path string
	size int64
}

// DiskStore 每个条目一个 JSON 文件的持久化缓存。
// 尽力而为：配额不足或 I/O 失败只记录日志，写入静默变为空操作；损坏的文件按未命中处理并删除。
type DiskStore struct {
	mu         sync.Mutex
	config     DiskOptions
	entries    map[string]*diskEntry
	tags       *tagIndex
	policy     EvictionPolicy
	totalBytes int64

	hitCount      int64
	missCount     int64
	evictionCount int64
	lastCleanup   time.Time
	closed        bool

	janitor *janitor
	log     *logrus.Entry
	now     func() time.Time
}

// NewDiskStore 创建磁盘缓存实例，并扫描目录重建索引
func NewDiskStore(config DiskOptions) (*DiskStore, error) {
	config.Options = config.Options.withDefaults()
	if config.Dir == "" {
		config.Dir = filepath.Join(os.TempDir(), "erpcache")
	}
	if config.Namespace == "" {
		config.Namespace = "erpcache"
	}
	if !validNamespace(config.Namespace) {
		return nil, errors.NewError(errors.ErrConfigInvalid, "disk cache namespace may only contain letters, digits and '-'").
			WithContext("namespace", config.Namespace)
	}

	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}

	ds := &DiskStore{
		config:      config,
		entries:     make(map[string]*diskEntry),
		tags:        newTagIndex(),
		policy:      NewEvictionPolicy(config.Policy),
		lastCleanup: time.Now(),
		log:         logger.WithComponent("cache.disk").WithField("dir", config.Dir),
		now:         time.Now,
	}

	if err := ds.loadIndex(); err != nil {
		return nil, fmt.Errorf("扫描缓存目录失败: %w", err)
	}

	if config.CleanupInterval > 0 {
		ds.janitor = startJanitor(config.CleanupInterval, ds.Sweep, ds.log)
	}

	return ds, nil
}

// Get 从磁盘缓存获取存活期内的数据
func (ds *DiskStore) Get(ctx context.Context, key string) (interface{}, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return nil, closedError()
	}

	de, exists := ds.entries[key]
	if !exists {
		ds.recordMiss()
		return nil, missError(key)
	}

	now := ds.now()
	if !de.meta.IsLive(now) {
		if de.meta.isDead(now, ds.config.StaleWindow) {
			ds.removeLocked(key)
		}
		ds.recordMiss()
		return nil, missError(key)
	}

	entry, err := ds.readLocked(key, de)
	if err != nil {
		ds.recordMiss()
		return nil, missError(key)
	}

	ds.hitCount++
	ds.config.Metrics.hit(backendDisk)
	ds.policy.OnAccess(key)
	return entry.Value, nil
}

// GetStale 获取存活或处于旧值窗口内的条目
func (ds *DiskStore) GetStale(ctx context.Context, key string) (*Entry, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return nil, closedError()
	}

	de, exists := ds.entries[key]
	if !exists || de.meta.isDead(ds.now(), ds.config.StaleWindow) {
		return nil, missError(key)
	}

	entry, err := ds.readLocked(key, de)
	if err != nil {
		return nil, missError(key)
	}
	return entry, nil
}

// Set 写入条目文件，失败时只记录日志
func (ds *DiskStore) Set(ctx context.Context, key string, value interface{}, opts SetOptions) error {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = ds.config.DefaultTTL
	}
	tags := dedupTags(opts.Tags)

	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return closedError()
	}

	writtenAt := ds.now()
	data, err := encodeEnvelope(value, writtenAt, ttl, tags)
	if err != nil {
		ds.log.WithError(err).WithField("key", key).Warn("failed to encode cache value, skipping write")
		return nil
	}
	size := int64(len(data))

	if ds.config.MaxBytes > 0 && size > ds.config.MaxBytes {
		ds.log.WithFields(logrus.Fields{
			"key":       key,
			"size":      size,
			"max_bytes": ds.config.MaxBytes,
		}).Warn("disk cache quota exceeded, skipping write")
		return nil
	}

	old, exists := ds.entries[key]
	if !exists && len(ds.entries) >= ds.config.MaxSize {
		ds.evictLocked()
	}
	if !ds.makeRoomLocked(key, size) {
		ds.log.WithFields(logrus.Fields{
			"key":       key,
			"size":      size,
			"max_bytes": ds.config.MaxBytes,
		}).Warn("disk cache quota exceeded, skipping write")
		return nil
	}

	var oldSize int64
	if exists {
		oldSize = old.size
	}

	path := ds.pathFor(key)
	if err := writeFileAtomic(path, data); err != nil {
		ds.log.WithError(err).WithField("key", key).Warn("disk cache write failed")
		return nil
	}

	de := &diskEntry{
		meta: Entry{Key: key, WrittenAt: writtenAt, TTL: ttl, Tags: tags},
		path: path,
		size: size,
	}

	if exists {
		ds.tags.remove(key, old.meta.Tags)
		ds.policy.OnAccess(key)
	} else {
		ds.policy.OnAdd(key)
	}
	ds.entries[key] = de
	ds.tags.add(key, tags)
	ds.totalBytes += de.size - oldSize
	ds.config.Metrics.setSize(backendDisk, len(ds.entries))
	return nil
}

// Invalidate 删除指定键及其文件
func (ds *DiskStore) Invalidate(ctx context.Context, key string) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return closedError()
	}

	ds.removeLocked(key)
	return nil
}

// InvalidateByTag 删除带有指定标签的全部条目
func (ds *DiskStore) InvalidateByTag(ctx context.Context, tag string) (int, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return 0, closedError()
	}

	keys := ds.tags.keys(tag)
	for _, key := range keys {
		ds.removeLocked(key)
	}
	return len(keys), nil
}

// Clear 清空磁盘缓存
func (ds *DiskStore) Clear(ctx context.Context) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return closedError()
	}

	for _, de := range ds.entries {
		ds.removeFile(de.path)
	}
	ds.entries = make(map[string]*diskEntry)
	ds.tags.reset()
	ds.policy.Reset()
	ds.totalBytes = 0
	ds.hitCount = 0
	ds.missCount = 0
	ds.config.Metrics.setSize(backendDisk, 0)
	return nil
}

// Sweep 清理超出旧值窗口的条目
func (ds *DiskStore) Sweep(ctx context.Context) int {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.closed {
		return 0
	}

	now := ds.now()
	removed := 0
	for key, de := range ds.entries {
		if de.meta.isDead(now, ds.config.StaleWindow) {
			ds.removeLocked(key)
			removed++
		}
	}
	ds.lastCleanup = now
	return removed
}

// Stats 获取缓存统计信息
func (ds *DiskStore) Stats() Stats {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	return Stats{
		Backend:       backendDisk,
		Size:          int64(len(ds.entries)),
		MaxSize:       int64(ds.config.MaxSize),
		HitCount:      ds.hitCount,
		MissCount:     ds.missCount,
		HitRate:       hitRate(ds.hitCount, ds.missCount),
		EvictionCount: ds.evictionCount,
		TagCount:      ds.tags.len(),
		TTL:           ds.config.DefaultTTL,
		StaleWindow:   ds.config.StaleWindow,
		LastCleanup:   ds.lastCleanup,
	}
}

// Close 关闭磁盘缓存，文件保留在磁盘上供下次打开时加载
func (ds *DiskStore) Close() error {
	ds.janitor.Stop()

	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.closed = true
	return nil
}

func (ds *DiskStore) recordMiss() {
	ds.missCount++
	ds.config.Metrics.miss(backendDisk)
}

// pathFor 返回键对应的文件路径：<namespace>_<转义后的键>.json
func (ds *DiskStore) pathFor(key string) string {
	return filepath.Join(ds.config.Dir, ds.config.Namespace+"_"+url.PathEscape(key)+".json")
}

// readLocked 读取条目文件；文件缺失或损坏时删除条目
func (ds *DiskStore) readLocked(key string, de *diskEntry) (*Entry, error) {
	raw, err := os.ReadFile(de.path)
	if err != nil {
		ds.log.WithError(err).WithField("key", key).Warn("disk cache read failed")
		ds.removeLocked(key)
		return nil, err
	}

	entry, err := decodeEnvelope(key, raw)
	if err != nil {
		ds.log.WithError(err).WithField("key", key).Warn("discarding corrupt cache file")
		ds.removeLocked(key)
		return nil, err
	}
	return entry, nil
}

func (ds *DiskStore) removeLocked(key string) {
	de, exists := ds.entries[key]
	if !exists {
		return
	}
	delete(ds.entries, key)
	ds.tags.remove(key, de.meta.Tags)
	ds.policy.OnRemove(key)
	ds.totalBytes -= de.size
	ds.removeFile(de.path)
	ds.config.Metrics.setSize(backendDisk, len(ds.entries))
}

func (ds *DiskStore) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		ds.log.WithError(err).WithField("path", path).Warn("failed to remove cache file")
	}
}

// makeRoomLocked 按淘汰顺序删除其他条目，直到写入 size 字节后不超过配额
func (ds *DiskStore) makeRoomLocked(key string, size int64) bool {
	if ds.config.MaxBytes <= 0 {
		return true
	}
	for {
		var current int64
		if de, ok := ds.entries[key]; ok {
			current = de.size
		}
		if ds.totalBytes-current+size <= ds.config.MaxBytes {
			return true
		}
		victim, ok := ds.policy.Victim()
		if !ok || victim == key {
			return false
		}
		ds.evictLocked()
	}
}

func (ds *DiskStore) evictLocked() {
	victim, ok := ds.policy.Victim()
	if !ok {
		return
	}
	ds.removeLocked(victim)
	ds.evictionCount++
	ds.config.Metrics.evicted(backendDisk)
	ds.log.WithField("key", victim).Debug("evicted entry at capacity")
}

// loadIndex 扫描目录中属于本命名空间的文件，按写入时间重建索引
func (ds *DiskStore) loadIndex() error {
	files, err := os.ReadDir(ds.config.Dir)
	if err != nil {
		return err
	}

	prefix := ds.config.Namespace + "_"
	now := ds.now()
	loaded := make([]*diskEntry, 0, len(files))

	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}

		path := filepath.Join(ds.config.Dir, name)
		key, err := url.PathUnescape(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json"))
		if err != nil {
			ds.removeFile(path)
			continue
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		entry, err := decodeEnvelope(key, raw)
		if err != nil || entry.isDead(now, ds.config.StaleWindow) {
			ds.removeFile(path)
			continue
		}

		entry.Value = nil
		loaded = append(loaded, &diskEntry{meta: *entry, path: path, size: int64(len(raw))})
	}

	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].meta.WrittenAt.Before(loaded[j].meta.WrittenAt)
	})

	for _, de := range loaded {
		if len(ds.entries) >= ds.config.MaxSize {
			ds.evictLocked()
		}
		key := de.meta.Key
		ds.entries[key] = de
		ds.tags.add(key, de.meta.Tags)
		ds.policy.OnAdd(key)
		ds.totalBytes += de.size
	}

	if len(loaded) > 0 {
		ds.log.WithField("entries", len(ds.entries)).Info("loaded disk cache index")
	}
	return nil
}

// validNamespace 命名空间不能包含文件名中的分隔符 '_'
func validNamespace(ns string) bool {
	for _, r := range ns {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return true
}

// writeFileAtomic 先写临时文件再重命名
func writeFileAtomic(path string, data []byte) error {
	tempFile := path + ".tmp"

	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("写入临时文件失败: %w", err)
	}

	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("重命名文件失败: %w", err)
	}

	return nil
}

var _ Store = (*DiskStore)(nil)
