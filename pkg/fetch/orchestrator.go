// Package fetch 实现带缓存的读穿透获取：存活命中直接返回，过期时可先返回旧值并在后台刷新，
// 未命中时带指数退避重试地调用数据源，并把每次尝试记录为查询样本。
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"erpcache/pkg/cache"
	"erpcache/pkg/errors"
	"erpcache/pkg/logger"
	"erpcache/pkg/metrics"
)

const (
	defaultTable     = "cache"
	defaultOperation = "fetch"
)

// Options 单次获取的选项
type Options struct {
	TTL                  time.Duration // <= 0 时使用缓存默认 TTL
	Tags                 []string
	StaleWhileRevalidate bool   // 过期但在旧值窗口内时先返回旧值并在后台刷新
	Table                string // 查询样本的表名，默认 "cache"
	Operation            string // 查询样本的操作名，默认 "fetch"
}

func (o Options) labels() (string, string) {
	table, op := o.Table, o.Operation
	if table == "" {
		table = defaultTable
	}
	if op == "" {
		op = defaultOperation
	}
	return table, op
}

// Fetcher 数据源调用
type Fetcher[T any] func(ctx context.Context) (T, error)

// Orchestrator 协调缓存、数据源与指标记录
type Orchestrator struct {
	store    cache.Store
	recorder metrics.Recorder
	retry    RetryConfig
	log      *logrus.Entry

	wg sync.WaitGroup
}

// NewOrchestrator 创建协调器，recorder 可以为 nil
func NewOrchestrator(store cache.Store, recorder metrics.Recorder, retry RetryConfig) *Orchestrator {
	return &Orchestrator{
		store:    store,
		recorder: recorder,
		retry:    retry.withDefaults(),
		log:      logger.WithComponent("fetch"),
	}
}

// Store 返回底层缓存
func (o *Orchestrator) Store() cache.Store {
	return o.store
}

// Wait 阻塞直到所有后台刷新结束
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// FetchWithCache 读穿透获取 key 对应的值。
//
// 调用方只会得到一个值（新鲜、旧值或刚获取的）或最后一次获取失败的错误，不会看到缓存内部的错误。
func FetchWithCache[T any](ctx context.Context, o *Orchestrator, key string, fetcher Fetcher[T], opts Options) (T, error) {
	table, op := opts.labels()
	start := time.Now()
	log := o.log.WithField("key", key)

	if raw, err := o.store.Get(ctx, key); err == nil {
		if v, ok := decodeValue[T](raw, log); ok {
			o.recordHit(table, op, time.Since(start))
			return v, nil
		}
	} else if !cache.IsMiss(err) {
		log.WithError(err).Warn("cache read failed, treating as miss")
	}

	if opts.StaleWhileRevalidate {
		if v, ok := lookupStale[T](ctx, o, key, log); ok {
			o.recordHit(table, op, time.Since(start))
			revalidate(ctx, o, key, fetcher, opts)
			log.Debug("served stale value, refreshing in background")
			return v, nil
		}
	}

	v, attempts, err := fetchAndStore(ctx, o, key, fetcher, opts)
	if err == nil {
		return v, nil
	}

	if stale, ok := lookupStale[T](ctx, o, key, log); ok {
		log.WithError(err).WithField("attempts", attempts).Warn("fetch failed, serving stale value")
		return stale, nil
	}

	var zero T
	return zero, errors.WrapError(errors.ErrFetchFailed,
		fmt.Sprintf("fetch %q failed after %d attempt(s)", key, attempts), err).
		WithContext("key", key).
		WithContext("attempts", attempts)
}

// fetchAndStore 带重试地调用数据源，成功后写回缓存
func fetchAndStore[T any](ctx context.Context, o *Orchestrator, key string, fetcher Fetcher[T], opts Options) (T, int, error) {
	table, op := opts.labels()

	v, attempts, err := retry(ctx, o.retry, attemptFunc[T](fetcher), func(attempt int, d time.Duration, err error) {
		o.recordAttempt(table, op, d, err)
		if err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{
				"key":     key,
				"attempt": attempt,
				"code":    errors.Classify(err),
			}).Debug("fetch attempt failed")
		}
	})
	if err != nil {
		return v, attempts, err
	}

	if err := o.store.Set(ctx, key, v, cache.SetOptions{TTL: opts.TTL, Tags: opts.Tags}); err != nil {
		o.log.WithError(err).WithField("key", key).Warn("cache write failed")
	}
	return v, attempts, nil
}

// revalidate 在后台刷新 key，不随调用方的 ctx 取消
func revalidate[T any](ctx context.Context, o *Orchestrator, key string, fetcher Fetcher[T], opts Options) {
	bctx := context.WithoutCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				o.log.WithField("key", key).Errorf("background refresh panicked: %v", r)
			}
		}()

		if _, attempts, err := fetchAndStore(bctx, o, key, fetcher, opts); err != nil {
			o.log.WithError(err).WithFields(logrus.Fields{
				"key":      key,
				"attempts": attempts,
			}).Warn("background refresh failed, keeping stale value")
		}
	}()
}

// lookupStale 读取存活或旧值窗口内的条目
func lookupStale[T any](ctx context.Context, o *Orchestrator, key string, log *logrus.Entry) (T, bool) {
	var zero T
	entry, err := o.store.GetStale(ctx, key)
	if err != nil {
		if !cache.IsMiss(err) {
			log.WithError(err).Warn("stale cache read failed")
		}
		return zero, false
	}
	return decodeValue[T](entry.Value, log)
}

// decodeValue 将缓存中的值还原为 T，持久化后端的值为 json.RawMessage
func decodeValue[T any](raw interface{}, log *logrus.Entry) (T, bool) {
	var zero T
	if v, ok := raw.(T); ok {
		return v, true
	}

	var data []byte
	switch r := raw.(type) {
	case json.RawMessage:
		data = r
	case []byte:
		data = r
	default:
		log.WithField("type", fmt.Sprintf("%T", raw)).Warn("cached value has unexpected type, treating as miss")
		return zero, false
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		log.WithError(err).Warn("failed to decode cached value, treating as miss")
		return zero, false
	}
	return v, true
}

func (o *Orchestrator) recordHit(table, op string, d time.Duration) {
	if o.recorder == nil {
		return
	}
	o.recorder.RecordQuery(metrics.QueryMetric{
		Table:     table,
		Operation: op,
		Duration:  d,
		Success:   true,
		CacheHit:  true,
	})
}

func (o *Orchestrator) recordAttempt(table, op string, d time.Duration, err error) {
	if o.recorder == nil {
		return
	}
	m := metrics.QueryMetric{
		Table:     table,
		Operation: op,
		Duration:  d,
		Success:   err == nil,
	}
	if err != nil {
		m.Error = err.Error()
	}
	o.recorder.RecordQuery(m)
}
