package fetch

import (
	"context"
	"math"
	"time"

	"erpcache/pkg/config"
	"erpcache/pkg/errors"
)

// RetryConfig 定义了重试操作的配置参数。
type RetryConfig struct {
	MaxAttempts       int                `json:"max_attempts"`       // 最大尝试次数（含第一次）
	BaseDelay         time.Duration      `json:"base_delay"`         // 第一次重试前的延迟
	MaxDelay          time.Duration      `json:"max_delay"`          // 延迟上限
	BackoffMultiplier float64            `json:"backoff_multiplier"` // 退避因子，用于指数退避算法
	RetryableCodes    []errors.ErrorCode `json:"retryable_codes"`    // 可重试的错误代码列表
}

// DefaultRetryableCodes 默认可重试的错误代码：连接类错误与 PostgreSQL 连接相关的 SQLSTATE
var DefaultRetryableCodes = []errors.ErrorCode{
	errors.ErrConnectionTimeout,
	errors.ErrConnectionFailure,
	errors.ErrTooManyConnections,
	errors.SQLStateConnectionException,
	errors.SQLStateUnableToConnect,
	errors.SQLStateConnectionDoesNotExist,
	errors.SQLStateConnectionFailure,
	errors.SQLStateTooManyConnections,
	errors.SQLStateAdminShutdown,
}

// DefaultRetryConfig 返回默认的重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		RetryableCodes:    DefaultRetryableCodes,
	}
}

// RetryConfigFrom 从配置文件的重试配置构造，可重试代码使用默认列表
func RetryConfigFrom(cfg config.RetryConfig) RetryConfig {
	return RetryConfig{
		MaxAttempts:       cfg.MaxAttempts,
		BaseDelay:         cfg.BaseDelay,
		MaxDelay:          cfg.MaxDelay,
		BackoffMultiplier: cfg.BackoffMultiplier,
		RetryableCodes:    DefaultRetryableCodes,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 1
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.RetryableCodes == nil {
		c.RetryableCodes = DefaultRetryableCodes
	}
	return c
}

// IsRetryable 判断错误的分类代码是否在可重试列表中
func (c RetryConfig) IsRetryable(err error) bool {
	code := errors.Classify(err)
	for _, rc := range c.RetryableCodes {
		if rc == code {
			return true
		}
	}
	return false
}

// Delay 返回第 attempt 次尝试（从1开始）失败后的等待时间：
// min(BaseDelay * BackoffMultiplier^(attempt-1), MaxDelay)
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(c.BaseDelay) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(delay)
}

// attemptFunc 单次尝试
type attemptFunc[T any] func(ctx context.Context) (T, error)

// retry 按配置执行 fn，observe 在每次尝试后被调用。返回结果、尝试次数和最后一次错误。
func retry[T any](ctx context.Context, cfg RetryConfig, fn attemptFunc[T], observe func(attempt int, d time.Duration, err error)) (T, int, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		start := time.Now()
		v, err := fn(ctx)
		if observe != nil {
			observe(attempt, time.Since(start), err)
		}
		if err == nil {
			return v, attempt, nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts || !cfg.IsRetryable(err) {
			return zero, attempt, lastErr
		}

		if err := sleep(ctx, cfg.Delay(attempt)); err != nil {
			return zero, attempt, lastErr
		}
	}

	return zero, cfg.MaxAttempts, lastErr
}

// sleep 等待 d，ctx 取消时提前返回
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
