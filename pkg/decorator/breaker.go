package decorator

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"erpcache/pkg/config"
	"erpcache/pkg/errors"
	"erpcache/pkg/logger"
)

// NewCircuitBreaker 按配置创建熔断器，连续失败达到阈值时打开
func NewCircuitBreaker(name string, cfg config.BreakerConfig) *gobreaker.CircuitBreaker {
	log := logger.WithComponent("breaker").WithField("breaker", name)
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}

// WithCircuitBreaker 通过熔断器执行 fn，熔断拒绝的请求返回 CIRCUIT_OPEN 错误（不可重试）
func WithCircuitBreaker[T any](cb *gobreaker.CircuitBreaker, fn QueryFunc[T]) QueryFunc[T] {
	return func(ctx context.Context) (T, error) {
		var zero T

		result, err := cb.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
		if err != nil {
			if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
				return zero, errors.WrapError(errors.ErrCircuitOpen,
					fmt.Sprintf("circuit breaker %s rejected request", cb.Name()), err).
					WithContext("state", cb.State().String())
			}
			return zero, err
		}

		if result == nil {
			return zero, nil
		}
		v, ok := result.(T)
		if !ok {
			return zero, errors.NewError(errors.ErrInternal,
				fmt.Sprintf("circuit breaker returned unexpected type %T", result))
		}
		return v, nil
	}
}

// CircuitBreaker 返回 WithCircuitBreaker 形式的装饰器
func CircuitBreaker[T any](cb *gobreaker.CircuitBreaker) Decorator[T] {
	return func(next QueryFunc[T]) QueryFunc[T] {
		return WithCircuitBreaker(cb, next)
	}
}
