package cache

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// janitor 周期性调用 Sweep 清理过期条目
type janitor struct {
	ticker *time.Ticker
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func startJanitor(interval time.Duration, sweep func(ctx context.Context) int, log *logrus.Entry) *janitor {
	j := &janitor{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(j.done)
		for {
			select {
			case <-j.ticker.C:
				j.runOnce(sweep, log)
			case <-j.stop:
				return
			}
		}
	}()

	return j
}

// runOnce 执行一次清理，panic 被恢复并记录，不会终止清理协程
func (j *janitor) runOnce(sweep func(ctx context.Context) int, log *logrus.Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("cache sweep panicked")
		}
	}()

	if removed := sweep(context.Background()); removed > 0 {
		log.WithField("removed", removed).Debug("cache sweep finished")
	}
}

// Stop 停止清理协程并等待其退出，可重复调用
func (j *janitor) Stop() {
	if j == nil {
		return
	}
	j.once.Do(func() {
		j.ticker.Stop()
		close(j.stop)
	})
	<-j.done
}
