package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"erpcache/pkg/config"
)

// DefaultJobTimeout 单次任务执行的默认超时
const DefaultJobTimeout = 5 * time.Minute

// JobConfig 定义单个任务的配置
type JobConfig struct {
	Name     string        `yaml:"name" json:"name"`
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Schedule string        `yaml:"schedule" json:"schedule"`           // 带秒字段的 cron 表达式
	Timeout  time.Duration `yaml:"timeout" json:"timeout,omitempty"` // <= 0 时使用 DefaultJobTimeout
}

// JobConfigFrom 由配置文件中的任务配置构造
func JobConfigFrom(name string, cfg config.JobConfig) JobConfig {
	return JobConfig{
		Name:     name,
		Enabled:  cfg.Enabled,
		Schedule: cfg.Schedule,
	}
}

// Task 任务的执行体
type Task func(ctx context.Context) error

// Job 表示一个已注册的任务
type Job struct {
	ID         string       `json:"id"`
	Config     JobConfig    `json:"config"`
	EntryID    cron.EntryID `json:"-"`
	Status     JobStatus    `json:"status"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	NextRun    *time.Time   `json:"next_run,omitempty"`
	RunCount   int64        `json:"run_count"`
	ErrorCount int64        `json:"error_count"`
	LastError  string       `json:"last_error,omitempty"`

	task Task
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)
