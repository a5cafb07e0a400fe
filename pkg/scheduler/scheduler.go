// Package scheduler 按 cron 表达式（含秒字段）周期运行进程内任务，
// 用于指标导出、连接探测和统计报告等后台作业。
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"erpcache/pkg/errors"
	"erpcache/pkg/logger"
)

var parser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler 任务调度器
type Scheduler struct {
	cron   *cron.Cron
	jobs   map[string]*Job
	mu     sync.RWMutex
	log    *logrus.Entry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopTimeout time.Duration
}

// New 创建新的任务调度器
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron:        cron.New(cron.WithParser(parser)),
		jobs:        make(map[string]*Job),
		log:         logger.WithComponent("scheduler"),
		ctx:         ctx,
		cancel:      cancel,
		stopTimeout: 30 * time.Second,
	}
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cron.Start()
	s.updateNextRunTimes()
	s.log.WithField("jobs", len(s.jobs)).Info("scheduler started")
}

// Stop 停止调度器，取消运行中任务的 ctx 并等待它们结束
func (s *Scheduler) Stop() {
	s.cancel()
	cronCtx := s.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped")
	case <-time.After(s.stopTimeout):
		s.log.Warn("scheduler stop timed out")
	}
}

// AddJob 添加任务，禁用的任务只登记不调度
func (s *Scheduler) AddJob(config JobConfig, task Task) error {
	if err := validateJobConfig(config); err != nil {
		return err
	}
	if task == nil {
		return errors.NewError(errors.ErrConfigInvalid, fmt.Sprintf("job %s: task is nil", config.Name))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[config.Name]; exists {
		return errors.NewError(errors.ErrConfigInvalid, fmt.Sprintf("job %s already exists", config.Name))
	}

	job := &Job{
		ID:     uuid.New().String(),
		Config: config,
		Status: JobStatusPending,
		task:   task,
	}

	if !config.Enabled {
		job.Status = JobStatusDisabled
		s.jobs[config.Name] = job
		s.log.WithField("job", config.Name).Info("job added (disabled)")
		return nil
	}

	entryID, err := s.cron.AddFunc(config.Schedule, func() {
		s.wg.Add(1)
		defer s.wg.Done()
		s.executeJob(job)
	})
	if err != nil {
		return errors.WrapError(errors.ErrConfigInvalid, fmt.Sprintf("schedule job %s", config.Name), err)
	}

	job.EntryID = entryID
	s.jobs[config.Name] = job
	s.updateNextRunTimes()

	s.log.WithFields(logrus.Fields{
		"job":      config.Name,
		"schedule": config.Schedule,
	}).Info("job added")
	return nil
}

// RemoveJob 移除任务
func (s *Scheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[name]
	if !exists {
		return errors.NewError(errors.ErrConfigInvalid, fmt.Sprintf("job %s not found", name))
	}

	if job.EntryID != 0 {
		s.cron.Remove(job.EntryID)
	}
	delete(s.jobs, name)

	s.log.WithField("job", name).Info("job removed")
	return nil
}

// GetJob 获取任务状态的副本
func (s *Scheduler) GetJob(name string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[name]
	if !exists {
		return nil, errors.NewError(errors.ErrConfigInvalid, fmt.Sprintf("job %s not found", name))
	}

	jobCopy := *job
	return &jobCopy, nil
}

// GetAllJobs 获取所有任务，按名称排序
func (s *Scheduler) GetAllJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.updateNextRunTimes()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobCopy := *job
		jobs = append(jobs, &jobCopy)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Config.Name < jobs[j].Config.Name })

	return jobs
}

// RunJob 立即在后台执行一次任务
func (s *Scheduler) RunJob(name string) error {
	s.mu.RLock()
	job, exists := s.jobs[name]
	s.mu.RUnlock()

	if !exists {
		return errors.NewError(errors.ErrConfigInvalid, fmt.Sprintf("job %s not found", name))
	}
	if !job.Config.Enabled {
		return errors.NewError(errors.ErrConfigInvalid, fmt.Sprintf("job %s is disabled", name))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(job)
	}()
	return nil
}

func validateJobConfig(config JobConfig) error {
	if config.Name == "" {
		return errors.NewError(errors.ErrConfigInvalid, "job name is required")
	}
	if config.Schedule == "" {
		return errors.NewError(errors.ErrConfigInvalid, fmt.Sprintf("job %s: schedule is required", config.Name))
	}
	if _, err := parser.Parse(config.Schedule); err != nil {
		return errors.WrapError(errors.ErrConfigInvalid,
			fmt.Sprintf("job %s: invalid schedule %q", config.Name, config.Schedule), err)
	}
	return nil
}

// executeJob 执行任务，上一次运行尚未结束时跳过
func (s *Scheduler) executeJob(job *Job) {
	log := s.log.WithField("job", job.Config.Name)

	s.mu.Lock()
	if job.Status == JobStatusRunning {
		s.mu.Unlock()
		log.Warn("job still running, skipping this run")
		return
	}
	job.Status = JobStatusRunning
	now := time.Now()
	job.LastRun = &now
	job.RunCount++
	s.mu.Unlock()

	log.Debug("job started")

	timeout := job.Config.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	err := runTask(ctx, job.task)

	s.mu.Lock()
	if err != nil {
		job.Status = JobStatusError
		job.LastError = err.Error()
		job.ErrorCount++
	} else {
		job.Status = JobStatusPending
		job.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		log.WithError(err).Error("job failed")
		return
	}
	log.WithField("duration_ms", time.Since(now).Milliseconds()).Debug("job finished")
}

// runTask 执行任务并把 panic 转换为错误
func runTask(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewError(errors.ErrInternal, fmt.Sprintf("job panicked: %v", r))
		}
	}()
	return task(ctx)
}

// updateNextRunTimes 更新所有任务的下次运行时间（需要持有锁）
func (s *Scheduler) updateNextRunTimes() {
	entries := s.cron.Entries()
	for _, job := range s.jobs {
		if job.EntryID == 0 {
			continue
		}
		for _, entry := range entries {
			if entry.ID == job.EntryID && !entry.Next.IsZero() {
				nextRun := entry.Next
				job.NextRun = &nextRun
				break
			}
		}
	}
}
