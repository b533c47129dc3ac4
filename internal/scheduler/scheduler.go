// Package scheduler runs the engine's background jobs (interest accrual,
// liquidation scans, settlement reconciliation) on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wTHU1Ew/papaya/internal/logger"
)

// JobFunc 任务函数 / A background job; the context is canceled on Stop
type JobFunc func(ctx context.Context) error

// JobStats 任务统计 / Run counters of one job
type JobStats struct {
	Runs        int64
	Failures    int64
	LastRun     time.Time
	LastError   string
	LastElapsed time.Duration
}

type job struct {
	name  string
	spec  string
	fn    JobFunc
	stats JobStats
}

// Scheduler 后台任务调度器 / Background job scheduler
type Scheduler struct {
	cron   *cron.Cron
	logger *logger.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

// New 创建调度器 / Create scheduler
// 任务在 panic 时被恢复，上一次运行未结束时跳过本次触发
// Panicking jobs are recovered and a trigger is skipped while the previous run is still going.
func New(log *logger.Logger) *Scheduler {
	log = log.With("scheduler")
	cl := cronLogger{log}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: log,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add 注册任务 / Register fn under name on a standard cron spec (descriptors such as "@every 15s" allowed)
func (s *Scheduler) Add(name, spec string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, spec: spec, fn: fn}
	if _, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, j) }); err != nil {
		return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
	}
	s.jobs[name] = j
	s.logger.Info("Job %s scheduled at %s", name, spec)
	return nil
}

// Start 启动调度器 / Start firing scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started with %d job(s)", len(s.jobs))
}

// Stop 停止调度器 / Cancel running jobs and wait for them to return
func (s *Scheduler) Stop() {
	s.logger.Info("Stopping scheduler...")
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// RunNow 立即运行任务 / Run the named job synchronously, outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %s", name)
	}
	return s.run(ctx, j)
}

func (s *Scheduler) run(ctx context.Context, j *job) error {
	start := time.Now()
	err := j.fn(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	j.stats.Runs++
	j.stats.LastRun = start
	j.stats.LastElapsed = elapsed
	j.stats.LastError = ""
	if err != nil {
		j.stats.Failures++
		j.stats.LastError = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Job %s failed after %v: %v", j.name, elapsed, err)
	} else {
		s.logger.Debug("Job %s completed in %v", j.name, elapsed)
	}
	return err
}

// Stats 任务统计 / Snapshot of every job's counters
func (s *Scheduler) Stats() map[string]JobStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]JobStats, len(s.jobs))
	for name, j := range s.jobs {
		out[name] = j.stats
	}
	return out
}

// cronLogger routes cron's structured messages into the leveled logger.
type cronLogger struct {
	l *logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: %s%s", msg, formatKV(keysAndValues))
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: %s%s: %v", msg, formatKV(keysAndValues), err)
}

func formatKV(kv []interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
	}
	return b.String()
}
