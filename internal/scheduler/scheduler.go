// Package scheduler 实现基于 cron 的同步任务调度
// 单协程滴答循环，按 next_run_at 派发到期任务，运行中的任务不会被重入
package scheduler

import (
	"context"
	"time"

	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/store"
	"github.com/haierkeys/feisync-service/pkg/code"
	"github.com/haierkeys/feisync-service/pkg/cronexpr"
	"github.com/haierkeys/feisync-service/pkg/safe_close"
	"github.com/haierkeys/feisync-service/pkg/workerpool"

	"go.uber.org/zap"
)

// tickInterval 兜底唤醒间隔
const tickInterval = 30 * time.Second

// Runner 同步任务执行器
type Runner interface {
	RunTask(ctx context.Context, taskID string) error
}

// Scheduler 同步任务调度器
type Scheduler struct {
	store  *store.Store
	runner Runner
	logger *zap.Logger
	sc     *safe_close.SafeClose

	// pool 任务执行池，限制并发运行的同步任务数
	pool *workerpool.Pool

	// wake 任务增删改后的提前唤醒信号
	wake chan struct{}
}

// New 创建调度器
func New(st *store.Store, runner Runner, sc *safe_close.SafeClose, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:  st,
		runner: runner,
		logger: logger,
		sc:     sc,
		pool:   workerpool.New(&workerpool.Config{MaxWorkers: 4, QueueSize: 64}, logger),
		wake:   make(chan struct{}, 1),
	}
}

// ComputeNext 计算 cron 表达式在 from 之后的首次触发
// 一年内无触发返回 nil
func ComputeNext(schedule string, from time.Time) (*time.Time, error) {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, code.Wrap(code.InvalidCron, "invalid cron expression", err)
	}
	next, ok := expr.Next(from)
	if !ok {
		return nil, nil
	}
	return &next, nil
}

// ValidateSchedule 校验 cron 表达式并返回归一化文本
func ValidateSchedule(schedule string) (string, error) {
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return "", code.Wrap(code.InvalidCron, "invalid cron expression", err)
	}
	return expr.String(), nil
}

// RecomputeAllOnStartup 启动时重算全部启用任务的 next_run_at
// 崩溃遗留的 running 状态一并复位
func (s *Scheduler) RecomputeAllOnStartup() error {
	now := time.Now()
	return s.store.Tasks.Update(func(f *model.TaskFile) error {
		for i := range f.Tasks {
			t := &f.Tasks[i]
			if t.LastStatus == model.TaskRunning {
				t.LastStatus = model.TaskFailed
				t.LastMessage = "interrupted by restart"
			}
			if !t.Enabled {
				t.NextRunAt = nil
				continue
			}
			next, err := ComputeNext(t.Schedule, now)
			if err != nil {
				s.logger.Warn("task schedule invalid",
					zap.String("task", t.ID), zap.String("schedule", t.Schedule), zap.Error(err))
				t.NextRunAt = nil
				continue
			}
			t.NextRunAt = next
		}
		return nil
	})
}

// Kick 提前唤醒滴答循环
func (s *Scheduler) Kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start 启动滴答循环
func (s *Scheduler) Start() {
	s.sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = s.pool.Shutdown(ctx)
		}()
		for {
			wait := s.untilNextDue()
			timer := time.NewTimer(wait)
			select {
			case <-closeSignal:
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
			case <-timer.C:
			}
			s.dispatchDue()
		}
	})
}

// untilNextDue 距下一次应当醒来的时长，上限为兜底间隔
func (s *Scheduler) untilNextDue() time.Duration {
	wait := tickInterval
	now := time.Now()
	_ = s.store.Tasks.Read(func(f *model.TaskFile) error {
		for i := range f.Tasks {
			t := &f.Tasks[i]
			if !t.Enabled || t.NextRunAt == nil || t.LastStatus == model.TaskRunning {
				continue
			}
			d := t.NextRunAt.Sub(now)
			if d < 0 {
				d = 0
			}
			if d < wait {
				wait = d
			}
		}
		return nil
	})
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// dispatchDue 扫描并派发到期任务
func (s *Scheduler) dispatchDue() {
	now := time.Now()
	var due []string
	_ = s.store.Tasks.Read(func(f *model.TaskFile) error {
		for i := range f.Tasks {
			t := &f.Tasks[i]
			if !t.Enabled || t.LastStatus == model.TaskRunning {
				continue
			}
			if t.NextRunAt != nil && !t.NextRunAt.After(now) {
				due = append(due, t.ID)
			}
		}
		return nil
	})
	for _, id := range due {
		taskID := id
		err := s.pool.Submit(context.Background(), func(ctx context.Context) {
			if err := s.Execute(ctx, taskID); err != nil {
				s.logger.Warn("scheduled sync run failed",
					zap.String("task", taskID), zap.Error(err))
			}
		})
		if err != nil {
			s.logger.Warn("sync task dispatch rejected",
				zap.String("task", taskID), zap.Error(err))
		}
	}
}

// Execute 执行一次同步任务
// 以 last_status=running 作为重入闸；完成后基于当前时间重算 next_run_at，
// 避免停摆恢复后的触发风暴
func (s *Scheduler) Execute(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	err := s.store.Tasks.Update(func(f *model.TaskFile) error {
		for i := range f.Tasks {
			t := &f.Tasks[i]
			if t.ID != taskID {
				continue
			}
			if t.LastStatus == model.TaskRunning {
				return code.New(code.Conflict, "task is already running")
			}
			t.LastStatus = model.TaskRunning
			n := now
			t.LastRunAt = &n
			t.LastMessage = "sync run started"
			return nil
		}
		return code.Newf(code.NotFound, "task %s not found", taskID)
	})
	if err != nil {
		return err
	}

	runErr := s.runner.RunTask(ctx, taskID)

	finishedAt := time.Now()
	finalizeErr := s.store.Tasks.Update(func(f *model.TaskFile) error {
		for i := range f.Tasks {
			t := &f.Tasks[i]
			if t.ID != taskID {
				continue
			}
			if runErr != nil {
				t.LastStatus = model.TaskFailed
				t.LastMessage = runErr.Error()
				t.ConsecutiveFailures++
			} else {
				t.LastStatus = model.TaskSuccess
				t.LastMessage = "sync completed"
				t.ConsecutiveFailures = 0
			}
			if t.Enabled {
				next, nerr := ComputeNext(t.Schedule, finishedAt)
				if nerr == nil {
					t.NextRunAt = next
				}
			}
			return nil
		}
		return code.Newf(code.NotFound, "task %s not found", taskID)
	})
	if finalizeErr != nil {
		s.logger.Error("finalize sync task", zap.String("task", taskID), zap.Error(finalizeErr))
	}
	s.Kick()
	return runErr
}
