// Package workerpool 提供有界并发的 Worker Pool
// 调度器用它执行同步任务，限制在途 goroutine 数量
package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	// ErrPoolFull 任务队列已满
	ErrPoolFull = errors.New("worker pool queue is full")
	// ErrPoolClosed Pool 已关闭
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Config Worker Pool 配置
type Config struct {
	// MaxWorkers 最大并发 worker 数
	MaxWorkers int
	// QueueSize 等待队列容量
	QueueSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{MaxWorkers: 8, QueueSize: 256}
}

type task struct {
	ctx context.Context
	fn  func(context.Context)
}

// Pool 有界 Worker Pool
type Pool struct {
	config Config
	logger *zap.Logger

	taskCh   chan task
	workerWg sync.WaitGroup

	activeCount atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New 创建 Worker Pool 并启动 worker 协程
func New(cfg *Config, logger *zap.Logger) *Pool {
	if cfg == nil {
		c := DefaultConfig()
		cfg = &c
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		config: *cfg,
		logger: logger,
		taskCh: make(chan task, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		p.workerWg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.workerWg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case t, ok := <-p.taskCh:
			if !ok {
				return
			}
			p.activeCount.Add(1)
			func() {
				defer func() {
					p.activeCount.Add(-1)
					if r := recover(); r != nil {
						p.logger.Error("worker task panic", zap.Any("panic", r), zap.Stack("stack"))
					}
				}()
				select {
				case <-t.ctx.Done():
				default:
					t.fn(t.ctx)
				}
			}()
		}
	}
}

// Submit 异步提交任务，队列满或已关闭时返回错误
func (p *Pool) Submit(ctx context.Context, fn func(context.Context)) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	select {
	case p.taskCh <- task{ctx: ctx, fn: fn}:
		return nil
	default:
		return ErrPoolFull
	}
}

// ActiveCount 当前执行中的任务数
func (p *Pool) ActiveCount() int64 {
	return p.activeCount.Load()
}

// QueuedCount 当前排队中的任务数
func (p *Pool) QueuedCount() int {
	return len(p.taskCh)
}

// Shutdown 关闭 Pool，等待在途任务结束或 ctx 超时
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.taskCh)

	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("worker pool shutdown timeout, forcing cancellation")
		return ctx.Err()
	}
}
