// Package transfer 实现持久化的断点续传引擎
// 每条传输是一条落盘记录，进程重启后队列由磁盘重建
package transfer

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/internal/store"
	"github.com/haierkeys/feisync-service/pkg/code"
	"github.com/haierkeys/feisync-service/pkg/eventbus"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// TopicTransfer 传输事件主题
const TopicTransfer = "transfer"

// queueDepth 单方向待执行队列容量
const queueDepth = 1024

// downloadBlockSize 下载分块大小
const downloadBlockSize = 4 * 1024 * 1024

// control 单条传输的运行控制位
type control struct {
	mu        sync.Mutex
	paused    bool
	cancelled bool
}

func (c *control) pause()   { c.mu.Lock(); c.paused = true; c.mu.Unlock() }
func (c *control) resume()  { c.mu.Lock(); c.paused = false; c.mu.Unlock() }
func (c *control) cancel()  { c.mu.Lock(); c.cancelled = true; c.mu.Unlock() }
func (c *control) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}
func (c *control) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// Engine 传输引擎
type Engine struct {
	store    *store.Store
	backends *backend.Set
	registry *registry.Registry
	bus      *eventbus.Bus
	logger   *zap.Logger
	cfg      model.TransferConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	upQueue   chan string
	downQueue chan string

	controlsMu sync.Mutex
	controls   map[string]*control

	// tenantSlots 同租户并发上限，防止触发限流风暴
	tenantSlotsMu sync.Mutex
	tenantSlots   map[string]*semaphore.Weighted

	waitersMu sync.Mutex
	waiters   map[string][]chan model.Transfer

	speeds *speedTracker
}

// New 创建传输引擎并从磁盘重建队列
// 启动时处于 running/pending 的记录一律降级为 paused，等待用户显式恢复
func New(st *store.Store, backends *backend.Set, reg *registry.Registry,
	bus *eventbus.Bus, cfg model.TransferConfig, logger *zap.Logger) (*Engine, error) {

	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkersPerDirection <= 0 {
		cfg.WorkersPerDirection = 3
	}
	if cfg.PerTenantParallel <= 0 {
		cfg.PerTenantParallel = 2
	}
	if cfg.BlockRetries <= 0 {
		cfg.BlockRetries = 5
	}
	if cfg.RetryBaseMs <= 0 {
		cfg.RetryBaseMs = 500
	}
	if cfg.RetryCapMs <= 0 {
		cfg.RetryCapMs = 10000
	}
	if cfg.BackendTimeoutSec <= 0 {
		cfg.BackendTimeoutSec = 60
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:       st,
		backends:    backends,
		registry:    reg,
		bus:         bus,
		logger:      logger,
		cfg:         cfg,
		ctx:         ctx,
		cancel:      cancel,
		upQueue:     make(chan string, queueDepth),
		downQueue:   make(chan string, queueDepth),
		controls:    make(map[string]*control),
		tenantSlots: make(map[string]*semaphore.Weighted),
		waiters:     make(map[string][]chan model.Transfer),
		speeds:      newSpeedTracker(),
	}

	if err := e.reconcileOnStartup(); err != nil {
		cancel()
		return nil, err
	}

	for i := 0; i < cfg.WorkersPerDirection; i++ {
		e.wg.Add(2)
		go e.worker(e.upQueue)
		go e.worker(e.downQueue)
	}

	reg.OnTenantRemoved(e.CancelByTenant)
	return e, nil
}

// reconcileOnStartup 将非终态记录降级为 paused
func (e *Engine) reconcileOnStartup() error {
	return e.store.Transfers.Update(func(f *model.TransferFile) error {
		for i := range f.Transfers {
			switch f.Transfers[i].Status {
			case model.StatusRunning, model.StatusPending:
				f.Transfers[i].Status = model.StatusPaused
				f.Transfers[i].UpdatedAt = time.Now().UTC()
			}
		}
		return nil
	})
}

// Shutdown 停止引擎，等待 worker 在块边界退出
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) controlFor(id string) *control {
	e.controlsMu.Lock()
	defer e.controlsMu.Unlock()
	c, ok := e.controls[id]
	if !ok {
		c = &control{}
		e.controls[id] = c
	}
	return c
}

func (e *Engine) dropControl(id string) {
	e.controlsMu.Lock()
	delete(e.controls, id)
	e.controlsMu.Unlock()
}

// tenantSlot 取得租户并发额度
func (e *Engine) tenantSlot(tenantID string) *semaphore.Weighted {
	e.tenantSlotsMu.Lock()
	defer e.tenantSlotsMu.Unlock()
	s, ok := e.tenantSlots[tenantID]
	if !ok {
		s = semaphore.NewWeighted(int64(e.cfg.PerTenantParallel))
		e.tenantSlots[tenantID] = s
	}
	return s
}

// Get 读取单条记录
func (e *Engine) Get(id string) (model.Transfer, error) {
	var found *model.Transfer
	err := e.store.Transfers.Read(func(f *model.TransferFile) error {
		for i := range f.Transfers {
			if f.Transfers[i].ID == id {
				t := f.Transfers[i]
				found = &t
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return model.Transfer{}, err
	}
	if found == nil {
		return model.Transfer{}, code.Newf(code.NotFound, "transfer %s not found", id)
	}
	return *found, nil
}

// List 返回全部记录，按创建时间倒序
func (e *Engine) List() ([]model.Transfer, error) {
	var out []model.Transfer
	err := e.store.Transfers.Read(func(f *model.TransferFile) error {
		out = append(out, f.Transfers...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SpeedOf 返回传输的即时速率（字节/秒）
func (e *Engine) SpeedOf(id string) float64 {
	return e.speeds.rate(id)
}

// mutate 变更记录并落盘，随后发布事件
// 终态事件唤醒全部 waiter 并清理控制位
func (e *Engine) mutate(id string, fn func(t *model.Transfer)) (model.Transfer, error) {
	var updated *model.Transfer
	err := e.store.Transfers.Update(func(f *model.TransferFile) error {
		for i := range f.Transfers {
			if f.Transfers[i].ID == id {
				fn(&f.Transfers[i])
				f.Transfers[i].UpdatedAt = time.Now().UTC()
				t := f.Transfers[i]
				updated = &t
				return nil
			}
		}
		return code.Newf(code.NotFound, "transfer %s not found", id)
	})
	if err != nil {
		return model.Transfer{}, err
	}
	e.afterMutation(*updated)
	return *updated, nil
}

func (e *Engine) afterMutation(t model.Transfer) {
	e.speeds.observe(t.ID, t.Transferred)
	e.bus.Publish(eventbus.Event{
		Topic:    TopicTransfer,
		Key:      t.ID,
		Terminal: t.Status.Terminal(),
		Payload:  t,
	})
	if t.Status.Terminal() {
		e.speeds.drop(t.ID)
		e.dropControl(t.ID)
		e.notifyWaiters(t)
		if t.ParentID != "" {
			e.recomputeFolder(t.ParentID)
		}
	}
}

// Wait 返回在该传输进入终态时收到最终记录的通道
// 已处于终态时立即送达
func (e *Engine) Wait(id string) <-chan model.Transfer {
	ch := make(chan model.Transfer, 1)
	t, err := e.Get(id)
	if err == nil && t.Status.Terminal() {
		ch <- t
		return ch
	}
	e.waitersMu.Lock()
	e.waiters[id] = append(e.waiters[id], ch)
	e.waitersMu.Unlock()
	return ch
}

func (e *Engine) notifyWaiters(t model.Transfer) {
	e.waitersMu.Lock()
	chans := e.waiters[t.ID]
	delete(e.waiters, t.ID)
	e.waitersMu.Unlock()
	for _, ch := range chans {
		ch <- t
	}
}

func (e *Engine) enqueue(t model.Transfer) {
	var q chan string
	if t.Direction == model.DirectionUpload {
		q = e.upQueue
	} else {
		q = e.downQueue
	}
	select {
	case q <- t.ID:
	default:
		// 队列已满，记录保持 pending；进程重启时降级为 paused，之后可由 resume 重新入队
		e.logger.Warn("transfer queue full", zap.String("transfer", t.ID))
	}
}

// worker 取出待执行记录并运行
func (e *Engine) worker(q chan string) {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case id := <-q:
			t, err := e.Get(id)
			if err != nil || t.Status != model.StatusPending {
				continue
			}
			e.run(t)
		}
	}
}

// run 执行一条传输
func (e *Engine) run(t model.Transfer) {
	slot := e.tenantSlot(t.TenantID)
	if err := slot.Acquire(e.ctx, 1); err != nil {
		return
	}
	defer slot.Release(1)

	cur, err := e.Get(t.ID)
	if err != nil || cur.Status != model.StatusPending {
		return
	}
	if _, err := e.mutate(t.ID, func(t *model.Transfer) {
		t.Status = model.StatusRunning
		t.Message = ""
	}); err != nil {
		return
	}

	switch cur.Kind {
	case model.KindFileUp:
		err = e.runFileUpload(cur.ID)
	case model.KindFolderUp:
		err = e.runFolderUpload(cur.ID)
	case model.KindFileDown:
		err = e.runFileDownload(cur.ID)
	case model.KindFolderDown:
		err = e.runFolderDownload(cur.ID)
	default:
		err = code.Newf(code.InvalidArgument, "unknown transfer kind %q", cur.Kind)
	}

	if err != nil {
		e.failTransfer(cur.ID, err)
	}
}

// failTransfer 将记录置为 failed 并记录原因
func (e *Engine) failTransfer(id string, cause error) {
	msg := cause.Error()
	if code.Is(cause, code.Cancelled) {
		msg = "cancelled"
	}
	if _, err := e.mutate(id, func(t *model.Transfer) {
		t.Status = model.StatusFailed
		t.Message = msg
	}); err != nil {
		e.logger.Error("mark transfer failed", zap.String("transfer", id), zap.Error(err))
	}
}

// backendFor 取记录对应的租户与后端
func (e *Engine) backendFor(t *model.Transfer) (model.Tenant, backend.Backend, error) {
	tenant, err := e.registry.GetTenant(t.TenantID)
	if err != nil {
		return model.Tenant{}, nil, err
	}
	be, err := e.backends.Select(&tenant)
	if err != nil {
		return model.Tenant{}, nil, err
	}
	return tenant, be, nil
}

// callWithRetry 以指数退避重试瞬态错误
// 仅传输层错误重试，服务端明确拒绝立即放弃
func (e *Engine) callWithRetry(ctrl *control, fn func(ctx context.Context) error) error {
	base := time.Duration(e.cfg.RetryBaseMs) * time.Millisecond
	maxDelay := time.Duration(e.cfg.RetryCapMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < e.cfg.BlockRetries; attempt++ {
		if ctrl != nil && ctrl.isCancelled() {
			return code.New(code.Cancelled, "cancelled")
		}
		callCtx, cancel := context.WithTimeout(e.ctx, time.Duration(e.cfg.BackendTimeoutSec)*time.Second)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !code.IsTransient(err) {
			return err
		}
		delay := base << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		select {
		case <-time.After(delay):
		case <-e.ctx.Done():
			return code.Wrap(code.Cancelled, "engine shutting down", e.ctx.Err())
		}
	}
	return lastErr
}

// Pause 暂停传输，当前块完成后生效
func (e *Engine) Pause(id string) (model.Transfer, error) {
	t, err := e.Get(id)
	if err != nil {
		return model.Transfer{}, err
	}
	switch t.Status {
	case model.StatusRunning:
		e.controlFor(id).pause()
		return t, nil
	case model.StatusPending:
		return e.mutate(id, func(t *model.Transfer) {
			t.Status = model.StatusPaused
		})
	default:
		return model.Transfer{}, code.Newf(code.Conflict, "transfer is %s, cannot pause", t.Status)
	}
}

// Resume 恢复暂停的传输
func (e *Engine) Resume(id string) (model.Transfer, error) {
	t, err := e.Get(id)
	if err != nil {
		return model.Transfer{}, err
	}
	if t.Status != model.StatusPaused {
		return model.Transfer{}, code.Newf(code.Conflict, "transfer is %s, cannot resume", t.Status)
	}
	e.controlFor(id).resume()
	updated, err := e.mutate(id, func(t *model.Transfer) {
		t.Status = model.StatusPending
	})
	if err != nil {
		return model.Transfer{}, err
	}
	e.enqueue(updated)
	return updated, nil
}

// Cancel 取消传输
// 运行中的记录在一个块内进入 failed；排队或暂停的记录立即终态
func (e *Engine) Cancel(id string) (model.Transfer, error) {
	t, err := e.Get(id)
	if err != nil {
		return model.Transfer{}, err
	}
	if t.Status.Terminal() {
		return model.Transfer{}, code.Newf(code.Conflict, "transfer is already %s", t.Status)
	}
	e.controlFor(id).cancel()
	if t.Status == model.StatusRunning {
		return t, nil
	}
	e.abortUploadSession(&t)
	return e.mutate(id, func(t *model.Transfer) {
		t.Status = model.StatusFailed
		t.Message = "cancelled"
	})
}

// Restart 从失败记录重建一条新的待执行记录
func (e *Engine) Restart(id string) (model.Transfer, error) {
	t, err := e.Get(id)
	if err != nil {
		return model.Transfer{}, err
	}
	if t.Status != model.StatusFailed {
		return model.Transfer{}, code.Newf(code.Conflict, "transfer is %s, only failed transfers restart", t.Status)
	}
	fresh := t
	fresh.ID = uuid.NewString()
	fresh.Status = model.StatusPending
	fresh.Transferred = 0
	fresh.Message = ""
	fresh.Resume = nil
	now := time.Now().UTC()
	fresh.CreatedAt = now
	fresh.UpdatedAt = now
	if err := e.insert(fresh); err != nil {
		return model.Transfer{}, err
	}
	e.enqueue(fresh)
	return fresh, nil
}

// Delete 删除一条非运行中的记录
func (e *Engine) Delete(id string) error {
	return e.store.Transfers.Update(func(f *model.TransferFile) error {
		for i := range f.Transfers {
			if f.Transfers[i].ID == id {
				if f.Transfers[i].Status == model.StatusRunning {
					return code.New(code.Conflict, "transfer is running, cancel it first")
				}
				f.Transfers = append(f.Transfers[:i], f.Transfers[i+1:]...)
				return nil
			}
		}
		return code.Newf(code.NotFound, "transfer %s not found", id)
	})
}

// ClearHistory 清除全部终态记录
func (e *Engine) ClearHistory() (int, error) {
	removed := 0
	err := e.store.Transfers.Update(func(f *model.TransferFile) error {
		kept := f.Transfers[:0]
		for _, t := range f.Transfers {
			if t.Status.Terminal() {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		f.Transfers = kept
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// CancelByTenant 租户删除时取消其全部在途传输
func (e *Engine) CancelByTenant(tenantID string) {
	var ids []string
	_ = e.store.Transfers.Read(func(f *model.TransferFile) error {
		for i := range f.Transfers {
			if f.Transfers[i].TenantID == tenantID && !f.Transfers[i].Status.Terminal() {
				ids = append(ids, f.Transfers[i].ID)
			}
		}
		return nil
	})
	for _, id := range ids {
		e.controlFor(id).cancel()
		if _, err := e.mutate(id, func(t *model.Transfer) {
			t.Status = model.StatusFailed
			t.Message = "tenant removed"
		}); err != nil {
			e.logger.Warn("cancel transfer for removed tenant",
				zap.String("transfer", id), zap.Error(err))
		}
	}
}

// abortUploadSession 尽力而为地放弃云端上传会话
func (e *Engine) abortUploadSession(t *model.Transfer) {
	if t.Direction != model.DirectionUpload || t.Resume == nil || t.Resume.UploadID == "" {
		return
	}
	tenant, be, err := e.backendFor(t)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := be.UploadAbort(ctx, &tenant, t.Resume.UploadID); err != nil {
		e.logger.Debug("upload abort failed", zap.String("transfer", t.ID), zap.Error(err))
	}
}

func (e *Engine) insert(t model.Transfer) error {
	if err := e.store.Transfers.Update(func(f *model.TransferFile) error {
		f.Transfers = append(f.Transfers, t)
		return nil
	}); err != nil {
		return err
	}
	e.bus.Publish(eventbus.Event{Topic: TopicTransfer, Key: t.ID, Payload: t})
	return nil
}

// Spec 新建传输的参数
type Spec struct {
	Direction   model.TransferDirection
	Kind        model.TransferKind
	Name        string
	TenantID    string
	ParentToken string
	Token       string
	LocalPath   string
	RemotePath  string
	Size        int64
	TaskID      string
	ParentID    string
	Overwrite   bool
}

// Enqueue 创建记录并入队
func (e *Engine) Enqueue(s Spec) (model.Transfer, error) {
	if s.TenantID == "" {
		return model.Transfer{}, code.New(code.InvalidArgument, "tenant_id is required")
	}
	now := time.Now().UTC()
	t := model.Transfer{
		ID:            uuid.NewString(),
		Direction:     s.Direction,
		Kind:          s.Kind,
		Name:          s.Name,
		TenantID:      s.TenantID,
		ParentToken:   s.ParentToken,
		ResourceToken: s.Token,
		LocalPath:     s.LocalPath,
		RemotePath:    s.RemotePath,
		Size:          s.Size,
		Status:        model.StatusPending,
		TaskID:        s.TaskID,
		ParentID:      s.ParentID,
		Overwrite:     s.Overwrite,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.insert(t); err != nil {
		return model.Transfer{}, err
	}
	e.enqueue(t)
	return t, nil
}

// EnqueueFileUpload 上传本地文件
func (e *Engine) EnqueueFileUpload(tenantID, parentToken, filePath, fileName, taskID string) (model.Transfer, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return model.Transfer{}, code.Wrap(code.LocalIo, "stat local file", err)
	}
	if info.IsDir() {
		return model.Transfer{}, code.New(code.InvalidArgument, "path is a directory, use upload_folder")
	}
	if fileName == "" {
		fileName = filepath.Base(filePath)
	}
	return e.Enqueue(Spec{
		Direction:   model.DirectionUpload,
		Kind:        model.KindFileUp,
		Name:        fileName,
		TenantID:    tenantID,
		ParentToken: parentToken,
		LocalPath:   filePath,
		Size:        info.Size(),
		TaskID:      taskID,
	})
}

// EnqueueFolderUpload 递归上传本地文件夹
func (e *Engine) EnqueueFolderUpload(tenantID, parentToken, dirPath, taskID string) (model.Transfer, error) {
	info, err := os.Stat(dirPath)
	if err != nil {
		return model.Transfer{}, code.Wrap(code.LocalIo, "stat local directory", err)
	}
	if !info.IsDir() {
		return model.Transfer{}, code.New(code.InvalidArgument, "path is not a directory")
	}
	return e.Enqueue(Spec{
		Direction:   model.DirectionUpload,
		Kind:        model.KindFolderUp,
		Name:        filepath.Base(dirPath),
		TenantID:    tenantID,
		ParentToken: parentToken,
		LocalPath:   dirPath,
		TaskID:      taskID,
	})
}

// EnqueueFileDownload 下载云端文件
func (e *Engine) EnqueueFileDownload(tenantID, token, destDir, fileName string, size int64, taskID string) (model.Transfer, error) {
	return e.Enqueue(Spec{
		Direction: model.DirectionDownload,
		Kind:      model.KindFileDown,
		Name:      fileName,
		TenantID:  tenantID,
		Token:     token,
		LocalPath: filepath.Join(destDir, fileName),
		Size:      size,
		TaskID:    taskID,
	})
}

// EnqueueFolderDownload 递归下载云端文件夹
func (e *Engine) EnqueueFolderDownload(tenantID, token, destDir, folderName, taskID string) (model.Transfer, error) {
	return e.Enqueue(Spec{
		Direction: model.DirectionDownload,
		Kind:      model.KindFolderDown,
		Name:      folderName,
		TenantID:  tenantID,
		Token:     token,
		LocalPath: filepath.Join(destDir, folderName),
		TaskID:    taskID,
	})
}
