// Package store 实现 JSON 文档存储
// 每个文档一个文件，读写经由文件级读写锁，写入采用临时文件加重命名保证原子性
//
// 锁序（恒为升序）: config < tenants < groups < tasks < snapshots < transfers < logs
// 需要跨文档操作的组件必须按此顺序嵌套加锁
package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// 磁盘文件名，沿用既有安装的命名
const (
	configFile   = "feisync.config.json"
	tenantFile   = "feisync.tenants.json"
	groupFile    = "feisync.groups.json"
	taskFile     = "feisync.sync_tasks.json"
	transferFile = "feisync.transfers.json"
	syncLogFile  = "feisync.sync_logs.json"
	snapshotDir  = "snapshots"
)

// Store 聚合全部持久化文档
type Store struct {
	dir    string
	logger *zap.Logger

	Config    *Document[model.Config]
	Tenants   *Document[model.TenantFile]
	Groups    *Document[model.GroupFile]
	Tasks     *Document[model.TaskFile]
	Transfers *Document[model.TransferFile]
	SyncLogs  *Document[model.SyncLogFile]
	Snapshots *SnapshotStore
}

// New 打开数据目录并绑定全部文档
func New(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, code.Wrap(code.LocalIo, "create data directory", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, snapshotDir), 0o755); err != nil {
		return nil, code.Wrap(code.LocalIo, "create snapshot directory", err)
	}
	return &Store{
		dir:       dir,
		logger:    logger,
		Config:    newDocument[model.Config](dir, configFile, logger),
		Tenants:   newDocument[model.TenantFile](dir, tenantFile, logger),
		Groups:    newDocument[model.GroupFile](dir, groupFile, logger),
		Tasks:     newDocument[model.TaskFile](dir, taskFile, logger),
		Transfers: newDocument[model.TransferFile](dir, transferFile, logger),
		SyncLogs:  newDocument[model.SyncLogFile](dir, syncLogFile, logger),
		Snapshots: newSnapshotStore(filepath.Join(dir, snapshotDir), logger),
	}, nil
}

// Dir 数据目录
func (s *Store) Dir() string {
	return s.dir
}

// Document 单个 JSON 文档
// 首次访问时惰性加载；解析失败后拒绝后续变更直至人工处理
type Document[T any] struct {
	name   string
	path   string
	logger *zap.Logger

	mu      sync.RWMutex
	loaded  bool
	corrupt error
	value   T
}

func newDocument[T any](dir, name string, logger *zap.Logger) *Document[T] {
	return &Document[T]{
		name:   name,
		path:   filepath.Join(dir, name),
		logger: logger,
	}
}

// ensureLoaded 调用方必须持有写锁或在首次 Read 的升级路径中调用
func (d *Document[T]) ensureLoaded() error {
	if d.corrupt != nil {
		return d.corrupt
	}
	if d.loaded {
		return nil
	}
	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			d.loaded = true
			return nil
		}
		return code.Wrap(code.LocalIo, "read "+d.name, err)
	}
	if len(data) > 0 {
		if err := sonic.Unmarshal(data, &d.value); err != nil {
			d.corrupt = code.Wrap(code.PersistenceCorrupt, d.name+" is not valid JSON", err)
			d.logger.Error("document corrupt, mutations refused",
				zap.String("file", d.path), zap.Error(err))
			return d.corrupt
		}
	}
	d.loaded = true
	return nil
}

// Read 在共享锁下访问文档
// fn 收到的指针仅在回调期间有效，不得逸出
func (d *Document[T]) Read(fn func(v *T) error) error {
	d.mu.Lock()
	if err := d.ensureLoaded(); err != nil {
		d.mu.Unlock()
		return err
	}
	d.mu.Unlock()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.corrupt != nil {
		return d.corrupt
	}
	return fn(&d.value)
}

// Update 在独占锁下变更文档并原子落盘
// fn 返回错误时放弃写入，内存值回滚到变更前状态
func (d *Document[T]) Update(fn func(v *T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ensureLoaded(); err != nil {
		return err
	}

	backup, err := sonic.Marshal(&d.value)
	if err != nil {
		return code.Wrap(code.LocalIo, "snapshot "+d.name, err)
	}

	if err := fn(&d.value); err != nil {
		var restored T
		if rerr := sonic.Unmarshal(backup, &restored); rerr == nil {
			d.value = restored
		}
		return err
	}

	if err := d.persist(); err != nil {
		var restored T
		if rerr := sonic.Unmarshal(backup, &restored); rerr == nil {
			d.value = restored
		}
		return err
	}
	return nil
}

// persist 原子写入: 临时文件 + 重命名
func (d *Document[T]) persist() error {
	data, err := sonic.MarshalIndent(&d.value, "", "  ")
	if err != nil {
		return code.Wrap(code.LocalIo, "encode "+d.name, err)
	}
	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return code.Wrap(code.LocalIo, "write "+d.name, err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return code.Wrap(code.LocalIo, "rename "+d.name, err)
	}
	return nil
}
