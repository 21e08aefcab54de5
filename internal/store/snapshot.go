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

// SnapshotStore 每任务一个快照文件，snapshots/<task_id>.json
type SnapshotStore struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newSnapshotStore(dir string, logger *zap.Logger) *SnapshotStore {
	return &SnapshotStore{
		dir:    dir,
		logger: logger,
		locks:  make(map[string]*sync.RWMutex),
	}
}

func (s *SnapshotStore) lockFor(taskID string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[taskID] = l
	}
	return l
}

func (s *SnapshotStore) path(taskID string) string {
	return filepath.Join(s.dir, taskID+".json")
}

// Get 读取任务快照，不存在时返回 nil
func (s *SnapshotStore) Get(taskID string) (*model.Snapshot, error) {
	l := s.lockFor(taskID)
	l.RLock()
	defer l.RUnlock()

	data, err := os.ReadFile(s.path(taskID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, code.Wrap(code.LocalIo, "read snapshot", err)
	}
	var snap model.Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return nil, code.Wrap(code.PersistenceCorrupt, "snapshot for task "+taskID+" is not valid JSON", err)
	}
	return &snap, nil
}

// Put 原子写入任务快照
func (s *SnapshotStore) Put(taskID string, snap *model.Snapshot) error {
	l := s.lockFor(taskID)
	l.Lock()
	defer l.Unlock()

	data, err := sonic.MarshalIndent(snap, "", "  ")
	if err != nil {
		return code.Wrap(code.LocalIo, "encode snapshot", err)
	}
	tmp := s.path(taskID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return code.Wrap(code.LocalIo, "write snapshot", err)
	}
	if err := os.Rename(tmp, s.path(taskID)); err != nil {
		return code.Wrap(code.LocalIo, "rename snapshot", err)
	}
	return nil
}

// Delete 删除任务快照，文件不存在视为成功
func (s *SnapshotStore) Delete(taskID string) error {
	l := s.lockFor(taskID)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.path(taskID)); err != nil && !os.IsNotExist(err) {
		return code.Wrap(code.LocalIo, "remove snapshot", err)
	}
	return nil
}
