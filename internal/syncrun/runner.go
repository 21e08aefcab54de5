// Package syncrun 实现三方对比的目录同步执行器
// 以 远端/本地/快照 三方状态推导动作集，动作经传输引擎执行，
// 全部成功后以重新枚举的结果重建快照
package syncrun

import (
	"context"
	"path/filepath"
	"sort"
	"time"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/internal/store"
	"github.com/haierkeys/feisync-service/internal/transfer"
	"github.com/haierkeys/feisync-service/pkg/code"

	"go.uber.org/zap"
)

// mtimeSlack size_mtime 模式的修改时间容差
const mtimeSlack = 2 * time.Second

// syncLogKeep 同步日志的保留条数
const syncLogKeep = 5000

// Runner 同步任务执行器
type Runner struct {
	store    *store.Store
	backends *backend.Set
	registry *registry.Registry
	engine   *transfer.Engine
	logger   *zap.Logger
}

// New 创建执行器
func New(st *store.Store, backends *backend.Set, reg *registry.Registry,
	engine *transfer.Engine, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{store: st, backends: backends, registry: reg, engine: engine, logger: logger}
}

// plan 一次运行的动作集
type plan struct {
	mkLocalDirs  []string
	mkRemoteDirs []string
	downloads    []remoteEntry
	uploads      []localEntry
	// replacedTokens 上传将替换的旧远端文件 token，按相对路径索引
	replacedTokens map[string]string
	deleteRemote   []remoteEntry
	deleteLocal    []string
}

func (p *plan) actionCount() int {
	return len(p.mkLocalDirs) + len(p.mkRemoteDirs) + len(p.downloads) +
		len(p.uploads) + len(p.deleteRemote) + len(p.deleteLocal)
}

// RunTask 执行一次任务同步
func (r *Runner) RunTask(ctx context.Context, taskID string) error {
	task, err := r.getTask(taskID)
	if err != nil {
		return err
	}
	tenant, err := r.registry.GetTenant(task.TenantID)
	if err != nil {
		return err
	}
	be, err := r.backends.Select(&tenant)
	if err != nil {
		return err
	}

	r.appendLog(taskID, "info", "sync run started")

	remote, err := r.enumerateRemote(ctx, &tenant, be, &task)
	if err != nil {
		r.appendLog(taskID, "error", "remote enumeration failed: "+err.Error())
		return err
	}
	local, err := r.enumerateLocal(&task)
	if err != nil {
		r.appendLog(taskID, "error", "local enumeration failed: "+err.Error())
		return err
	}
	snap, err := r.store.Snapshots.Get(taskID)
	if err != nil {
		return err
	}
	snapEntries := map[string]model.SnapshotEntry{}
	if snap != nil {
		snapEntries = snap.Entries
	}

	pl, err := r.plan(&task, remote, local, snapEntries)
	if err != nil {
		return err
	}
	if pl.actionCount() == 0 {
		r.appendLog(taskID, "info", "nothing to do")
		return r.commitSnapshot(ctx, &tenant, be, &task)
	}

	if err := r.execute(ctx, &tenant, be, &task, remote, pl); err != nil {
		r.appendLog(taskID, "error", "sync run failed: "+err.Error())
		return err
	}

	if err := r.commitSnapshot(ctx, &tenant, be, &task); err != nil {
		return err
	}
	r.appendLog(taskID, "info", "sync run finished")
	return nil
}

func (r *Runner) getTask(taskID string) (model.SyncTask, error) {
	var found *model.SyncTask
	err := r.store.Tasks.Read(func(f *model.TaskFile) error {
		for i := range f.Tasks {
			if f.Tasks[i].ID == taskID {
				t := f.Tasks[i]
				found = &t
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return model.SyncTask{}, err
	}
	if found == nil {
		return model.SyncTask{}, code.Newf(code.NotFound, "task %s not found", taskID)
	}
	return *found, nil
}

// 方向判定
func allowsDownload(d model.SyncDirection) bool { return d != model.DirectionLocalToCloud }
func allowsUpload(d model.SyncDirection) bool   { return d != model.DirectionCloudToLocal }

// localChanged 本地文件相对快照是否变化
func localChanged(task *model.SyncTask, l localEntry, s model.SnapshotEntry) bool {
	switch task.Detection {
	case model.DetectionMetadata:
		return !l.mtime.Equal(s.MTime)
	case model.DetectionChecksum:
		if l.size == s.Size && absDuration(l.mtime.Sub(s.MTime)) <= mtimeSlack {
			return false
		}
		if s.Checksum == "" {
			return true
		}
		sum, err := localChecksum(filepath.Join(task.LocalPath, filepath.FromSlash(l.relPath)))
		if err != nil {
			return true
		}
		return sum != s.Checksum
	default: // size_mtime
		return l.size != s.Size || absDuration(l.mtime.Sub(s.MTime)) > mtimeSlack
	}
}

// remoteChanged 远端文件相对快照是否变化
func remoteChanged(task *model.SyncTask, re remoteEntry, s model.SnapshotEntry) bool {
	switch task.Detection {
	case model.DetectionMetadata:
		return re.token != s.RemoteToken || !re.mtime.Equal(s.MTime)
	case model.DetectionChecksum:
		if re.checksum != "" && s.Checksum != "" {
			return re.checksum != s.Checksum
		}
		// 远端无校验和时退化为大小比较，避免回源重算
		return re.size != s.Size
	default: // size_mtime
		return re.size != s.Size || absDuration(re.mtime.Sub(s.MTime)) > mtimeSlack
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// plan 依据三方状态推导动作集
func (r *Runner) plan(task *model.SyncTask, remote map[string]remoteEntry,
	local map[string]localEntry, snap map[string]model.SnapshotEntry) (*plan, error) {

	pl := &plan{replacedTokens: map[string]string{}}

	paths := make(map[string]struct{})
	for p := range remote {
		paths[p] = struct{}{}
	}
	for p := range local {
		paths[p] = struct{}{}
	}
	for p := range snap {
		paths[p] = struct{}{}
	}
	ordered := make([]string, 0, len(paths))
	for p := range paths {
		ordered = append(ordered, p)
	}
	sort.Strings(ordered)

	dir := task.Direction
	for _, rel := range ordered {
		re, rOK := remote[rel]
		le, lOK := local[rel]
		se, sOK := snap[rel]

		// 目录与文件分开处理
		isDir := (rOK && re.isDir) || (lOK && le.isDir) || (!rOK && !lOK && sOK && se.IsDir)
		if isDir {
			r.planDir(task, pl, rel, re, rOK, lOK, sOK)
			continue
		}

		rChanged := rOK && sOK && remoteChanged(task, re, se)
		lChanged := lOK && sOK && localChanged(task, le, se)

		switch {
		case !rOK && !lOK:
			// 双方都不存在，快照条目在重建时自然消失
		case rOK && !lOK && !sOK:
			if allowsDownload(dir) {
				pl.downloads = append(pl.downloads, re)
			}
		case !rOK && lOK && !sOK:
			if allowsUpload(dir) {
				pl.uploads = append(pl.uploads, le)
			}
		case rOK && lOK && !sOK:
			// 双方都有而快照没有，按冲突策略裁决
			r.planConflict(task, pl, re, le)
		case rOK && !lOK && sOK:
			// 本地删除，远端幸存
			if task.PropagateDelete && allowsUpload(dir) {
				pl.deleteRemote = append(pl.deleteRemote, re)
			} else if allowsDownload(dir) {
				pl.downloads = append(pl.downloads, re)
			}
		case !rOK && lOK && sOK:
			// 远端删除，本地幸存
			if task.PropagateDelete && allowsDownload(dir) {
				pl.deleteLocal = append(pl.deleteLocal, rel)
			} else if allowsUpload(dir) {
				pl.uploads = append(pl.uploads, le)
			}
		case rOK && lOK && sOK:
			switch {
			case !rChanged && !lChanged:
				// 无变化
			case rChanged && !lChanged:
				if allowsDownload(dir) {
					pl.downloads = append(pl.downloads, re)
				}
			case !rChanged && lChanged:
				if allowsUpload(dir) {
					pl.uploads = append(pl.uploads, le)
					pl.replacedTokens[rel] = re.token
				}
			default:
				r.planConflict(task, pl, re, le)
			}
		}
	}

	sort.Strings(pl.mkLocalDirs)
	sort.Strings(pl.mkRemoteDirs)
	return pl, nil
}

// planConflict 双方并存（或双方均变）时按策略裁决
// newest 以修改时间晚者为准，持平时远端胜出
func (r *Runner) planConflict(task *model.SyncTask, pl *plan, re remoteEntry, le localEntry) {
	winner := task.Conflict
	if winner == model.ConflictNewest || winner == "" {
		if le.mtime.After(re.mtime) {
			winner = model.ConflictPreferLocal
		} else {
			winner = model.ConflictPreferRemote
		}
	}
	switch winner {
	case model.ConflictPreferLocal:
		if allowsUpload(task.Direction) {
			pl.uploads = append(pl.uploads, le)
			pl.replacedTokens[le.relPath] = re.token
		}
	case model.ConflictPreferRemote:
		if allowsDownload(task.Direction) {
			pl.downloads = append(pl.downloads, re)
		}
	}
}

// planDir 目录的存在性同步
func (r *Runner) planDir(task *model.SyncTask, pl *plan, rel string, re remoteEntry, rOK, lOK, sOK bool) {
	dir := task.Direction
	switch {
	case rOK && lOK:
	case rOK && !lOK && !sOK:
		if allowsDownload(dir) {
			pl.mkLocalDirs = append(pl.mkLocalDirs, rel)
		}
	case !rOK && lOK && !sOK:
		if allowsUpload(dir) {
			pl.mkRemoteDirs = append(pl.mkRemoteDirs, rel)
		}
	case rOK && !lOK && sOK:
		if task.PropagateDelete && allowsUpload(dir) {
			pl.deleteRemote = append(pl.deleteRemote, re)
		} else if allowsDownload(dir) {
			pl.mkLocalDirs = append(pl.mkLocalDirs, rel)
		}
	case !rOK && lOK && sOK:
		if task.PropagateDelete && allowsDownload(dir) {
			pl.deleteLocal = append(pl.deleteLocal, rel)
		} else if allowsUpload(dir) {
			pl.mkRemoteDirs = append(pl.mkRemoteDirs, rel)
		}
	}
}
