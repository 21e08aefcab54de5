package syncrun

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/transfer"
	"github.com/haierkeys/feisync-service/pkg/code"

	"go.uber.org/zap"
)

// execute 执行动作集
// 目录创建先于内容传输，删除在全部传输完成之后；动作之间响应取消
func (r *Runner) execute(ctx context.Context, tenant *model.Tenant, be backend.Backend,
	task *model.SyncTask, remote map[string]remoteEntry, pl *plan) error {

	// 远端目录 token 索引，上传与建目录共用
	dirTokens := map[string]string{"": task.RemoteFolderToken}
	for rel, re := range remote {
		if re.isDir {
			dirTokens[rel] = re.token
		}
	}

	// 1. 本地目录
	for _, rel := range pl.mkLocalDirs {
		if err := ctx.Err(); err != nil {
			return code.Wrap(code.Cancelled, "sync cancelled", err)
		}
		abs := filepath.Join(task.LocalPath, filepath.FromSlash(rel))
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return code.Wrap(code.LocalIo, "create local directory", err)
		}
	}

	// 2. 远端目录，浅层在前
	ensureRemoteDir := func(rel string) (string, error) {
		if token, ok := dirTokens[rel]; ok {
			return token, nil
		}
		// 逐级补全缺失的目录链
		missing := []string{rel}
		parent := path.Dir(rel)
		if parent == "." {
			parent = ""
		}
		for parent != "" {
			if _, ok := dirTokens[parent]; ok {
				break
			}
			missing = append(missing, parent)
			parent = path.Dir(parent)
			if parent == "." {
				parent = ""
			}
		}
		for i := len(missing) - 1; i >= 0; i-- {
			seg := missing[i]
			parentRel := path.Dir(seg)
			if parentRel == "." {
				parentRel = ""
			}
			token, err := be.CreateFolder(ctx, tenant, dirTokens[parentRel], path.Base(seg))
			if err != nil {
				return "", err
			}
			dirTokens[seg] = token
		}
		return dirTokens[rel], nil
	}
	for _, rel := range pl.mkRemoteDirs {
		if err := ctx.Err(); err != nil {
			return code.Wrap(code.Cancelled, "sync cancelled", err)
		}
		if _, err := ensureRemoteDir(rel); err != nil {
			return err
		}
	}

	// 3. 文件传输，全部入队后等待终态事件
	type pendingWait struct {
		rel   string
		re    *remoteEntry
		wait  <-chan model.Transfer
		local string
	}
	var waits []pendingWait

	for i := range pl.downloads {
		if err := ctx.Err(); err != nil {
			return code.Wrap(code.Cancelled, "sync cancelled", err)
		}
		re := pl.downloads[i]
		target := filepath.Join(task.LocalPath, filepath.FromSlash(re.relPath))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return code.Wrap(code.LocalIo, "create local directory", err)
		}
		t, err := r.engine.Enqueue(transfer.Spec{
			Direction: model.DirectionDownload,
			Kind:      model.KindFileDown,
			Name:      path.Base(re.relPath),
			TenantID:  task.TenantID,
			Token:     re.token,
			LocalPath: target,
			Size:      re.size,
			TaskID:    task.ID,
			Overwrite: true,
		})
		if err != nil {
			return err
		}
		rc := re
		waits = append(waits, pendingWait{rel: re.relPath, re: &rc, wait: r.engine.Wait(t.ID), local: target})
	}

	for i := range pl.uploads {
		if err := ctx.Err(); err != nil {
			return code.Wrap(code.Cancelled, "sync cancelled", err)
		}
		le := pl.uploads[i]
		parentRel := path.Dir(le.relPath)
		if parentRel == "." {
			parentRel = ""
		}
		parentToken, err := ensureRemoteDir(parentRel)
		if err != nil {
			return err
		}
		// 覆盖上传: 先移除旧远端文件，避免同名重复
		if old, ok := pl.replacedTokens[le.relPath]; ok && old != "" {
			if err := be.Delete(ctx, tenant, old, backend.TypeFile); err != nil && !code.Is(err, code.NotFound) {
				return err
			}
		}
		localAbs := filepath.Join(task.LocalPath, filepath.FromSlash(le.relPath))
		t, err := r.engine.Enqueue(transfer.Spec{
			Direction:   model.DirectionUpload,
			Kind:        model.KindFileUp,
			Name:        path.Base(le.relPath),
			TenantID:    task.TenantID,
			ParentToken: parentToken,
			LocalPath:   localAbs,
			Size:        le.size,
			TaskID:      task.ID,
		})
		if err != nil {
			return err
		}
		waits = append(waits, pendingWait{rel: le.relPath, wait: r.engine.Wait(t.ID)})
	}

	for _, w := range waits {
		select {
		case final := <-w.wait:
			if final.Status != model.StatusSuccess {
				return code.Newf(code.Conflict, "transfer for %s ended %s: %s", w.rel, final.Status, final.Message)
			}
			// 下载成功后将本地修改时间对齐远端，保持检测与快照稳定
			if w.re != nil && !w.re.mtime.IsZero() {
				if err := os.Chtimes(w.local, w.re.mtime, w.re.mtime); err != nil {
					r.logger.Debug("chtimes after download failed",
						zap.String("path", w.local), zap.Error(err))
				}
			}
		case <-ctx.Done():
			return code.Wrap(code.Cancelled, "sync cancelled", ctx.Err())
		}
	}

	// 4. 删除，文件在前，目录按深度从深到浅
	sort.Slice(pl.deleteRemote, func(i, j int) bool {
		if pl.deleteRemote[i].isDir != pl.deleteRemote[j].isDir {
			return !pl.deleteRemote[i].isDir
		}
		return len(pl.deleteRemote[i].relPath) > len(pl.deleteRemote[j].relPath)
	})
	for i := range pl.deleteRemote {
		if err := ctx.Err(); err != nil {
			return code.Wrap(code.Cancelled, "sync cancelled", err)
		}
		re := pl.deleteRemote[i]
		entryType := backend.TypeFile
		if re.isDir {
			entryType = backend.TypeFolder
		}
		if err := be.Delete(ctx, tenant, re.token, entryType); err != nil && !code.Is(err, code.NotFound) {
			return err
		}
		r.appendLog(task.ID, "info", "deleted remote "+re.relPath)
	}

	sort.Slice(pl.deleteLocal, func(i, j int) bool {
		return len(pl.deleteLocal[i]) > len(pl.deleteLocal[j])
	})
	for _, rel := range pl.deleteLocal {
		if err := ctx.Err(); err != nil {
			return code.Wrap(code.Cancelled, "sync cancelled", err)
		}
		abs := filepath.Join(task.LocalPath, filepath.FromSlash(rel))
		if err := os.RemoveAll(abs); err != nil {
			return code.Wrap(code.LocalIo, "delete local path", err)
		}
		r.appendLog(task.ID, "info", "deleted local "+rel)
	}
	return nil
}

// commitSnapshot 以重新枚举的结果重建快照
// 快照以本地树为基准，远端 token 与校验和随行记录
func (r *Runner) commitSnapshot(ctx context.Context, tenant *model.Tenant, be backend.Backend,
	task *model.SyncTask) error {

	local, err := r.enumerateLocal(task)
	if err != nil {
		return err
	}
	remote, err := r.enumerateRemote(ctx, tenant, be, task)
	if err != nil {
		return err
	}

	entries := make(map[string]model.SnapshotEntry, len(local))
	for rel, le := range local {
		entry := model.SnapshotEntry{
			Size:  le.size,
			MTime: le.mtime,
			IsDir: le.isDir,
		}
		if re, ok := remote[rel]; ok {
			entry.RemoteToken = re.token
		}
		if !le.isDir && task.Detection == model.DetectionChecksum {
			if sum, err := localChecksum(filepath.Join(task.LocalPath, filepath.FromSlash(rel))); err == nil {
				entry.Checksum = sum
			}
		}
		entries[rel] = entry
	}

	return r.store.Snapshots.Put(task.ID, &model.Snapshot{
		Version: 1,
		TaskID:  task.ID,
		TakenAt: time.Now().UTC(),
		Entries: entries,
	})
}

// appendLog 追加同步日志并裁剪
func (r *Runner) appendLog(taskID, level, message string) {
	err := r.store.SyncLogs.Update(func(f *model.SyncLogFile) error {
		f.Logs = append(f.Logs, model.SyncLogEntry{
			TaskID:    taskID,
			Timestamp: time.Now().UTC(),
			Level:     level,
			Message:   message,
		})
		if len(f.Logs) > syncLogKeep {
			f.Logs = f.Logs[len(f.Logs)-syncLogKeep:]
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("append sync log failed", zap.String("task", taskID), zap.Error(err))
	}
}

// ListLogs 按任务查询同步日志，最新在前
func (r *Runner) ListLogs(taskID string, limit int) ([]model.SyncLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 500 {
		limit = 500
	}
	var out []model.SyncLogEntry
	err := r.store.SyncLogs.Read(func(f *model.SyncLogFile) error {
		for i := len(f.Logs) - 1; i >= 0 && len(out) < limit; i-- {
			if f.Logs[i].TaskID == taskID {
				out = append(out, f.Logs[i])
			}
		}
		return nil
	})
	return out, err
}
