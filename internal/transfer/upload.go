package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"

	"go.uber.org/zap"
)

// runFileUpload 执行单文件分块上传
// 断点数据随每块落盘，暂停只在块边界生效
func (e *Engine) runFileUpload(id string) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	tenant, be, err := e.backendFor(&t)
	if err != nil {
		return err
	}
	ctrl := e.controlFor(id)

	info, err := os.Stat(t.LocalPath)
	if err != nil {
		return code.Wrap(code.LocalIo, "stat local file", err)
	}
	size := info.Size()

	// 建立或恢复上传会话
	if t.Resume == nil || t.Resume.UploadID == "" {
		var session backend.UploadSession
		if err := e.callWithRetry(ctrl, func(ctx context.Context) error {
			var err error
			session, err = be.UploadInit(ctx, &tenant, t.ParentToken, t.Name, size)
			return err
		}); err != nil {
			return err
		}
		t, err = e.mutate(id, func(t *model.Transfer) {
			t.Size = size
			t.Resume = &model.ResumePayload{
				UploadID:    session.UploadID,
				BlockSize:   session.BlockSize,
				NextSeq:     0,
				ParentToken: t.ParentToken,
				FilePath:    t.LocalPath,
				FileName:    t.Name,
				Size:        size,
			}
		})
		if err != nil {
			return err
		}
	}

	blockSize := t.Resume.BlockSize
	if blockSize <= 0 {
		blockSize = downloadBlockSize
	}
	seq := t.Resume.NextSeq

	file, err := os.Open(t.LocalPath)
	if err != nil {
		return code.Wrap(code.LocalIo, "open local file", err)
	}
	defer file.Close()

	buf := make([]byte, blockSize)
	for seq*blockSize < size {
		if ctrl.isCancelled() {
			e.abortUploadSession(&t)
			return code.New(code.Cancelled, "cancelled")
		}
		if ctrl.isPaused() {
			_, err := e.mutate(id, func(t *model.Transfer) {
				t.Status = model.StatusPaused
			})
			return err
		}

		offset := seq * blockSize
		want := size - offset
		if want > blockSize {
			want = blockSize
		}
		if _, err := file.ReadAt(buf[:want], offset); err != nil && err != io.EOF {
			return code.Wrap(code.LocalIo, "read local file", err)
		}
		block := buf[:want]

		blockSeq := seq
		if err := e.callWithRetry(ctrl, func(ctx context.Context) error {
			return be.UploadBlock(ctx, &tenant, t.Resume.UploadID, blockSeq, block)
		}); err != nil {
			return err
		}

		seq++
		t, err = e.mutate(id, func(t *model.Transfer) {
			t.Transferred += want
			t.Resume.NextSeq = seq
		})
		if err != nil {
			return err
		}
	}

	blockCount := seq
	var token string
	if err := e.callWithRetry(ctrl, func(ctx context.Context) error {
		var err error
		token, err = be.UploadFinish(ctx, &tenant, t.Resume.UploadID, blockCount)
		return err
	}); err != nil {
		return err
	}

	if _, err := e.mutate(id, func(t *model.Transfer) {
		t.Status = model.StatusSuccess
		t.ResourceToken = token
		t.Resume = nil
	}); err != nil {
		return err
	}
	e.registry.AccountUsage(tenant.ID, size)
	e.logger.Info("file upload finished",
		zap.String("transfer", id), zap.String("name", t.Name), zap.Int64("size", size))
	return nil
}

// runFolderUpload 镜像本地目录结构后为每个叶子文件入队子传输
// 文件夹记录保持 running，全部子传输成功后才转为 success
func (e *Engine) runFolderUpload(id string) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	tenant, be, err := e.backendFor(&t)
	if err != nil {
		return err
	}
	ctrl := e.controlFor(id)

	type dirEntry struct {
		localPath string
		relPath   string
	}
	type fileEntry struct {
		localPath string
		parentRel string
		name      string
		size      int64
	}
	var dirs []dirEntry
	var files []fileEntry
	var total int64

	err = filepath.WalkDir(t.LocalPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(t.LocalPath, path)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel != "." {
				dirs = append(dirs, dirEntry{localPath: path, relPath: rel})
			}
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		parentRel := filepath.ToSlash(filepath.Dir(rel))
		if parentRel == "." {
			parentRel = ""
		}
		files = append(files, fileEntry{localPath: path, parentRel: parentRel, name: d.Name(), size: info.Size()})
		total += info.Size()
		return nil
	})
	if err != nil {
		return code.Wrap(code.LocalIo, "walk local directory", err)
	}

	if _, err := e.mutate(id, func(t *model.Transfer) {
		t.Size = total
	}); err != nil {
		return err
	}

	// 顶层目录在云端的镜像
	tokens := map[string]string{}
	var rootToken string
	if err := e.callWithRetry(ctrl, func(ctx context.Context) error {
		var err error
		rootToken, err = be.CreateFolder(ctx, &tenant, t.ParentToken, t.Name)
		return err
	}); err != nil {
		return err
	}
	tokens[""] = rootToken

	// 自上而下创建子目录，WalkDir 的字典序保证父先于子
	for _, d := range dirs {
		if ctrl.isCancelled() {
			return code.New(code.Cancelled, "cancelled")
		}
		parentRel := filepath.ToSlash(filepath.Dir(d.relPath))
		if parentRel == "." {
			parentRel = ""
		}
		parentToken, ok := tokens[parentRel]
		if !ok {
			return code.Newf(code.LocalIo, "missing parent folder for %s", d.relPath)
		}
		dd := d
		if err := e.callWithRetry(ctrl, func(ctx context.Context) error {
			token, err := be.CreateFolder(ctx, &tenant, parentToken, filepath.Base(dd.relPath))
			if err == nil {
				tokens[dd.relPath] = token
			}
			return err
		}); err != nil {
			return err
		}
	}

	if len(files) == 0 {
		_, err := e.mutate(id, func(t *model.Transfer) {
			t.Status = model.StatusSuccess
		})
		return err
	}

	for _, f := range files {
		parentToken := tokens[f.parentRel]
		if _, err := e.Enqueue(Spec{
			Direction:   model.DirectionUpload,
			Kind:        model.KindFileUp,
			Name:        f.name,
			TenantID:    t.TenantID,
			ParentToken: parentToken,
			LocalPath:   f.localPath,
			Size:        f.size,
			TaskID:      t.TaskID,
			ParentID:    id,
		}); err != nil {
			return err
		}
	}
	// 记录保持 running，由子传输终态回调聚合
	return nil
}

// recomputeFolder 子传输终态后聚合文件夹记录
func (e *Engine) recomputeFolder(parentID string) {
	parent, err := e.Get(parentID)
	if err != nil || parent.Status.Terminal() {
		return
	}

	var transferred int64
	allDone := true
	anyFailed := false
	_ = e.store.Transfers.Read(func(f *model.TransferFile) error {
		for i := range f.Transfers {
			c := &f.Transfers[i]
			if c.ParentID != parentID {
				continue
			}
			transferred += c.Transferred
			if !c.Status.Terminal() {
				allDone = false
			} else if c.Status == model.StatusFailed {
				anyFailed = true
			}
		}
		return nil
	})

	if _, err := e.mutate(parentID, func(t *model.Transfer) {
		t.Transferred = transferred
		if allDone {
			if anyFailed {
				t.Status = model.StatusFailed
				t.Message = "one or more children failed"
			} else {
				t.Status = model.StatusSuccess
			}
		}
	}); err != nil {
		e.logger.Warn("recompute folder transfer", zap.String("transfer", parentID), zap.Error(err))
	}
}
