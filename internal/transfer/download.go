package transfer

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"
	"github.com/haierkeys/feisync-service/pkg/util"

	"go.uber.org/zap"
)

// runFileDownload 执行单文件区间下载
// 内容先写入 .part 临时文件，完成后原子重命名为目标文件
func (e *Engine) runFileDownload(id string) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	tenant, be, err := e.backendFor(&t)
	if err != nil {
		return err
	}
	ctrl := e.controlFor(id)

	// 建立或恢复下载断点
	if t.Resume == nil || t.Resume.TempPath == "" {
		destDir := filepath.Dir(t.LocalPath)
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return code.Wrap(code.LocalIo, "create destination directory", err)
		}
		target := t.LocalPath
		if !t.Overwrite {
			target = util.UniqueDestName(destDir, t.Name)
		}
		t, err = e.mutate(id, func(t *model.Transfer) {
			t.LocalPath = target
			t.Resume = &model.ResumePayload{
				TempPath:   target + ".part",
				TargetPath: target,
				Downloaded: 0,
				Token:      t.ResourceToken,
				FileName:   t.Name,
			}
		})
		if err != nil {
			return err
		}
	}

	tmp, err := os.OpenFile(t.Resume.TempPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return code.Wrap(code.LocalIo, "open temp file", err)
	}
	defer tmp.Close()

	// 以临时文件当前长度为准续传
	downloaded := int64(0)
	if info, err := tmp.Stat(); err == nil {
		downloaded = info.Size()
	}
	if _, err := tmp.Seek(downloaded, io.SeekStart); err != nil {
		return code.Wrap(code.LocalIo, "seek temp file", err)
	}

	for {
		if t.Size > 0 && downloaded >= t.Size {
			break
		}
		if ctrl.isCancelled() {
			return code.New(code.Cancelled, "cancelled")
		}
		if ctrl.isPaused() {
			_, err := e.mutate(id, func(t *model.Transfer) {
				t.Status = model.StatusPaused
			})
			return err
		}

		var chunk []byte
		err := e.callWithRetry(ctrl, func(ctx context.Context) error {
			var err error
			chunk, err = be.DownloadRange(ctx, &tenant, t.Resume.Token, downloaded, downloadBlockSize)
			if err == io.EOF {
				chunk = nil
				return nil
			}
			return err
		})
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			// 未知大小的流由 EOF 终止
			break
		}

		if _, err := tmp.Write(chunk); err != nil {
			return code.Wrap(code.LocalIo, "write temp file", err)
		}
		downloaded += int64(len(chunk))
		t, err = e.mutate(id, func(t *model.Transfer) {
			t.Transferred = downloaded
			t.Resume.Downloaded = downloaded
		})
		if err != nil {
			return err
		}
	}

	if err := tmp.Sync(); err != nil {
		return code.Wrap(code.LocalIo, "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		return code.Wrap(code.LocalIo, "close temp file", err)
	}
	if err := os.Rename(t.Resume.TempPath, t.Resume.TargetPath); err != nil {
		return code.Wrap(code.LocalIo, "finalize download", err)
	}

	if _, err := e.mutate(id, func(t *model.Transfer) {
		t.Status = model.StatusSuccess
		t.Size = downloaded
		t.Transferred = downloaded
		t.Resume = nil
	}); err != nil {
		return err
	}
	e.logger.Info("file download finished",
		zap.String("transfer", id), zap.String("path", t.Resume.TargetPath), zap.Int64("size", downloaded))
	return nil
}

// runFolderDownload 深度优先镜像云端目录并为每个文件入队子传输
func (e *Engine) runFolderDownload(id string) error {
	t, err := e.Get(id)
	if err != nil {
		return err
	}
	tenant, be, err := e.backendFor(&t)
	if err != nil {
		return err
	}
	ctrl := e.controlFor(id)

	if err := os.MkdirAll(t.LocalPath, 0o755); err != nil {
		return code.Wrap(code.LocalIo, "create local directory", err)
	}

	type job struct {
		token    string
		localDir string
	}
	stack := []job{{token: t.ResourceToken, localDir: t.LocalPath}}

	var total int64
	childCount := 0
	for len(stack) > 0 {
		if ctrl.isCancelled() {
			return code.New(code.Cancelled, "cancelled")
		}
		j := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var entries []backend.Entry
		if err := e.callWithRetry(ctrl, func(ctx context.Context) error {
			var err error
			entries, err = be.ListFolder(ctx, &tenant, j.token)
			return err
		}); err != nil {
			return err
		}

		for i := range entries {
			entry := entries[i]
			if entry.IsFolder() {
				sub := filepath.Join(j.localDir, entry.Name)
				if err := os.MkdirAll(sub, 0o755); err != nil {
					return code.Wrap(code.LocalIo, "create local directory", err)
				}
				stack = append(stack, job{token: entry.Token, localDir: sub})
				continue
			}
			total += entry.Size
			childCount++
			if _, err := e.Enqueue(Spec{
				Direction: model.DirectionDownload,
				Kind:      model.KindFileDown,
				Name:      entry.Name,
				TenantID:  t.TenantID,
				Token:     entry.Token,
				LocalPath: filepath.Join(j.localDir, entry.Name),
				Size:      entry.Size,
				TaskID:    t.TaskID,
				ParentID:  id,
			}); err != nil {
				return err
			}
		}
	}

	if _, err := e.mutate(id, func(t *model.Transfer) {
		t.Size = total
		if childCount == 0 {
			t.Status = model.StatusSuccess
		}
	}); err != nil {
		return err
	}
	return nil
}
