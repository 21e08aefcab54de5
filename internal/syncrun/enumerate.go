package syncrun

import (
	"context"
	"hash/adler32"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"
	"github.com/haierkeys/feisync-service/pkg/globmatch"
)

// remoteEntry 云端枚举结果
type remoteEntry struct {
	relPath     string
	token       string
	parentToken string
	size        int64
	mtime       time.Time
	isDir       bool
	checksum    string
}

// localEntry 本地枚举结果
type localEntry struct {
	relPath string
	size    int64
	mtime   time.Time
	isDir   bool
}

// enumerateRemote 从任务根 token 深度优先枚举云端目录
// 目录即使未命中 include 也会下钻，使其子项仍可参与过滤
func (r *Runner) enumerateRemote(ctx context.Context, tenant *model.Tenant, be backend.Backend,
	task *model.SyncTask) (map[string]remoteEntry, error) {

	out := make(map[string]remoteEntry)

	type frame struct {
		token   string
		relPath string
	}
	stack := []frame{{token: task.RemoteFolderToken, relPath: ""}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := be.ListFolder(ctx, tenant, f.token)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(entries))
		for i := range entries {
			entry := entries[i]
			if seen[entry.Name] {
				return nil, code.Newf(code.PersistenceCorrupt,
					"remote folder %s holds two entries named %q", f.token, entry.Name)
			}
			seen[entry.Name] = true

			rel := path.Join(f.relPath, entry.Name)
			if entry.IsFolder() {
				// 命中排除规则的目录整体剪枝；未命中 include 的目录仍下钻
				if globmatch.MatchAny(task.ExcludePatterns, rel) {
					continue
				}
				out[rel] = remoteEntry{
					relPath:     rel,
					token:       entry.Token,
					parentToken: f.token,
					isDir:       true,
					mtime:       entry.MTime,
				}
				stack = append(stack, frame{token: entry.Token, relPath: rel})
				continue
			}
			if !globmatch.Pass(task.IncludePatterns, task.ExcludePatterns, rel) {
				continue
			}
			out[rel] = remoteEntry{
				relPath:     rel,
				token:       entry.Token,
				parentToken: f.token,
				size:        entry.Size,
				mtime:       entry.MTime,
			}
		}
	}
	return out, nil
}

// enumerateLocal 深度优先枚举本地目录
func (r *Runner) enumerateLocal(task *model.SyncTask) (map[string]localEntry, error) {
	out := make(map[string]localEntry)
	root := task.LocalPath

	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, code.Wrap(code.LocalIo, "stat local path", err)
	}

	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, rerr := filepath.Rel(root, p)
		if rerr != nil {
			return rerr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if globmatch.MatchAny(task.ExcludePatterns, rel) {
				return filepath.SkipDir
			}
			out[rel] = localEntry{relPath: rel, isDir: true}
			return nil
		}
		if !globmatch.Pass(task.IncludePatterns, task.ExcludePatterns, rel) {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		out[rel] = localEntry{
			relPath: rel,
			size:    info.Size(),
			mtime:   info.ModTime().UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, code.Wrap(code.LocalIo, "walk local path", err)
	}
	return out, nil
}

// localChecksum 计算本地文件的 Adler-32 校验和
func localChecksum(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", code.Wrap(code.LocalIo, "open file for checksum", err)
	}
	defer f.Close()
	h := adler32.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", code.Wrap(code.LocalIo, "hash file", err)
	}
	return strconv.FormatUint(uint64(h.Sum32()), 10), nil
}
