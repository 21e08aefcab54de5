// Package apilog 实现只追加的审计日志
// JSONL 落盘，活动文件达到阈值后滚动为带时间戳的归档，归档按最旧优先裁剪
package apilog

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

const (
	activeName    = "api-active.jsonl"
	archivePrefix = "api-"
	archiveSuffix = ".jsonl"

	// queryDefaultLimit / queryMaxLimit 过滤读取的条数约束
	queryDefaultLimit = 100
	queryMaxLimit     = 500
)

// Logger 审计日志
type Logger struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	enabled  bool
	logger   *zap.Logger
}

// New 创建审计日志，dir 不存在时自动建立
func New(dir string, maxSizeMB int64, enabled bool, logger *zap.Logger) (*Logger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, code.Wrap(code.LocalIo, "create api log directory", err)
	}
	return &Logger{
		dir:      dir,
		maxBytes: maxSizeMB << 20,
		enabled:  enabled,
		logger:   logger,
	}, nil
}

// SetMaxSize 运行期调整容量上限
func (l *Logger) SetMaxSize(maxSizeMB int64) {
	l.mu.Lock()
	l.maxBytes = maxSizeMB << 20
	l.mu.Unlock()
}

// SetEnabled 运行期开关
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// activeCap 活动文件的滚动阈值，总容量的四分之一
func (l *Logger) activeCap() int64 {
	c := l.maxBytes / 4
	if c < 1<<20 {
		c = 1 << 20
	}
	return c
}

// Append 追加一条审计记录
func (l *Logger) Append(entry model.ApiLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled {
		return nil
	}

	line, err := sonic.Marshal(entry)
	if err != nil {
		return code.Wrap(code.LocalIo, "encode api log entry", err)
	}
	line = append(line, '\n')

	active := filepath.Join(l.dir, activeName)
	if info, err := os.Stat(active); err == nil && info.Size()+int64(len(line)) > l.activeCap() {
		if err := l.rolloverLocked(); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(active, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return code.Wrap(code.LocalIo, "open api log", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return code.Wrap(code.LocalIo, "write api log", err)
	}
	return nil
}

// rolloverLocked 滚动活动文件并裁剪归档
func (l *Logger) rolloverLocked() error {
	active := filepath.Join(l.dir, activeName)
	archive := filepath.Join(l.dir,
		archivePrefix+time.Now().UTC().Format("20060102T150405")+archiveSuffix)
	if err := os.Rename(active, archive); err != nil {
		return code.Wrap(code.LocalIo, "rotate api log", err)
	}

	archives, err := l.archivesLocked()
	if err != nil {
		return err
	}
	var total int64
	sizes := make(map[string]int64, len(archives))
	for _, a := range archives {
		if info, err := os.Stat(a); err == nil {
			sizes[a] = info.Size()
			total += info.Size()
		}
	}
	// 最旧优先裁剪
	for i := 0; i < len(archives) && total > l.maxBytes; i++ {
		if err := os.Remove(archives[i]); err == nil {
			total -= sizes[archives[i]]
			l.logger.Info("api log archive pruned", zap.String("file", archives[i]))
		}
	}
	return nil
}

// archivesLocked 归档列表，按名称（即时间）升序
func (l *Logger) archivesLocked() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, code.Wrap(code.LocalIo, "read api log directory", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name == activeName || !strings.HasPrefix(name, archivePrefix) || !strings.HasSuffix(name, archiveSuffix) {
			continue
		}
		out = append(out, filepath.Join(l.dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Filter 过滤条件
type Filter struct {
	// Command 命令名子串匹配，空值不过滤
	Command string
	// Status success / error，空值不过滤
	Status string
	// Limit 返回条数上限
	Limit int
}

// Query 过滤读取，最新条目在前
func (l *Logger) Query(f Filter) ([]model.ApiLogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = queryDefaultLimit
	}
	if limit > queryMaxLimit {
		limit = queryMaxLimit
	}

	archives, err := l.archivesLocked()
	if err != nil {
		return nil, err
	}
	// 活动文件最新，归档按时间倒序
	files := []string{filepath.Join(l.dir, activeName)}
	for i := len(archives) - 1; i >= 0; i-- {
		files = append(files, archives[i])
	}

	var out []model.ApiLogEntry
	for _, file := range files {
		if len(out) >= limit {
			break
		}
		entries, err := l.readFile(file, f)
		if err != nil {
			continue
		}
		// 单文件内倒序
		for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
			out = append(out, entries[i])
		}
	}
	return out, nil
}

func (l *Logger) readFile(path string, f Filter) ([]model.ApiLogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []model.ApiLogEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry model.ApiLogEntry
		if err := sonic.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if f.Command != "" && !strings.Contains(entry.Command, f.Command) {
			continue
		}
		if f.Status != "" && string(entry.Status) != f.Status {
			continue
		}
		out = append(out, entry)
	}
	return out, scanner.Err()
}
