// Package fakedrive 提供内存实现的 DriveBackend
// 供引擎与同步器的测试使用，支持故障注入
package fakedrive

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"
)

type node struct {
	token    string
	name     string
	typ      string
	parent   string
	data     []byte
	mtime    time.Time
	children []string
}

type uploadSession struct {
	parent    string
	name      string
	size      int64
	blockSize int64
	blocks    map[int64][]byte
}

// Drive 内存云盘
type Drive struct {
	mu sync.Mutex

	seq     int
	nodes   map[string]*node
	roots   map[string]string // tenantID -> root token
	uploads map[string]*uploadSession

	// BlockSize 上传会话块大小，测试可覆盖
	BlockSize int64

	// 故障注入: 接下来 N 次 UploadBlock/DownloadRange 返回瞬态错误
	failUploadBlocks   int
	failDownloadRanges int

	// 调用计数
	UploadFinishCalls int
	UploadBlockCalls  int
}

// New 创建内存云盘
func New() *Drive {
	return &Drive{
		nodes:     make(map[string]*node),
		roots:     make(map[string]string),
		uploads:   make(map[string]*uploadSession),
		BlockSize: 1024 * 1024,
	}
}

// FailNextUploadBlocks 注入 N 次上传块瞬态失败
func (d *Drive) FailNextUploadBlocks(n int) {
	d.mu.Lock()
	d.failUploadBlocks = n
	d.mu.Unlock()
}

// FailNextDownloads 注入 N 次下载瞬态失败
func (d *Drive) FailNextDownloads(n int) {
	d.mu.Lock()
	d.failDownloadRanges = n
	d.mu.Unlock()
}

func (d *Drive) nextToken(prefix string) string {
	d.seq++
	return fmt.Sprintf("%s_%04d", prefix, d.seq)
}

// rootFor 惰性建立租户根目录
func (d *Drive) rootFor(tenantID string) *node {
	token, ok := d.roots[tenantID]
	if !ok {
		token = d.nextToken("fld_root")
		d.roots[tenantID] = token
		d.nodes[token] = &node{token: token, name: "Root", typ: backend.TypeFolder}
	}
	return d.nodes[token]
}

// MustRoot 返回租户根 token，测试装配用
func (d *Drive) MustRoot(tenantID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rootFor(tenantID).token
}

// PutFile 直接放置一个文件节点，测试装配用
func (d *Drive) PutFile(tenantID, parentToken, name string, data []byte, mtime time.Time) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if parentToken == "" {
		parentToken = d.rootFor(tenantID).token
	}
	return d.putFileLocked(parentToken, name, data, mtime)
}

func (d *Drive) putFileLocked(parentToken, name string, data []byte, mtime time.Time) string {
	parent := d.nodes[parentToken]
	// 同名覆盖
	for _, ct := range parent.children {
		if c := d.nodes[ct]; c != nil && c.name == name && c.typ == backend.TypeFile {
			c.data = data
			c.mtime = mtime
			return c.token
		}
	}
	token := d.nextToken("doc")
	d.nodes[token] = &node{
		token: token, name: name, typ: backend.TypeFile,
		parent: parentToken, data: data, mtime: mtime,
	}
	parent.children = append(parent.children, token)
	return token
}

// MustFolder 创建并返回文件夹 token，测试装配用
func (d *Drive) MustFolder(tenantID, parentToken, name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if parentToken == "" {
		parentToken = d.rootFor(tenantID).token
	}
	token := d.nextToken("fld")
	d.nodes[token] = &node{token: token, name: name, typ: backend.TypeFolder, parent: parentToken, mtime: time.Now().UTC()}
	d.nodes[parentToken].children = append(d.nodes[parentToken].children, token)
	return token
}

// FileData 返回文件内容，测试断言用
func (d *Drive) FileData(token string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[token]
	if !ok || n.typ != backend.TypeFile {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// FindByName 按名字在父目录下查找，测试断言用
func (d *Drive) FindByName(parentToken, name string) (backend.Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	parent, ok := d.nodes[parentToken]
	if !ok {
		return backend.Entry{}, false
	}
	for _, ct := range parent.children {
		if c := d.nodes[ct]; c != nil && c.name == name {
			return d.entryOf(c), true
		}
	}
	return backend.Entry{}, false
}

func (d *Drive) entryOf(n *node) backend.Entry {
	return backend.Entry{
		Token:       n.token,
		Name:        n.name,
		Type:        n.typ,
		ParentToken: n.parent,
		Size:        int64(len(n.data)),
		MTime:       n.mtime,
	}
}

// ListRoot 返回租户根及其子节点
func (d *Drive) ListRoot(ctx context.Context, t *model.Tenant) (string, []backend.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	root := d.rootFor(t.ID)
	entries := make([]backend.Entry, 0, len(root.children))
	for _, ct := range root.children {
		entries = append(entries, d.entryOf(d.nodes[ct]))
	}
	return root.token, entries, nil
}

// ListFolder 列出文件夹子节点
func (d *Drive) ListFolder(ctx context.Context, t *model.Tenant, folderToken string) ([]backend.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[folderToken]
	if !ok {
		return nil, code.Newf(code.NotFound, "folder %s not found", folderToken)
	}
	entries := make([]backend.Entry, 0, len(n.children))
	for _, ct := range n.children {
		entries = append(entries, d.entryOf(d.nodes[ct]))
	}
	return entries, nil
}

// Metadata 查询节点元数据
func (d *Drive) Metadata(ctx context.Context, t *model.Tenant, token string) (backend.Metadata, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[token]
	if !ok {
		return backend.Metadata{}, code.Newf(code.NotFound, "token %s not found", token)
	}
	return backend.Metadata{Size: int64(len(n.data)), MTime: n.mtime}, nil
}

// CreateFolder 创建文件夹
func (d *Drive) CreateFolder(ctx context.Context, t *model.Tenant, parentToken, name string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	parent, ok := d.nodes[parentToken]
	if !ok {
		return "", code.Newf(code.NotFound, "parent %s not found", parentToken)
	}
	token := d.nextToken("fld")
	d.nodes[token] = &node{token: token, name: name, typ: backend.TypeFolder, parent: parentToken, mtime: time.Now().UTC()}
	parent.children = append(parent.children, token)
	return token, nil
}

// Move 移动节点
func (d *Drive) Move(ctx context.Context, t *model.Tenant, token, entryType, newParent string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[token]
	if !ok {
		return code.Newf(code.NotFound, "token %s not found", token)
	}
	np, ok := d.nodes[newParent]
	if !ok {
		return code.Newf(code.NotFound, "parent %s not found", newParent)
	}
	d.detachLocked(n)
	n.parent = newParent
	np.children = append(np.children, token)
	return nil
}

func (d *Drive) detachLocked(n *node) {
	if n.parent == "" {
		return
	}
	p := d.nodes[n.parent]
	for i, ct := range p.children {
		if ct == n.token {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
}

// Copy 复制节点（文件级）
func (d *Drive) Copy(ctx context.Context, t *model.Tenant, token, entryType, newParent, newName string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[token]
	if !ok {
		return "", code.Newf(code.NotFound, "token %s not found", token)
	}
	if _, ok := d.nodes[newParent]; !ok {
		return "", code.Newf(code.NotFound, "parent %s not found", newParent)
	}
	return d.putFileLocked(newParent, newName, append([]byte(nil), n.data...), n.mtime), nil
}

// Rename 重命名节点
func (d *Drive) Rename(ctx context.Context, t *model.Tenant, token, entryType, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[token]
	if !ok {
		return code.Newf(code.NotFound, "token %s not found", token)
	}
	n.name = newName
	return nil
}

// Delete 删除节点及其子树
func (d *Drive) Delete(ctx context.Context, t *model.Tenant, token, entryType string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.nodes[token]
	if !ok {
		return code.Newf(code.NotFound, "token %s not found", token)
	}
	d.detachLocked(n)
	d.removeTreeLocked(n)
	return nil
}

func (d *Drive) removeTreeLocked(n *node) {
	for _, ct := range n.children {
		if c := d.nodes[ct]; c != nil {
			d.removeTreeLocked(c)
		}
	}
	delete(d.nodes, n.token)
}

// UploadInit 开启上传会话
func (d *Drive) UploadInit(ctx context.Context, t *model.Tenant, parentToken, fileName string, size int64) (backend.UploadSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if parentToken == "" {
		parentToken = d.rootFor(t.ID).token
	}
	if _, ok := d.nodes[parentToken]; !ok {
		return backend.UploadSession{}, code.Newf(code.NotFound, "parent %s not found", parentToken)
	}
	id := d.nextToken("upl")
	d.uploads[id] = &uploadSession{
		parent:    parentToken,
		name:      fileName,
		size:      size,
		blockSize: d.BlockSize,
		blocks:    make(map[int64][]byte),
	}
	return backend.UploadSession{UploadID: id, BlockSize: d.BlockSize}, nil
}

// UploadBlock 幂等地记录第 seq 块
func (d *Drive) UploadBlock(ctx context.Context, t *model.Tenant, uploadID string, seq int64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.UploadBlockCalls++
	if d.failUploadBlocks > 0 {
		d.failUploadBlocks--
		return code.New(code.UpstreamTransient, "injected upload failure")
	}
	s, ok := d.uploads[uploadID]
	if !ok {
		return code.Newf(code.NotFound, "upload %s not found", uploadID)
	}
	s.blocks[seq] = append([]byte(nil), data...)
	return nil
}

// UploadFinish 组装全部块并落盘为文件节点
func (d *Drive) UploadFinish(ctx context.Context, t *model.Tenant, uploadID string, blockCount int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.UploadFinishCalls++
	s, ok := d.uploads[uploadID]
	if !ok {
		return "", code.Newf(code.NotFound, "upload %s not found", uploadID)
	}
	if int64(len(s.blocks)) != blockCount {
		return "", code.Newf(code.UpstreamPermanent,
			"upload incomplete: have %d blocks, want %d", len(s.blocks), blockCount)
	}
	var data []byte
	for seq := int64(0); seq < blockCount; seq++ {
		b, ok := s.blocks[seq]
		if !ok {
			return "", code.Newf(code.UpstreamPermanent, "missing block %d", seq)
		}
		data = append(data, b...)
	}
	delete(d.uploads, uploadID)
	token := d.putFileLocked(s.parent, s.name, data, time.Now().UTC())
	return token, nil
}

// UploadAbort 放弃会话
func (d *Drive) UploadAbort(ctx context.Context, t *model.Tenant, uploadID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.uploads, uploadID)
	return nil
}

// DownloadRange 读取文件区间
func (d *Drive) DownloadRange(ctx context.Context, t *model.Tenant, token string, offset, length int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failDownloadRanges > 0 {
		d.failDownloadRanges--
		return nil, code.New(code.UpstreamTransient, "injected download failure")
	}
	n, ok := d.nodes[token]
	if !ok {
		return nil, code.Newf(code.NotFound, "token %s not found", token)
	}
	if offset >= int64(len(n.data)) {
		return nil, io.EOF
	}
	end := offset + length
	if end > int64(len(n.data)) {
		end = int64(len(n.data))
	}
	return append([]byte(nil), n.data[offset:end]...), nil
}

// Quota 内存云盘不限配额
func (d *Drive) Quota(ctx context.Context, t *model.Tenant) (backend.Quota, error) {
	return backend.Quota{}, backend.ErrQuotaUnsupported
}

var _ backend.Backend = (*Drive)(nil)
