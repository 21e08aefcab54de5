// Package backend 定义云端驱动的抽象能力边界
// 路由器与传输引擎只依赖本接口，具体实现自行处理令牌刷新与限流
package backend

import (
	"context"
	"time"

	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"
)

// 条目类型
const (
	TypeFolder = "folder"
	TypeFile   = "file"
	TypeDoc    = "doc"
)

// Entry 云端目录下的一个节点
type Entry struct {
	Token       string    `json:"token"`
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	ParentToken string    `json:"parent_token,omitempty"`
	Size        int64     `json:"size,omitempty"`
	MTime       time.Time `json:"mtime,omitempty"`
}

// IsFolder 是否为文件夹节点
func (e *Entry) IsFolder() bool {
	return e.Type == TypeFolder
}

// Metadata 单个节点的元数据
type Metadata struct {
	Size     int64     `json:"size"`
	MTime    time.Time `json:"mtime"`
	Checksum string    `json:"checksum,omitempty"`
}

// Quota 租户配额
type Quota struct {
	Used  int64 `json:"used"`
	Total int64 `json:"total"`
}

// UploadSession 分块上传会话
type UploadSession struct {
	UploadID  string `json:"upload_id"`
	BlockSize int64  `json:"block_size"`
}

// ErrQuotaUnsupported 后端不提供配额查询，路由器回退到注册表内记录的值
var ErrQuotaUnsupported = code.New(code.UpstreamPermanent, "backend does not expose quota")

// Backend 云端驱动能力
// 所有调用使用带超时的 context，瞬态失败以 code.UpstreamTransient 族错误上抛
type Backend interface {
	// ListRoot 返回根目录 token 与其下节点
	ListRoot(ctx context.Context, t *model.Tenant) (string, []Entry, error)
	// ListFolder 列出文件夹下的节点
	ListFolder(ctx context.Context, t *model.Tenant, folderToken string) ([]Entry, error)
	// Metadata 查询节点元数据
	Metadata(ctx context.Context, t *model.Tenant, token string) (Metadata, error)
	// CreateFolder 在父目录下创建文件夹，返回新 token
	CreateFolder(ctx context.Context, t *model.Tenant, parentToken, name string) (string, error)
	// Move 移动节点到新父目录
	Move(ctx context.Context, t *model.Tenant, token, entryType, newParent string) error
	// Copy 复制节点，返回副本 token
	Copy(ctx context.Context, t *model.Tenant, token, entryType, newParent, newName string) (string, error)
	// Rename 重命名节点
	Rename(ctx context.Context, t *model.Tenant, token, entryType, newName string) error
	// Delete 删除节点
	Delete(ctx context.Context, t *model.Tenant, token, entryType string) error

	// UploadInit 开启分块上传会话
	UploadInit(ctx context.Context, t *model.Tenant, parentToken, fileName string, size int64) (UploadSession, error)
	// UploadBlock 上传第 seq 块，对 (uploadID, seq) 幂等
	UploadBlock(ctx context.Context, t *model.Tenant, uploadID string, seq int64, data []byte) error
	// UploadFinish 结束会话，返回文件 token
	UploadFinish(ctx context.Context, t *model.Tenant, uploadID string, blockCount int64) (string, error)
	// UploadAbort 尽力而为地放弃会话
	UploadAbort(ctx context.Context, t *model.Tenant, uploadID string) error

	// DownloadRange 读取 [offset, offset+length) 区间，服务端可能返回短读
	DownloadRange(ctx context.Context, t *model.Tenant, token string, offset, length int64) ([]byte, error)

	// Quota 查询配额，不支持时返回 ErrQuotaUnsupported
	Quota(ctx context.Context, t *model.Tenant) (Quota, error)
}

// Set 按租户后端类型选择实现
type Set struct {
	Lark Backend
	S3   Backend
}

// Select 返回租户对应的后端实现
func (s *Set) Select(t *model.Tenant) (Backend, error) {
	switch t.BackendType() {
	case model.BackendLark:
		if s.Lark == nil {
			return nil, code.New(code.InvalidArgument, "lark backend not configured")
		}
		return s.Lark, nil
	case model.BackendS3:
		if s.S3 == nil {
			return nil, code.New(code.InvalidArgument, "s3 backend not configured")
		}
		return s.S3, nil
	default:
		return nil, code.Newf(code.InvalidArgument, "unknown backend type %q", t.BackendType())
	}
}
