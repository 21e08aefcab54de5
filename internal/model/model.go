// Package model 定义引擎的持久化数据模型
// 字段名与磁盘 JSON 保持稳定，全部时间使用 UTC
package model

import (
	"time"
)

// Platform 租户所属开放平台
type Platform string

const (
	PlatformIntl Platform = "intl" // open.larksuite.com
	PlatformCN   Platform = "cn"   // open.feishu.cn
)

// BackendType 租户挂载的云端后端类型
type BackendType string

const (
	BackendLark BackendType = "lark"
	BackendS3   BackendType = "s3"
)

// Permission 租户写权限
type Permission string

const (
	PermissionReadOnly  Permission = "read_only"
	PermissionReadWrite Permission = "read_write"
)

// AppCredentials 租户应用凭据
type AppCredentials struct {
	AppID     string `json:"app_id"`
	AppSecret string `json:"app_secret"`
	// Region S3 后端使用
	Region string `json:"region,omitempty"`
	// Bucket S3 后端使用
	Bucket string `json:"bucket,omitempty"`
}

// Tenant 一个云端账号及其配额
type Tenant struct {
	ID          string         `json:"id"`
	DisplayName string         `json:"display_name"`
	Credentials AppCredentials `json:"app_credentials"`
	Platform    Platform       `json:"platform"`
	Backend     BackendType    `json:"backend,omitempty"`
	QuotaBytes  int64          `json:"quota_bytes"`
	UsedBytes   int64          `json:"used_bytes"`
	Permission  Permission     `json:"permission"`
	Active      bool           `json:"active"`
	// Order 租户的全序位置，注册表内唯一
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// 访问令牌缓存，磁盘上保留以便进程重启后复用
	CachedAccessToken string     `json:"cached_access_token,omitempty"`
	TokenExpiry       *time.Time `json:"token_expiry,omitempty"`
}

// Writable 租户是否可作为写入目标
func (t *Tenant) Writable() bool {
	return t.Active && t.Permission == PermissionReadWrite
}

// BackendType 返回后端类型，历史记录缺省为 lark
func (t *Tenant) BackendType() BackendType {
	if t.Backend == "" {
		return BackendLark
	}
	return t.Backend
}

// Group 共享一把 API Key 的租户子集
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Remark    string    `json:"remark,omitempty"`
	TenantIDs []string  `json:"tenant_ids"`
	APIKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Contains 判断租户是否在组内
func (g *Group) Contains(tenantID string) bool {
	for _, id := range g.TenantIDs {
		if id == tenantID {
			return true
		}
	}
	return false
}

// SyncDirection 同步方向
type SyncDirection string

const (
	DirectionCloudToLocal  SyncDirection = "cloud_to_local"
	DirectionLocalToCloud  SyncDirection = "local_to_cloud"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// DetectionMode 变更检测模式
type DetectionMode string

const (
	DetectionMetadata  DetectionMode = "metadata"
	DetectionSizeMtime DetectionMode = "size_mtime"
	DetectionChecksum  DetectionMode = "checksum"
)

// ConflictStrategy 冲突解决策略
type ConflictStrategy string

const (
	ConflictNewest       ConflictStrategy = "newest"
	ConflictPreferLocal  ConflictStrategy = "prefer_local"
	ConflictPreferRemote ConflictStrategy = "prefer_remote"
)

// SyncTaskStatus 同步任务状态
type SyncTaskStatus string

const (
	TaskIdle      SyncTaskStatus = "idle"
	TaskScheduled SyncTaskStatus = "scheduled"
	TaskRunning   SyncTaskStatus = "running"
	TaskSuccess   SyncTaskStatus = "success"
	TaskFailed    SyncTaskStatus = "failed"
)

// SyncTask 一条定时同步任务
type SyncTask struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	Direction         SyncDirection    `json:"direction"`
	GroupID           string           `json:"group_id"`
	TenantID          string           `json:"tenant_id"`
	RemoteFolderToken string           `json:"remote_folder_token"`
	RemoteLabel       string           `json:"remote_label,omitempty"`
	LocalPath         string           `json:"local_path"`
	Schedule          string           `json:"schedule"`
	Enabled           bool             `json:"enabled"`
	Detection         DetectionMode    `json:"detection"`
	Conflict          ConflictStrategy `json:"conflict"`
	PropagateDelete   bool             `json:"propagate_delete"`
	IncludePatterns   []string         `json:"include_patterns"`
	ExcludePatterns   []string         `json:"exclude_patterns"`
	Notes             string           `json:"notes,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`

	NextRunAt           *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt           *time.Time     `json:"last_run_at,omitempty"`
	LastStatus          SyncTaskStatus `json:"last_status"`
	LastMessage         string         `json:"last_message,omitempty"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
}

// TransferDirection 传输方向
type TransferDirection string

const (
	DirectionUpload   TransferDirection = "upload"
	DirectionDownload TransferDirection = "download"
)

// TransferKind 传输种类
type TransferKind string

const (
	KindFileUp     TransferKind = "file_up"
	KindFolderUp   TransferKind = "folder_up"
	KindFileDown   TransferKind = "file_down"
	KindFolderDown TransferKind = "folder_down"
)

// TransferStatus 传输状态
type TransferStatus string

const (
	StatusPending TransferStatus = "pending"
	StatusRunning TransferStatus = "running"
	StatusPaused  TransferStatus = "paused"
	StatusSuccess TransferStatus = "success"
	StatusFailed  TransferStatus = "failed"
)

// Terminal 是否终态
func (s TransferStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ResumePayload 传输断点数据
// 上传与下载共用一个结构，按方向填充各自字段
type ResumePayload struct {
	// 上传断点
	UploadID    string `json:"upload_id,omitempty"`
	BlockSize   int64  `json:"block_size,omitempty"`
	NextSeq     int64  `json:"next_seq,omitempty"`
	ParentToken string `json:"parent_token,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	Size        int64  `json:"size,omitempty"`

	// 下载断点
	TempPath   string `json:"temp_path,omitempty"`
	TargetPath string `json:"target_path,omitempty"`
	Downloaded int64  `json:"downloaded,omitempty"`
	Token      string `json:"token,omitempty"`
}

// Transfer 一条持久化传输记录
type Transfer struct {
	ID            string            `json:"id"`
	Direction     TransferDirection `json:"direction"`
	Kind          TransferKind      `json:"kind"`
	Name          string            `json:"name"`
	TenantID      string            `json:"tenant_id,omitempty"`
	ParentToken   string            `json:"parent_token,omitempty"`
	ResourceToken string            `json:"resource_token,omitempty"`
	LocalPath     string            `json:"local_path,omitempty"`
	RemotePath    string            `json:"remote_path,omitempty"`
	Size          int64             `json:"size"`
	Transferred   int64             `json:"transferred"`
	Status        TransferStatus    `json:"status"`
	Message       string            `json:"message,omitempty"`
	// ParentID 文件夹传输的子任务指向其父记录
	ParentID string `json:"parent_id,omitempty"`
	// TaskID 由同步任务派生的传输携带任务 ID
	TaskID string `json:"task_id,omitempty"`
	// Overwrite 下载时覆盖同名目标而不是另取别名，同步任务使用
	Overwrite bool           `json:"overwrite,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Resume    *ResumePayload `json:"resume_payload,omitempty"`
}

// SnapshotEntry 快照中的单个条目
type SnapshotEntry struct {
	Size        int64     `json:"size"`
	MTime       time.Time `json:"mtime"`
	RemoteToken string    `json:"remote_token,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	IsDir       bool      `json:"is_dir,omitempty"`
}

// Snapshot 任务的最近一次成功同步状态，三方对比的第三方
type Snapshot struct {
	Version int                      `json:"version"`
	TaskID  string                   `json:"task_id"`
	TakenAt time.Time                `json:"taken_at"`
	Entries map[string]SnapshotEntry `json:"entries"`
}

// ApiLogStatus 审计条目状态
type ApiLogStatus string

const (
	ApiLogSuccess ApiLogStatus = "success"
	ApiLogError   ApiLogStatus = "error"
)

// ApiLogEntry 一条审计日志
type ApiLogEntry struct {
	ID         string       `json:"id"`
	Timestamp  time.Time    `json:"timestamp"`
	Scope      string       `json:"scope"`
	Command    string       `json:"command"`
	Status     ApiLogStatus `json:"status"`
	DurationMs int64        `json:"duration_ms"`
	Message    string       `json:"message,omitempty"`
	Meta       any          `json:"meta,omitempty"`
}

// SyncLogEntry 同步任务运行日志
type SyncLogEntry struct {
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// 磁盘文档信封，与历史版本保持兼容
type (
	TenantFile struct {
		Version int      `json:"version"`
		Tenants []Tenant `json:"tenants"`
	}
	GroupFile struct {
		Version int     `json:"version"`
		Groups  []Group `json:"groups"`
	}
	TaskFile struct {
		Version int        `json:"version"`
		Tasks   []SyncTask `json:"tasks"`
	}
	TransferFile struct {
		Version   int        `json:"version"`
		Transfers []Transfer `json:"transfers"`
	}
	SyncLogFile struct {
		Version int            `json:"version"`
		Logs    []SyncLogEntry `json:"logs"`
	}
)
