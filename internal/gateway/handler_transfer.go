package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/gin-gonic/gin"
)

type uploadFilePayload struct {
	// TenantID 指定租户；parent_token 给定时必填
	TenantID    string `json:"tenant_id"`
	ParentToken string `json:"parent_token"`
	FilePath    string `json:"file_path" validate:"required"`
	FileName    string `json:"file_name"`
}

// cmdUploadFile 入队一个文件上传
// 未指定父目录时按容量与权限路由选择写入目标
func (g *Gateway) cmdUploadFile(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p uploadFilePayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	// 范围检查先于任何本地或远端访问，拒绝时不得留下副作用
	if p.TenantID != "" && !scope.AllowsTenant(p.TenantID) {
		return nil, code.Newf(code.ScopeDenied, "tenant %s is outside the key's scope", p.TenantID)
	}

	info, err := os.Stat(p.FilePath)
	if err != nil {
		return nil, code.Wrap(code.LocalIo, "stat local file", err)
	}

	fileName := p.FileName
	if fileName == "" {
		fileName = filepath.Base(p.FilePath)
	}

	tenantID, parentToken := p.TenantID, p.ParentToken
	if parentToken == "" {
		tenant, root, err := g.registry.WriteTarget(c.Request.Context(), scope, info.Size())
		if err != nil {
			return nil, err
		}
		tenantID, parentToken = tenant.ID, root
	} else if tenantID == "" {
		return nil, code.New(code.InvalidArgument, "tenant_id is required when parent_token is given")
	}

	t, err := g.requireTenant(scope, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Writable() {
		return nil, code.NoWritable(code.ReasonPermission)
	}
	if err := g.registry.EnsureUniqueName(c.Request.Context(), &t, parentToken, fileName); err != nil {
		return nil, err
	}
	return g.engine.EnqueueFileUpload(t.ID, parentToken, p.FilePath, fileName, "")
}

type uploadFolderPayload struct {
	TenantID    string `json:"tenant_id"`
	ParentToken string `json:"parent_token"`
	DirPath     string `json:"dir_path" validate:"required"`
}

func (g *Gateway) cmdUploadFolder(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p uploadFolderPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	tenantID, parentToken := p.TenantID, p.ParentToken
	if parentToken == "" {
		tenant, root, err := g.registry.WriteTarget(c.Request.Context(), scope, 0)
		if err != nil {
			return nil, err
		}
		tenantID, parentToken = tenant.ID, root
	} else if tenantID == "" {
		return nil, code.New(code.InvalidArgument, "tenant_id is required when parent_token is given")
	}
	t, err := g.requireTenant(scope, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Writable() {
		return nil, code.NoWritable(code.ReasonPermission)
	}
	if err := g.registry.EnsureUniqueName(c.Request.Context(), &t, parentToken, filepath.Base(p.DirPath)); err != nil {
		return nil, err
	}
	return g.engine.EnqueueFolderUpload(t.ID, parentToken, p.DirPath, "")
}

type downloadFilePayload struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Token    string `json:"token" validate:"required"`
	DestDir  string `json:"dest_dir" validate:"required"`
	FileName string `json:"file_name" validate:"required"`
	Size     int64  `json:"size"`
}

func (g *Gateway) cmdDownloadFile(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p downloadFilePayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.requireTenant(scope, p.TenantID)
	if err != nil {
		return nil, err
	}
	return g.engine.EnqueueFileDownload(t.ID, p.Token, p.DestDir, p.FileName, p.Size, "")
}

type downloadFolderPayload struct {
	TenantID   string `json:"tenant_id" validate:"required"`
	Token      string `json:"token" validate:"required"`
	DestDir    string `json:"dest_dir" validate:"required"`
	FolderName string `json:"folder_name" validate:"required"`
}

func (g *Gateway) cmdDownloadFolder(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p downloadFolderPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.requireTenant(scope, p.TenantID)
	if err != nil {
		return nil, err
	}
	return g.engine.EnqueueFolderDownload(t.ID, p.Token, p.DestDir, p.FolderName, "")
}

// TransferView 带速率的传输视图
type TransferView struct {
	model.Transfer
	SpeedBps float64 `json:"speed_bps"`
}

func (g *Gateway) cmdListTransfers(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	transfers, err := g.engine.List()
	if err != nil {
		return nil, err
	}
	out := make([]TransferView, 0, len(transfers))
	for _, t := range transfers {
		if !scope.AllowsTenant(t.TenantID) {
			continue
		}
		out = append(out, TransferView{Transfer: t, SpeedBps: g.engine.SpeedOf(t.ID)})
	}
	return out, nil
}

type transferIDPayload struct {
	TransferID string `json:"transfer_id" validate:"required"`
}

// requireTransfer 取记录并做范围检查
func (g *Gateway) requireTransfer(scope registry.Scope, id string) (model.Transfer, error) {
	t, err := g.engine.Get(id)
	if err != nil {
		return model.Transfer{}, err
	}
	if !scope.AllowsTenant(t.TenantID) {
		return model.Transfer{}, code.Newf(code.ScopeDenied, "transfer %s is outside the key's scope", id)
	}
	return t, nil
}

func (g *Gateway) cmdPauseTransfer(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p transferIDPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	if _, err := g.requireTransfer(scope, p.TransferID); err != nil {
		return nil, err
	}
	return g.engine.Pause(p.TransferID)
}

func (g *Gateway) cmdResumeTransfer(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p transferIDPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	if _, err := g.requireTransfer(scope, p.TransferID); err != nil {
		return nil, err
	}
	return g.engine.Resume(p.TransferID)
}

func (g *Gateway) cmdCancelTransfer(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p transferIDPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	if _, err := g.requireTransfer(scope, p.TransferID); err != nil {
		return nil, err
	}
	return g.engine.Cancel(p.TransferID)
}

func (g *Gateway) cmdRestartTransfer(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p transferIDPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	if _, err := g.requireTransfer(scope, p.TransferID); err != nil {
		return nil, err
	}
	return g.engine.Restart(p.TransferID)
}

func (g *Gateway) cmdDeleteTransfer(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p transferIDPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	if _, err := g.requireTransfer(scope, p.TransferID); err != nil {
		return nil, err
	}
	if err := g.engine.Delete(p.TransferID); err != nil {
		return nil, err
	}
	return gin.H{"removed": p.TransferID}, nil
}

func (g *Gateway) cmdClearTransferHistory(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	removed, err := g.engine.ClearHistory()
	if err != nil {
		return nil, err
	}
	return gin.H{"removed": removed}, nil
}
