package gateway

import (
	"encoding/json"
	"strings"

	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/gin-gonic/gin"
)

// normalizeNodeName 校验节点名称
func normalizeNodeName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", code.New(code.InvalidArgument, "name must not be empty")
	}
	if strings.ContainsAny(name, "/\\") {
		return "", code.New(code.InvalidArgument, "name must not contain path separators")
	}
	return name, nil
}

type createFolderPayload struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	ParentToken string `json:"parent_token" validate:"required"`
	Name        string `json:"name" validate:"required"`
}

func (g *Gateway) cmdCreateFolder(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p createFolderPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.requireTenant(scope, p.TenantID)
	if err != nil {
		return nil, err
	}
	name, err := normalizeNodeName(p.Name)
	if err != nil {
		return nil, err
	}
	if err := g.registry.EnsureUniqueName(c.Request.Context(), &t, p.ParentToken, name); err != nil {
		return nil, err
	}
	be, err := g.backendsOf(&t)
	if err != nil {
		return nil, err
	}
	token, err := be.CreateFolder(c.Request.Context(), &t, p.ParentToken, name)
	if err != nil {
		return nil, err
	}
	return gin.H{"token": token}, nil
}

type deleteFilePayload struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Token    string `json:"token" validate:"required"`
	Type     string `json:"type" validate:"required,oneof=file folder doc"`
}

func (g *Gateway) cmdDeleteFile(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p deleteFilePayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.requireTenant(scope, p.TenantID)
	if err != nil {
		return nil, err
	}
	be, err := g.backendsOf(&t)
	if err != nil {
		return nil, err
	}
	if err := be.Delete(c.Request.Context(), &t, p.Token, p.Type); err != nil {
		return nil, err
	}
	return gin.H{"deleted": p.Token}, nil
}

type movePayload struct {
	TenantID     string `json:"tenant_id" validate:"required"`
	Token        string `json:"token" validate:"required"`
	Type         string `json:"type" validate:"required,oneof=file folder doc"`
	TargetParent string `json:"target_parent" validate:"required"`
	// Name 目标目录下的名称，用于重名断言
	Name string `json:"name"`
}

// cmdMoveFile 同租户内移动，跨租户移动由上层以复制加删除编排
func (g *Gateway) cmdMoveFile(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p movePayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.requireTenant(scope, p.TenantID)
	if err != nil {
		return nil, err
	}
	if p.Name != "" {
		if err := g.registry.EnsureUniqueName(c.Request.Context(), &t, p.TargetParent, p.Name); err != nil {
			return nil, err
		}
	}
	be, err := g.backendsOf(&t)
	if err != nil {
		return nil, err
	}
	if err := be.Move(c.Request.Context(), &t, p.Token, p.Type, p.TargetParent); err != nil {
		return nil, err
	}
	return gin.H{"moved": p.Token}, nil
}

type copyPayload struct {
	TenantID     string `json:"tenant_id" validate:"required"`
	Token        string `json:"token" validate:"required"`
	Type         string `json:"type" validate:"required,oneof=file folder doc"`
	TargetParent string `json:"target_parent" validate:"required"`
	Name         string `json:"name" validate:"required"`
}

func (g *Gateway) cmdCopyFile(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p copyPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.requireTenant(scope, p.TenantID)
	if err != nil {
		return nil, err
	}
	name, err := normalizeNodeName(p.Name)
	if err != nil {
		return nil, err
	}
	if err := g.registry.EnsureUniqueName(c.Request.Context(), &t, p.TargetParent, name); err != nil {
		return nil, err
	}
	be, err := g.backendsOf(&t)
	if err != nil {
		return nil, err
	}
	token, err := be.Copy(c.Request.Context(), &t, p.Token, p.Type, p.TargetParent, name)
	if err != nil {
		return nil, err
	}
	return gin.H{"token": token, "name": name}, nil
}

type renamePayload struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Token    string `json:"token" validate:"required"`
	Type     string `json:"type" validate:"required,oneof=file folder doc"`
	Name     string `json:"name" validate:"required"`
	// ParentToken 所在目录，用于重名断言，可选
	ParentToken string `json:"parent_token"`
}

func (g *Gateway) cmdRenameFile(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p renamePayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.requireTenant(scope, p.TenantID)
	if err != nil {
		return nil, err
	}
	name, err := normalizeNodeName(p.Name)
	if err != nil {
		return nil, err
	}
	if p.ParentToken != "" {
		if err := g.registry.EnsureUniqueName(c.Request.Context(), &t, p.ParentToken, name); err != nil {
			return nil, err
		}
	}
	be, err := g.backendsOf(&t)
	if err != nil {
		return nil, err
	}
	if err := be.Rename(c.Request.Context(), &t, p.Token, p.Type, name); err != nil {
		return nil, err
	}
	return gin.H{"renamed": p.Token, "name": name}, nil
}
