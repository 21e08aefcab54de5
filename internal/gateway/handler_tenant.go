package gateway

import (
	"encoding/json"
	"time"

	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/copier"
)

// TenantPublic 对外暴露的租户视图，不含应用凭据
type TenantPublic struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	Platform    string     `json:"platform"`
	Backend     string     `json:"backend,omitempty"`
	QuotaBytes  int64      `json:"quota_bytes"`
	UsedBytes   int64      `json:"used_bytes"`
	Permission  string     `json:"permission"`
	Active      bool       `json:"active"`
	Order       int        `json:"order"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
}

func tenantPublic(t model.Tenant) TenantPublic {
	var out TenantPublic
	_ = copier.Copy(&out, &t)
	out.Platform = string(t.Platform)
	out.Backend = string(t.Backend)
	out.Permission = string(t.Permission)
	return out
}

func tenantPublicList(ts []model.Tenant) []TenantPublic {
	out := make([]TenantPublic, 0, len(ts))
	for _, t := range ts {
		out = append(out, tenantPublic(t))
	}
	return out
}

func (g *Gateway) cmdListTenants(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	tenants, err := g.registry.ListTenants(scope)
	if err != nil {
		return nil, err
	}
	return tenantPublicList(tenants), nil
}

type tenantDetailPayload struct {
	TenantID string `json:"tenant_id" validate:"required"`
}

func (g *Gateway) cmdGetTenantDetail(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p tenantDetailPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.requireTenant(scope, p.TenantID)
	if err != nil {
		return nil, err
	}
	return tenantPublic(t), nil
}

type addTenantPayload struct {
	DisplayName string `json:"display_name" validate:"required"`
	AppID       string `json:"app_id" validate:"required"`
	AppSecret   string `json:"app_secret" validate:"required"`
	Platform    string `json:"platform" validate:"omitempty,oneof=intl cn"`
	Backend     string `json:"backend" validate:"omitempty,oneof=lark s3"`
	Region      string `json:"region"`
	Bucket      string `json:"bucket"`
	QuotaBytes  int64  `json:"quota_bytes" validate:"gte=0"`
	Permission  string `json:"permission" validate:"omitempty,oneof=read_only read_write"`
}

func (g *Gateway) cmdAddTenant(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p addTenantPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.registry.AddTenant(registry.AddTenantParams{
		DisplayName: p.DisplayName,
		Credentials: model.AppCredentials{
			AppID:     p.AppID,
			AppSecret: p.AppSecret,
			Region:    p.Region,
			Bucket:    p.Bucket,
		},
		Platform:   model.Platform(p.Platform),
		Backend:    model.BackendType(p.Backend),
		QuotaBytes: p.QuotaBytes,
		Permission: model.Permission(p.Permission),
	})
	if err != nil {
		return nil, err
	}
	return tenantPublic(t), nil
}

type updateTenantPayload struct {
	TenantID    string  `json:"tenant_id" validate:"required"`
	DisplayName *string `json:"display_name"`
	QuotaBytes  *int64  `json:"quota_bytes"`
	UsedBytes   *int64  `json:"used_bytes"`
	Permission  *string `json:"permission" validate:"omitempty,oneof=read_only read_write"`
	Active      *bool   `json:"active"`
}

func (g *Gateway) cmdUpdateTenantMeta(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p updateTenantPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	params := registry.UpdateTenantParams{
		DisplayName: p.DisplayName,
		QuotaBytes:  p.QuotaBytes,
		UsedBytes:   p.UsedBytes,
		Active:      p.Active,
	}
	if p.Permission != nil {
		perm := model.Permission(*p.Permission)
		params.Permission = &perm
	}
	t, err := g.registry.UpdateTenantMeta(p.TenantID, params)
	if err != nil {
		return nil, err
	}
	return tenantPublic(t), nil
}

func (g *Gateway) cmdRemoveTenant(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p tenantDetailPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	if err := g.registry.RemoveTenant(p.TenantID); err != nil {
		return nil, err
	}
	return gin.H{"removed": p.TenantID}, nil
}

type reorderPayload struct {
	TenantIDs []string `json:"tenant_ids" validate:"required,min=1"`
}

func (g *Gateway) cmdReorderTenants(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p reorderPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	if err := g.registry.ReorderTenants(p.TenantIDs); err != nil {
		return nil, err
	}
	tenants, err := g.registry.ListTenants(scope)
	if err != nil {
		return nil, err
	}
	return tenantPublicList(tenants), nil
}

func (g *Gateway) cmdRefreshTenantToken(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p tenantDetailPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	t, err := g.registry.RefreshTenantToken(c.Request.Context(), p.TenantID)
	if err != nil {
		return nil, err
	}
	return tenantPublic(t), nil
}
