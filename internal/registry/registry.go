// Package registry 维护租户与分组注册表，并承担联合根列表与写入路由
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/store"
	"github.com/haierkeys/feisync-service/pkg/code"
	"github.com/haierkeys/feisync-service/pkg/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Scope 一次调用的可见范围
type Scope struct {
	Admin bool
	Group *model.Group
}

// Label 审计日志使用的范围标签
func (s Scope) Label() string {
	if s.Admin {
		return "admin"
	}
	if s.Group != nil {
		return "group:" + s.Group.ID
	}
	return "unknown"
}

// AllowsTenant 租户是否在范围内
func (s Scope) AllowsTenant(tenantID string) bool {
	if s.Admin {
		return true
	}
	return s.Group != nil && s.Group.Contains(tenantID)
}

// Registry 租户/分组注册表
type Registry struct {
	store    *store.Store
	backends *backend.Set
	logger   *zap.Logger

	// onTenantRemoved 租户删除后的级联钩子，由传输引擎注入
	onTenantRemoved func(tenantID string)
}

// New 创建注册表
func New(st *store.Store, backends *backend.Set, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: st, backends: backends, logger: logger}
}

// OnTenantRemoved 注册租户删除级联回调
func (r *Registry) OnTenantRemoved(fn func(tenantID string)) {
	r.onTenantRemoved = fn
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ResolveScope 由 API Key 解析调用范围
// 管理密钥对比配置中的 SHA-256 摘要，组密钥逐组比对
func (r *Registry) ResolveScope(apiKey string) (Scope, error) {
	if apiKey == "" {
		return Scope{}, code.New(code.AuthMissing, "missing X-API-Key")
	}

	var adminHash string
	if err := r.store.Config.Read(func(c *model.Config) error {
		adminHash = c.AdminKeyHash
		return nil
	}); err != nil {
		return Scope{}, err
	}
	if adminHash != "" && hashKey(apiKey) == adminHash {
		return Scope{Admin: true}, nil
	}

	var matched *model.Group
	if err := r.store.Groups.Read(func(f *model.GroupFile) error {
		for i := range f.Groups {
			if f.Groups[i].APIKey == apiKey {
				g := f.Groups[i]
				matched = &g
				return nil
			}
		}
		return nil
	}); err != nil {
		return Scope{}, err
	}
	if matched == nil {
		return Scope{}, code.New(code.AuthInvalid, "unrecognized API key")
	}
	return Scope{Group: matched}, nil
}

// ListTenants 返回范围内的租户，按 Order 升序
func (r *Registry) ListTenants(scope Scope) ([]model.Tenant, error) {
	var out []model.Tenant
	err := r.store.Tenants.Read(func(f *model.TenantFile) error {
		for _, t := range f.Tenants {
			if scope.AllowsTenant(t.ID) {
				out = append(out, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// GetTenant 按 ID 查找租户
func (r *Registry) GetTenant(id string) (model.Tenant, error) {
	var found *model.Tenant
	err := r.store.Tenants.Read(func(f *model.TenantFile) error {
		for i := range f.Tenants {
			if f.Tenants[i].ID == id {
				t := f.Tenants[i]
				found = &t
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return model.Tenant{}, err
	}
	if found == nil {
		return model.Tenant{}, code.Newf(code.NotFound, "tenant %s not found", id)
	}
	return *found, nil
}

// AddTenantParams 新增租户参数
type AddTenantParams struct {
	DisplayName string
	Credentials model.AppCredentials
	Platform    model.Platform
	Backend     model.BackendType
	QuotaBytes  int64
	Permission  model.Permission
}

// AddTenant 新增租户，Order 取当前最大值加一
func (r *Registry) AddTenant(p AddTenantParams) (model.Tenant, error) {
	if p.DisplayName == "" {
		return model.Tenant{}, code.New(code.InvalidArgument, "display_name is required")
	}
	if p.Platform == "" {
		p.Platform = model.PlatformIntl
	}
	if p.Permission == "" {
		p.Permission = model.PermissionReadWrite
	}
	now := time.Now().UTC()
	t := model.Tenant{
		ID:          uuid.NewString(),
		DisplayName: p.DisplayName,
		Credentials: p.Credentials,
		Platform:    p.Platform,
		Backend:     p.Backend,
		QuotaBytes:  p.QuotaBytes,
		Permission:  p.Permission,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := r.store.Tenants.Update(func(f *model.TenantFile) error {
		maxOrder := 0
		for i := range f.Tenants {
			if f.Tenants[i].Order > maxOrder {
				maxOrder = f.Tenants[i].Order
			}
		}
		t.Order = maxOrder + 1
		f.Tenants = append(f.Tenants, t)
		return nil
	})
	if err != nil {
		return model.Tenant{}, err
	}
	r.logger.Info("tenant added", zap.String("tenant", t.ID), zap.String("name", t.DisplayName))
	return t, nil
}

// UpdateTenantParams 可更新的租户字段，nil 表示不修改
type UpdateTenantParams struct {
	DisplayName *string
	QuotaBytes  *int64
	UsedBytes   *int64
	Permission  *model.Permission
	Active      *bool
}

// UpdateTenantMeta 更新租户元信息
func (r *Registry) UpdateTenantMeta(id string, p UpdateTenantParams) (model.Tenant, error) {
	var updated model.Tenant
	err := r.store.Tenants.Update(func(f *model.TenantFile) error {
		for i := range f.Tenants {
			if f.Tenants[i].ID != id {
				continue
			}
			t := &f.Tenants[i]
			if p.DisplayName != nil {
				t.DisplayName = *p.DisplayName
			}
			if p.QuotaBytes != nil {
				t.QuotaBytes = *p.QuotaBytes
			}
			if p.UsedBytes != nil {
				t.UsedBytes = *p.UsedBytes
			}
			if p.Permission != nil {
				t.Permission = *p.Permission
			}
			if p.Active != nil {
				t.Active = *p.Active
			}
			t.UpdatedAt = time.Now().UTC()
			updated = *t
			return nil
		}
		return code.Newf(code.NotFound, "tenant %s not found", id)
	})
	if err != nil {
		return model.Tenant{}, err
	}
	return updated, nil
}

// StoreTenantToken 回写租户令牌缓存
func (r *Registry) StoreTenantToken(id, token string, expiry time.Time) {
	err := r.store.Tenants.Update(func(f *model.TenantFile) error {
		for i := range f.Tenants {
			if f.Tenants[i].ID == id {
				f.Tenants[i].CachedAccessToken = token
				e := expiry
				f.Tenants[i].TokenExpiry = &e
				return nil
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("store tenant token failed", zap.String("tenant", id), zap.Error(err))
	}
}

// RemoveTenant 删除租户并级联
// 顺序: 注册表摘除 -> 分组成员清理 -> 取消其在途传输（钩子）
func (r *Registry) RemoveTenant(id string) error {
	err := r.store.Tenants.Update(func(f *model.TenantFile) error {
		for i := range f.Tenants {
			if f.Tenants[i].ID == id {
				f.Tenants = append(f.Tenants[:i], f.Tenants[i+1:]...)
				return nil
			}
		}
		return code.Newf(code.NotFound, "tenant %s not found", id)
	})
	if err != nil {
		return err
	}

	if err := r.store.Groups.Update(func(f *model.GroupFile) error {
		for i := range f.Groups {
			g := &f.Groups[i]
			kept := g.TenantIDs[:0]
			for _, tid := range g.TenantIDs {
				if tid != id {
					kept = append(kept, tid)
				}
			}
			g.TenantIDs = kept
		}
		return nil
	}); err != nil {
		return err
	}

	if r.onTenantRemoved != nil {
		r.onTenantRemoved(id)
	}
	r.logger.Info("tenant removed", zap.String("tenant", id))
	return nil
}

// ReorderTenants 按给定 ID 序重排全部租户
func (r *Registry) ReorderTenants(ids []string) error {
	return r.store.Tenants.Update(func(f *model.TenantFile) error {
		if len(ids) != len(f.Tenants) {
			return code.New(code.InvalidArgument, "reorder must list every tenant exactly once")
		}
		pos := make(map[string]int, len(ids))
		for i, id := range ids {
			if _, dup := pos[id]; dup {
				return code.Newf(code.InvalidArgument, "tenant %s listed twice", id)
			}
			pos[id] = i + 1
		}
		for i := range f.Tenants {
			p, ok := pos[f.Tenants[i].ID]
			if !ok {
				return code.Newf(code.InvalidArgument, "tenant %s missing from reorder list", f.Tenants[i].ID)
			}
			f.Tenants[i].Order = p
		}
		return nil
	})
}

// RefreshTenantToken 强制刷新租户令牌
func (r *Registry) RefreshTenantToken(ctx context.Context, id string) (model.Tenant, error) {
	t, err := r.GetTenant(id)
	if err != nil {
		return model.Tenant{}, err
	}
	type refresher interface {
		RefreshToken(ctx context.Context, t *model.Tenant) (string, time.Time, error)
	}
	be, err := r.backends.Select(&t)
	if err != nil {
		return model.Tenant{}, err
	}
	rf, ok := be.(refresher)
	if !ok {
		return model.Tenant{}, code.New(code.InvalidArgument, "backend has no refreshable token")
	}
	token, expiry, err := rf.RefreshToken(ctx, &t)
	if err != nil {
		return model.Tenant{}, err
	}
	r.StoreTenantToken(id, token, expiry)
	return r.GetTenant(id)
}

// ListGroups 返回全部分组
func (r *Registry) ListGroups() ([]model.Group, error) {
	var out []model.Group
	err := r.store.Groups.Read(func(f *model.GroupFile) error {
		out = append(out, f.Groups...)
		return nil
	})
	return out, err
}

// GetGroup 按 ID 查找分组
func (r *Registry) GetGroup(id string) (model.Group, error) {
	var found *model.Group
	err := r.store.Groups.Read(func(f *model.GroupFile) error {
		for i := range f.Groups {
			if f.Groups[i].ID == id {
				g := f.Groups[i]
				found = &g
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return model.Group{}, err
	}
	if found == nil {
		return model.Group{}, code.Newf(code.NotFound, "group %s not found", id)
	}
	return *found, nil
}

// newGroupKey 生成组密钥，全局唯一
func newGroupKey() string {
	return "gk_" + util.GenerateSecret(24)
}

// validateMembers 校验成员租户存在
// 调用顺序: 先租户锁后分组锁，遵守全局锁序
func (r *Registry) validateMembers(tenantIDs []string) error {
	return r.store.Tenants.Read(func(f *model.TenantFile) error {
		known := make(map[string]bool, len(f.Tenants))
		for i := range f.Tenants {
			known[f.Tenants[i].ID] = true
		}
		for _, id := range tenantIDs {
			if !known[id] {
				return code.Newf(code.InvalidArgument, "tenant %s does not exist", id)
			}
		}
		return nil
	})
}

// AddGroup 新增分组并签发 API Key
func (r *Registry) AddGroup(name, remark string, tenantIDs []string) (model.Group, error) {
	if name == "" {
		return model.Group{}, code.New(code.InvalidArgument, "name is required")
	}
	if err := r.validateMembers(tenantIDs); err != nil {
		return model.Group{}, err
	}
	now := time.Now().UTC()
	g := model.Group{
		ID:        uuid.NewString(),
		Name:      name,
		Remark:    remark,
		TenantIDs: append([]string(nil), tenantIDs...),
		APIKey:    newGroupKey(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := r.store.Groups.Update(func(f *model.GroupFile) error {
		f.Groups = append(f.Groups, g)
		return nil
	})
	if err != nil {
		return model.Group{}, err
	}
	return g, nil
}

// UpdateGroupParams 可更新的分组字段
type UpdateGroupParams struct {
	Name      *string
	Remark    *string
	TenantIDs *[]string
}

// UpdateGroup 更新分组
func (r *Registry) UpdateGroup(id string, p UpdateGroupParams) (model.Group, error) {
	if p.TenantIDs != nil {
		if err := r.validateMembers(*p.TenantIDs); err != nil {
			return model.Group{}, err
		}
	}
	var updated model.Group
	err := r.store.Groups.Update(func(f *model.GroupFile) error {
		for i := range f.Groups {
			if f.Groups[i].ID != id {
				continue
			}
			g := &f.Groups[i]
			if p.Name != nil {
				g.Name = *p.Name
			}
			if p.Remark != nil {
				g.Remark = *p.Remark
			}
			if p.TenantIDs != nil {
				g.TenantIDs = append([]string(nil), (*p.TenantIDs)...)
			}
			g.UpdatedAt = time.Now().UTC()
			updated = *g
			return nil
		}
		return code.Newf(code.NotFound, "group %s not found", id)
	})
	if err != nil {
		return model.Group{}, err
	}
	return updated, nil
}

// DeleteGroup 删除分组
func (r *Registry) DeleteGroup(id string) error {
	return r.store.Groups.Update(func(f *model.GroupFile) error {
		for i := range f.Groups {
			if f.Groups[i].ID == id {
				f.Groups = append(f.Groups[:i], f.Groups[i+1:]...)
				return nil
			}
		}
		return code.Newf(code.NotFound, "group %s not found", id)
	})
}

// RegenerateGroupKey 重新签发组密钥，其余字段不变
func (r *Registry) RegenerateGroupKey(id string) (model.Group, error) {
	var updated model.Group
	err := r.store.Groups.Update(func(f *model.GroupFile) error {
		for i := range f.Groups {
			if f.Groups[i].ID == id {
				f.Groups[i].APIKey = newGroupKey()
				f.Groups[i].UpdatedAt = time.Now().UTC()
				updated = f.Groups[i]
				return nil
			}
		}
		return code.Newf(code.NotFound, "group %s not found", id)
	})
	if err != nil {
		return model.Group{}, err
	}
	return updated, nil
}
