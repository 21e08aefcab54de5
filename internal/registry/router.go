package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// epsilonBytes 写入路由的容量余量阈值
const epsilonBytes = 1 << 20

// rootFanout 联合根列表的并发上限
const rootFanout = 5

// RootListing 单租户根目录列表
type RootListing struct {
	TenantID   string          `json:"tenant_id"`
	TenantName string          `json:"tenant_name"`
	RootToken  string          `json:"root_token"`
	Entries    []backend.Entry `json:"entries"`
	Error      string          `json:"error,omitempty"`
}

// AggregatedRoot 对范围内每个激活租户并发执行根列表并按 Order 合并
// 单租户失败不拖垮整体，失败原因随该租户条目返回
func (r *Registry) AggregatedRoot(ctx context.Context, scope Scope) ([]RootListing, error) {
	tenants, err := r.ListTenants(scope)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	results := make(map[string]RootListing, len(tenants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rootFanout)
	for i := range tenants {
		t := tenants[i]
		if !t.Active {
			continue
		}
		g.Go(func() error {
			listing := RootListing{TenantID: t.ID, TenantName: t.DisplayName}
			be, err := r.backends.Select(&t)
			if err == nil {
				var root string
				var entries []backend.Entry
				root, entries, err = be.ListRoot(gctx, &t)
				listing.RootToken = root
				listing.Entries = entries
			}
			if err != nil {
				listing.Error = err.Error()
				r.logger.Warn("list root failed",
					zap.String("tenant", t.ID), zap.Error(err))
			}
			mu.Lock()
			results[t.ID] = listing
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]RootListing, 0, len(results))
	for i := range tenants {
		if l, ok := results[tenants[i].ID]; ok {
			out = append(out, l)
		}
	}
	return out, nil
}

// freeBytes 租户剩余容量
// 后端支持配额查询时以后端为准，否则回退注册表记录
func (r *Registry) freeBytes(ctx context.Context, t *model.Tenant) int64 {
	be, err := r.backends.Select(t)
	if err == nil {
		if q, err := be.Quota(ctx, t); err == nil && q.Total > 0 {
			return q.Total - q.Used
		}
	}
	return t.QuotaBytes - t.UsedBytes
}

// WriteTarget 选择写入目标租户
// 按 Order 升序跳过未激活与只读租户，取首个剩余容量大于 size+ε 的租户
// size 为本次写入预期字节数，未知时传 0
func (r *Registry) WriteTarget(ctx context.Context, scope Scope, size int64) (model.Tenant, string, error) {
	tenants, err := r.ListTenants(scope)
	if err != nil {
		return model.Tenant{}, "", err
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Order < tenants[j].Order })

	sawWritable := false
	for i := range tenants {
		t := tenants[i]
		if !t.Writable() {
			continue
		}
		sawWritable = true
		if r.freeBytes(ctx, &t) <= size+epsilonBytes {
			continue
		}
		be, err := r.backends.Select(&t)
		if err != nil {
			continue
		}
		root, _, err := be.ListRoot(ctx, &t)
		if err != nil {
			r.logger.Warn("write target root lookup failed",
				zap.String("tenant", t.ID), zap.Error(err))
			continue
		}
		return t, root, nil
	}

	if !sawWritable {
		return model.Tenant{}, "", code.NoWritable(code.ReasonPermission)
	}
	return model.Tenant{}, "", code.NoWritable(code.ReasonCapacity)
}

// EnsureUniqueName 断言父目录下不存在同名活跃条目
// 返回 DuplicateName 表示冲突；父目录自身已有重名条目按存储损坏上抛
func (r *Registry) EnsureUniqueName(ctx context.Context, t *model.Tenant, parentToken, name string) error {
	be, err := r.backends.Select(t)
	if err != nil {
		return err
	}
	entries, err := be.ListFolder(ctx, t, parentToken)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(entries))
	for i := range entries {
		if seen[entries[i].Name] {
			return code.Newf(code.PersistenceCorrupt,
				"remote folder %s already holds two entries named %q", parentToken, entries[i].Name)
		}
		seen[entries[i].Name] = true
	}
	if seen[name] {
		return code.Newf(code.DuplicateName, "an entry named %q already exists", name)
	}
	return nil
}

// AccountUsage 上传成功后累计租户用量
func (r *Registry) AccountUsage(tenantID string, delta int64) {
	err := r.store.Tenants.Update(func(f *model.TenantFile) error {
		for i := range f.Tenants {
			if f.Tenants[i].ID == tenantID {
				f.Tenants[i].UsedBytes += delta
				if f.Tenants[i].UsedBytes < 0 {
					f.Tenants[i].UsedBytes = 0
				}
				if f.Tenants[i].UsedBytes > f.Tenants[i].QuotaBytes {
					// 超配额仅观测，不拦截
					r.logger.Warn("tenant over quota",
						zap.String("tenant", tenantID),
						zap.Int64("used", f.Tenants[i].UsedBytes),
						zap.Int64("quota", f.Tenants[i].QuotaBytes))
				}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Warn("account usage failed", zap.String("tenant", tenantID), zap.Error(err))
	}
}
