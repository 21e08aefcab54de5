package registry

import (
	"context"
	"testing"
	"time"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/backend/fakedrive"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/store"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tenantMtime() time.Time {
	return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
}

func newTestRegistry(t *testing.T) (*Registry, *fakedrive.Drive, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)
	drive := fakedrive.New()
	reg := New(st, &backend.Set{Lark: drive}, nil)
	return reg, drive, st
}

func addTenant(t *testing.T, reg *Registry, name string, quota, used int64, perm model.Permission) model.Tenant {
	t.Helper()
	tenant, err := reg.AddTenant(AddTenantParams{
		DisplayName: name,
		Credentials: model.AppCredentials{AppID: "app_" + name, AppSecret: "secret"},
		QuotaBytes:  quota,
		Permission:  perm,
	})
	require.NoError(t, err)
	if used > 0 {
		_, err = reg.UpdateTenantMeta(tenant.ID, UpdateTenantParams{UsedBytes: &used})
		require.NoError(t, err)
		tenant.UsedBytes = used
	}
	return tenant
}

func TestAddTenantAssignsAscendingOrder(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	a := addTenant(t, reg, "A", 100, 0, model.PermissionReadWrite)
	b := addTenant(t, reg, "B", 100, 0, model.PermissionReadWrite)
	assert.Equal(t, 1, a.Order)
	assert.Equal(t, 2, b.Order)
}

func TestGroupMembersMustExist(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.AddGroup("g", "", []string{"missing"})
	require.Error(t, err)
	assert.Equal(t, code.InvalidArgument, code.KindOf(err))
}

func TestGroupKeysAreUnique(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		g, err := reg.AddGroup("g", "", nil)
		require.NoError(t, err)
		require.False(t, seen[g.APIKey], "duplicate group key")
		seen[g.APIKey] = true
	}
}

func TestRegenerateGroupKeyKeepsOtherFields(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	tenant := addTenant(t, reg, "A", 100, 0, model.PermissionReadWrite)
	g, err := reg.AddGroup("g", "remark", []string{tenant.ID})
	require.NoError(t, err)

	updated, err := reg.RegenerateGroupKey(g.ID)
	require.NoError(t, err)
	assert.NotEqual(t, g.APIKey, updated.APIKey)
	assert.Equal(t, g.Name, updated.Name)
	assert.Equal(t, g.Remark, updated.Remark)
	assert.Equal(t, g.TenantIDs, updated.TenantIDs)
}

func TestRemoveTenantCascades(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	a := addTenant(t, reg, "A", 100, 0, model.PermissionReadWrite)
	b := addTenant(t, reg, "B", 100, 0, model.PermissionReadWrite)
	g, err := reg.AddGroup("g", "", []string{a.ID, b.ID})
	require.NoError(t, err)

	var cancelled []string
	reg.OnTenantRemoved(func(id string) { cancelled = append(cancelled, id) })

	require.NoError(t, reg.RemoveTenant(a.ID))

	got, err := reg.GetGroup(g.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, got.TenantIDs, "分组成员同步清理")
	assert.Equal(t, []string{a.ID}, cancelled, "级联钩子被调用")

	_, err = reg.GetTenant(a.ID)
	assert.Equal(t, code.NotFound, code.KindOf(err))
}

func TestResolveScope(t *testing.T) {
	reg, _, st := newTestRegistry(t)
	require.NoError(t, st.Config.Update(func(c *model.Config) error {
		c.AdminKeyHash = hashKey("admin-secret-key")
		return nil
	}))
	tenant := addTenant(t, reg, "A", 100, 0, model.PermissionReadWrite)
	g, err := reg.AddGroup("g", "", []string{tenant.ID})
	require.NoError(t, err)

	scope, err := reg.ResolveScope("admin-secret-key")
	require.NoError(t, err)
	assert.True(t, scope.Admin)

	scope, err = reg.ResolveScope(g.APIKey)
	require.NoError(t, err)
	assert.False(t, scope.Admin)
	assert.True(t, scope.AllowsTenant(tenant.ID))
	assert.False(t, scope.AllowsTenant("other"))

	_, err = reg.ResolveScope("")
	assert.Equal(t, code.AuthMissing, code.KindOf(err))

	_, err = reg.ResolveScope("nonsense")
	assert.Equal(t, code.AuthInvalid, code.KindOf(err))
}

func TestWriteTargetSkipsNearlyFullTenant(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	const gib = int64(1) << 30

	// A 剩余 0.1 GiB，B 剩余 90 GiB
	a := addTenant(t, reg, "A", 100*gib, 100*gib-gib/10, model.PermissionReadWrite)
	b := addTenant(t, reg, "B", 100*gib, 10*gib, model.PermissionReadWrite)
	_ = a

	tenant, root, err := reg.WriteTarget(context.Background(), Scope{Admin: true}, 2*gib)
	require.NoError(t, err)
	assert.Equal(t, b.ID, tenant.ID, "容量不足的租户按 ε 阈值跳过")
	assert.NotEmpty(t, root)
}

func TestWriteTargetHonorsOrderAndPermission(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	const gib = int64(1) << 30

	ro := addTenant(t, reg, "RO", 100*gib, 0, model.PermissionReadOnly)
	rw := addTenant(t, reg, "RW", 100*gib, 0, model.PermissionReadWrite)
	_ = ro

	tenant, _, err := reg.WriteTarget(context.Background(), Scope{Admin: true}, 0)
	require.NoError(t, err)
	assert.Equal(t, rw.ID, tenant.ID, "只读租户被跳过")
}

func TestWriteTargetFailureReasons(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	const gib = int64(1) << 30

	// 仅只读租户 -> permission
	addTenant(t, reg, "RO", 100*gib, 0, model.PermissionReadOnly)
	_, _, err := reg.WriteTarget(context.Background(), Scope{Admin: true}, 0)
	require.Error(t, err)
	var ce *code.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, code.NoWritableTenant, ce.Kind)
	assert.Equal(t, code.ReasonPermission, ce.Reason)

	// 加一个满载的可写租户 -> capacity
	addTenant(t, reg, "Full", gib, gib, model.PermissionReadWrite)
	_, _, err = reg.WriteTarget(context.Background(), Scope{Admin: true}, 0)
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, code.ReasonCapacity, ce.Reason)
}

func TestEnsureUniqueName(t *testing.T) {
	reg, drive, _ := newTestRegistry(t)
	tenant := addTenant(t, reg, "A", 1<<40, 0, model.PermissionReadWrite)

	root := drive.MustRoot(tenant.ID)
	drive.PutFile(tenant.ID, root, "taken.txt", []byte("x"), tenantMtime())

	err := reg.EnsureUniqueName(context.Background(), &tenant, root, "taken.txt")
	assert.Equal(t, code.DuplicateName, code.KindOf(err))

	assert.NoError(t, reg.EnsureUniqueName(context.Background(), &tenant, root, "fresh.txt"))
}

func TestAggregatedRootOrdering(t *testing.T) {
	reg, drive, _ := newTestRegistry(t)
	a := addTenant(t, reg, "A", 1<<40, 0, model.PermissionReadWrite)
	b := addTenant(t, reg, "B", 1<<40, 0, model.PermissionReadWrite)

	drive.PutFile(a.ID, "", "a.txt", []byte("a"), tenantMtime())
	drive.PutFile(b.ID, "", "b.txt", []byte("b"), tenantMtime())

	// 倒转顺序后联合列表应跟随新的 Order
	require.NoError(t, reg.ReorderTenants([]string{b.ID, a.ID}))

	listings, err := reg.AggregatedRoot(context.Background(), Scope{Admin: true})
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, b.ID, listings[0].TenantID)
	assert.Equal(t, a.ID, listings[1].TenantID)
	require.Len(t, listings[0].Entries, 1)
	assert.Equal(t, "b.txt", listings[0].Entries[0].Name)
}
