package gateway

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haierkeys/feisync-service/internal/apilog"
	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/backend/fakedrive"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/internal/scheduler"
	"github.com/haierkeys/feisync-service/internal/store"
	"github.com/haierkeys/feisync-service/internal/syncrun"
	"github.com/haierkeys/feisync-service/internal/transfer"
	"github.com/haierkeys/feisync-service/pkg/eventbus"
	"github.com/haierkeys/feisync-service/pkg/safe_close"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminKey = "ak_test_admin_key_0123456789"

type gatewayRig struct {
	gw       *Gateway
	router   *gin.Engine
	store    *store.Store
	drive    *fakedrive.Drive
	reg      *registry.Registry
	audit    *apilog.Logger
	tenantA  model.Tenant
	tenantB  model.Tenant
	groupKey string
}

// newGatewayRig 装配完整网关: 两个租户，组 G 只包含租户 A
func newGatewayRig(t *testing.T) *gatewayRig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.New(t.TempDir(), nil)
	require.NoError(t, err)

	sum := sha256.Sum256([]byte(adminKey))
	require.NoError(t, st.Config.Update(func(c *model.Config) error {
		c.AdminKeyHash = hex.EncodeToString(sum[:])
		c.AdminKeyPlain = adminKey
		c.Server = model.ServerConfig{Enabled: false, Port: 6688, RequestTimeoutSec: 5}
		c.Log = model.LogConfig{Enabled: true, MaxSizeMB: 5}
		return nil
	}))

	drive := fakedrive.New()
	drive.BlockSize = 1024
	set := &backend.Set{Lark: drive}

	reg := registry.New(st, set, nil)
	tenantA, err := reg.AddTenant(registry.AddTenantParams{
		DisplayName: "A",
		Credentials: model.AppCredentials{AppID: "a", AppSecret: "s"},
		QuotaBytes:  1 << 40,
	})
	require.NoError(t, err)
	tenantB, err := reg.AddTenant(registry.AddTenantParams{
		DisplayName: "B",
		Credentials: model.AppCredentials{AppID: "b", AppSecret: "s"},
		QuotaBytes:  1 << 40,
	})
	require.NoError(t, err)
	group, err := reg.AddGroup("G", "", []string{tenantA.ID})
	require.NoError(t, err)

	bus := eventbus.New(nil)
	engine, err := transfer.New(st, set, reg, bus, model.TransferConfig{
		WorkersPerDirection: 1, PerTenantParallel: 1,
		BlockRetries: 3, RetryBaseMs: 5, RetryCapMs: 20, BackendTimeoutSec: 5,
	}, nil)
	require.NoError(t, err)

	runner := syncrun.New(st, set, reg, engine, nil)
	sc := safe_close.NewSafeClose()
	sched := scheduler.New(st, runner, sc, nil)

	audit, err := apilog.New(t.TempDir(), 5, true, nil)
	require.NoError(t, err)

	gw := New(st, reg, set, engine, runner, sched, audit, bus,
		model.ServerConfig{Enabled: false, Port: 6688, RequestTimeoutSec: 5}, nil)

	t.Cleanup(func() {
		sc.SendCloseSignal(nil)
		_ = sc.WaitClosed()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Shutdown(ctx)
		bus.Close(time.Second)
	})

	return &gatewayRig{
		gw: gw, router: gw.Router(), store: st, drive: drive, reg: reg,
		audit: audit, tenantA: tenantA, tenantB: tenantB, groupKey: group.APIKey,
	}
}

type apiResponse struct {
	OK    bool `json:"ok"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
	Data any `json:"data"`
}

func (r *gatewayRig) call(t *testing.T, apiKey, command string, payload any) (int, apiResponse) {
	t.Helper()
	body := map[string]any{}
	if payload != nil {
		body["payload"] = payload
	}
	raw, err := sonic.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/command/"+command, bytes.NewReader(raw))
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	r.router.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(t, sonic.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestMissingKeyIsUnauthorized(t *testing.T) {
	rig := newGatewayRig(t)
	status, resp := rig.call(t, "", "list_tenants", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "AuthMissing", resp.Error.Kind)
}

func TestInvalidKeyIsUnauthorized(t *testing.T) {
	rig := newGatewayRig(t)
	status, resp := rig.call(t, "bogus", "list_tenants", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "AuthInvalid", resp.Error.Kind)
}

func TestUnknownCommandIs404(t *testing.T) {
	rig := newGatewayRig(t)
	status, resp := rig.call(t, adminKey, "no_such_command", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NotFound", resp.Error.Kind)
}

func TestGroupKeyCannotUseAdminCommands(t *testing.T) {
	rig := newGatewayRig(t)
	status, resp := rig.call(t, rig.groupKey, "add_tenant", map[string]any{
		"display_name": "X", "app_id": "x", "app_secret": "y",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "ScopeDenied", resp.Error.Kind)
}

func TestGroupKeySeesOnlyItsTenants(t *testing.T) {
	rig := newGatewayRig(t)
	status, resp := rig.call(t, rig.groupKey, "list_tenants", nil)
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.OK)

	tenants, ok := resp.Data.([]any)
	require.True(t, ok)
	require.Len(t, tenants, 1)
	first := tenants[0].(map[string]any)
	assert.Equal(t, rig.tenantA.ID, first["id"])
}

// 组密钥向范围外租户发起上传: 403，无副作用，审计记 error
func TestScopeEnforcementOnUpload(t *testing.T) {
	rig := newGatewayRig(t)

	rootB := rig.drive.MustRoot(rig.tenantB.ID)
	status, resp := rig.call(t, rig.groupKey, "upload_file", map[string]any{
		"tenant_id":    rig.tenantB.ID,
		"parent_token": rootB,
		"file_path":    "/tmp/whatever.bin",
	})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "ScopeDenied", resp.Error.Kind)

	// 无副作用: 未创建任何传输记录
	var count int
	require.NoError(t, rig.store.Transfers.Read(func(f *model.TransferFile) error {
		count = len(f.Transfers)
		return nil
	}))
	assert.Zero(t, count)

	// 审计日志中有一条 error
	entries, err := rig.audit.Query(apilog.Filter{Command: "upload_file", Status: "error"})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[0].Scope, "group:")
}

func TestMalformedBodyIs400(t *testing.T) {
	rig := newGatewayRig(t)
	req := httptest.NewRequest(http.MethodPost, "/command/list_tenants", bytes.NewReader([]byte("{broken")))
	req.Header.Set("X-API-Key", adminKey)
	rec := httptest.NewRecorder()
	rig.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminTenantLifecycle(t *testing.T) {
	rig := newGatewayRig(t)

	status, resp := rig.call(t, adminKey, "add_tenant", map[string]any{
		"display_name": "C", "app_id": "c", "app_secret": "s", "platform": "cn",
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.OK)
	created := resp.Data.(map[string]any)
	assert.Equal(t, "cn", created["platform"])
	assert.NotContains(t, created, "app_credentials", "凭据不外泄")

	id := created["id"].(string)
	status, resp = rig.call(t, adminKey, "remove_tenant", map[string]any{"tenant_id": id})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.OK)
}

func TestGetAndRotateAdminKey(t *testing.T) {
	rig := newGatewayRig(t)

	status, resp := rig.call(t, adminKey, "get_api_key", nil)
	require.Equal(t, http.StatusOK, status)
	data := resp.Data.(map[string]any)
	assert.Equal(t, adminKey, data["api_key"])

	status, resp = rig.call(t, adminKey, "update_api_key", map[string]any{})
	require.Equal(t, http.StatusOK, status)
	newKey := resp.Data.(map[string]any)["api_key"].(string)
	require.NotEqual(t, adminKey, newKey)

	// 旧密钥立即失效
	status, _ = rig.call(t, adminKey, "list_tenants", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = rig.call(t, newKey, "list_tenants", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestCreateSyncTaskValidatesCron(t *testing.T) {
	rig := newGatewayRig(t)

	status, resp := rig.call(t, adminKey, "create_sync_task", map[string]any{
		"name": "bad", "direction": "bidirectional",
		"tenant_id":           rig.tenantA.ID,
		"remote_folder_token": "fld", "local_path": "/tmp/x",
		"schedule": "every day at nine",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "InvalidCron", resp.Error.Kind)

	status, resp = rig.call(t, adminKey, "create_sync_task", map[string]any{
		"name": "ok", "direction": "bidirectional",
		"tenant_id":           rig.tenantA.ID,
		"remote_folder_token": "fld", "local_path": "/tmp/x",
		"schedule": "? 9 * * 1",
	})
	require.Equal(t, http.StatusOK, status)
	task := resp.Data.(map[string]any)
	assert.Equal(t, "* 9 * * 1", task["schedule"], "表达式归一化保存")
	assert.NotNil(t, task["next_run_at"])
}

func TestDocsAndHealthEndpoints(t *testing.T) {
	rig := newGatewayRig(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	rig.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/docs", nil)
	rec = httptest.NewRecorder()
	rig.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "upload_file")
}
