// Package lark 实现 Lark/飞书云盘的 DriveBackend
// 租户 platform 决定开放平台域名；令牌按租户缓存并在到期前刷新
package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/bytedance/sonic"
	"github.com/juju/ratelimit"
	"go.uber.org/zap"
)

const (
	larkBase   = "https://open.larksuite.com"
	feishuBase = "https://open.feishu.cn"

	// tokenRefreshMargin 令牌提前刷新窗口
	tokenRefreshMargin = 120 * time.Second

	// 每租户请求速率，避免触发开放平台限流
	requestsPerSecond = 10
)

// Config 后端配置
type Config struct {
	// Timeout 单次请求超时
	Timeout time.Duration
}

// Drive Lark 云盘后端
type Drive struct {
	client *http.Client
	logger *zap.Logger

	// tokens 租户令牌缓存
	tokensMu sync.Mutex
	tokens   map[string]cachedToken

	// buckets 每租户的请求令牌桶
	bucketsMu sync.Mutex
	buckets   map[string]*ratelimit.Bucket

	// onToken 令牌刷新后的回写钩子，由注册表注入以持久化缓存
	onToken func(tenantID, token string, expiry time.Time)
}

type cachedToken struct {
	token  string
	expiry time.Time
}

// New 创建 Lark 后端
func New(cfg *Config, logger *zap.Logger) *Drive {
	timeout := 60 * time.Second
	if cfg != nil && cfg.Timeout > 0 {
		timeout = cfg.Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Drive{
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		tokens:  make(map[string]cachedToken),
		buckets: make(map[string]*ratelimit.Bucket),
	}
}

// OnTokenRefresh 注册令牌刷新回调
func (d *Drive) OnTokenRefresh(fn func(tenantID, token string, expiry time.Time)) {
	d.onToken = fn
}

// SeedToken 将磁盘上缓存的令牌预热进内存
func (d *Drive) SeedToken(tenantID, token string, expiry time.Time) {
	if token == "" || time.Until(expiry) < tokenRefreshMargin {
		return
	}
	d.tokensMu.Lock()
	d.tokens[tenantID] = cachedToken{token: token, expiry: expiry}
	d.tokensMu.Unlock()
}

// InvalidateToken 丢弃租户令牌缓存
func (d *Drive) InvalidateToken(tenantID string) {
	d.tokensMu.Lock()
	delete(d.tokens, tenantID)
	d.tokensMu.Unlock()
}

func apiBase(t *model.Tenant) string {
	if t.Platform == model.PlatformCN {
		return feishuBase
	}
	return larkBase
}

func (d *Drive) bucket(tenantID string) *ratelimit.Bucket {
	d.bucketsMu.Lock()
	defer d.bucketsMu.Unlock()
	b, ok := d.buckets[tenantID]
	if !ok {
		b = ratelimit.NewBucketWithRate(requestsPerSecond, requestsPerSecond)
		d.buckets[tenantID] = b
	}
	return b
}

// pace 在发起请求前按租户限速
func (d *Drive) pace(ctx context.Context, tenantID string) error {
	wait := d.bucket(tenantID).Take(1)
	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return code.Wrap(code.Timeout, "request cancelled while rate limited", ctx.Err())
	}
}

type tokenResponse struct {
	Code              int    `json:"code"`
	Msg               string `json:"msg"`
	TenantAccessToken string `json:"tenant_access_token"`
	Expire            int64  `json:"expire"`
}

// ensureToken 返回有效的租户访问令牌，必要时刷新
func (d *Drive) ensureToken(ctx context.Context, t *model.Tenant) (string, error) {
	d.tokensMu.Lock()
	cached, ok := d.tokens[t.ID]
	d.tokensMu.Unlock()
	if ok && time.Until(cached.expiry) > tokenRefreshMargin {
		return cached.token, nil
	}

	if err := d.pace(ctx, t.ID); err != nil {
		return "", err
	}

	body, _ := sonic.Marshal(map[string]string{
		"app_id":     t.Credentials.AppID,
		"app_secret": t.Credentials.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		apiBase(t)+"/open-apis/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", code.Wrap(code.UpstreamPermanent, "build token request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", transportError("tenant_access_token", err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", statusError("tenant_access_token", resp.StatusCode, text)
	}

	var tr tokenResponse
	if err := sonic.Unmarshal(text, &tr); err != nil {
		return "", code.Wrap(code.UpstreamPermanent, "decode token response", err)
	}
	if tr.Code != 0 {
		return "", code.Newf(code.UpstreamPermanent, "tenant_access_token failed: %s (code %d)", tr.Msg, tr.Code)
	}

	expiry := time.Now().Add(time.Duration(tr.Expire) * time.Second)
	d.tokensMu.Lock()
	d.tokens[t.ID] = cachedToken{token: tr.TenantAccessToken, expiry: expiry}
	d.tokensMu.Unlock()

	if d.onToken != nil {
		d.onToken(t.ID, tr.TenantAccessToken, expiry)
	}
	d.logger.Debug("tenant access token refreshed",
		zap.String("tenant", t.ID), zap.Time("expiry", expiry))
	return tr.TenantAccessToken, nil
}

// RefreshToken 强制刷新租户令牌，返回新令牌与到期时间
func (d *Drive) RefreshToken(ctx context.Context, t *model.Tenant) (string, time.Time, error) {
	d.InvalidateToken(t.ID)
	token, err := d.ensureToken(ctx, t)
	if err != nil {
		return "", time.Time{}, err
	}
	d.tokensMu.Lock()
	expiry := d.tokens[t.ID].expiry
	d.tokensMu.Unlock()
	return token, expiry, nil
}

// apiEnvelope 开放平台响应信封
type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// doJSON 发送 JSON 请求并解出 data 字段
func (d *Drive) doJSON(ctx context.Context, t *model.Tenant, method, path string, payload any, out any) error {
	token, err := d.ensureToken(ctx, t)
	if err != nil {
		return err
	}
	if err := d.pace(ctx, t.ID); err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return code.Wrap(code.UpstreamPermanent, "encode request", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiBase(t)+path, body)
	if err != nil {
		return code.Wrap(code.UpstreamPermanent, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return transportError(path, err)
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode != http.StatusOK {
		return statusError(path, resp.StatusCode, text)
	}

	var env apiEnvelope
	if err := sonic.Unmarshal(text, &env); err != nil {
		return code.Wrap(code.UpstreamPermanent, "decode response", err)
	}
	if env.Code != 0 {
		return code.Newf(code.UpstreamPermanent, "%s failed: %s (code %d)", path, env.Msg, env.Code)
	}
	if out != nil && len(env.Data) > 0 {
		if err := sonic.Unmarshal(env.Data, out); err != nil {
			return code.Wrap(code.UpstreamPermanent, "decode response data", err)
		}
	}
	return nil
}

// transportError 将传输层错误映射为稳定类别
func transportError(label string, err error) error {
	if isTimeout(err) {
		return code.Wrap(code.Timeout, label+" timed out", err)
	}
	return code.Wrap(code.UpstreamTransient, label+" transport error", err)
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	for e := err; e != nil; e = unwrap(e) {
		if te, ok := e.(timeout); ok && te.Timeout() {
			return true
		}
		if e == context.DeadlineExceeded {
			return true
		}
	}
	return false
}

func unwrap(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

// statusError 将 HTTP 状态码映射为稳定类别
func statusError(label string, status int, body []byte) error {
	msg := label + " returned " + strconv.Itoa(status)
	switch {
	case status == http.StatusTooManyRequests:
		return code.New(code.UpstreamRateLimited, msg)
	case status == http.StatusNotFound:
		return code.New(code.NotFound, msg)
	case status >= 500:
		return code.New(code.UpstreamTransient, msg)
	default:
		if len(body) > 0 && len(body) < 512 {
			msg += ": " + string(body)
		}
		return code.New(code.UpstreamPermanent, msg)
	}
}

var _ backend.Backend = (*Drive)(nil)
