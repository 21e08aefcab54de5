package gateway

import (
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// validate 负载校验器，结构体使用 validate 标签
var validate = validator.New()

// handlerFunc 单个命令的处理函数
type handlerFunc func(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error)

// command 已注册命令
type command struct {
	name        string
	description string
	adminOnly   bool
	handler     handlerFunc
}

// commandBody 请求体信封，api_key 允许放在 body 里作为请求头的兜底
type commandBody struct {
	APIKey  string          `json:"api_key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// bindPayload 解出并校验负载
func bindPayload[T any](payload json.RawMessage, out *T) error {
	if len(payload) > 0 {
		if err := sonic.Unmarshal(payload, out); err != nil {
			return code.Wrap(code.InvalidArgument, "malformed payload", err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return code.Wrap(code.InvalidArgument, "payload validation failed", err)
	}
	return nil
}

// dispatch 命令分发入口
// 鉴权 -> 范围检查 -> 执行 -> 审计
func (g *Gateway) dispatch(c *gin.Context) {
	name := c.Param("name")
	started := time.Now()

	cmd, known := g.commands[name]

	var body commandBody
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 32<<20))
	if err == nil && len(raw) > 0 {
		if uerr := sonic.Unmarshal(raw, &body); uerr != nil {
			errResponse(c, code.Wrap(code.InvalidArgument, "malformed JSON body", uerr))
			return
		}
	}

	apiKey := c.GetHeader("X-API-Key")
	if apiKey == "" {
		apiKey = body.APIKey
	}

	scope, authErr := g.registry.ResolveScope(apiKey)
	if authErr != nil {
		errResponse(c, authErr)
		g.appendAudit(name, "unauthenticated", model.ApiLogError, started, authErr.Error())
		return
	}

	if !known {
		err := code.Newf(code.NotFound, "unknown command %q", name)
		errResponse(c, err)
		g.appendAudit(name, scope.Label(), model.ApiLogError, started, err.Error())
		return
	}
	if cmd.adminOnly && !scope.Admin {
		err := code.New(code.ScopeDenied, "command requires the admin key")
		errResponse(c, err)
		g.appendAudit(name, scope.Label(), model.ApiLogError, started, err.Error())
		return
	}

	data, err := cmd.handler(c, scope, body.Payload)
	if err != nil {
		errResponse(c, err)
		g.appendAudit(name, scope.Label(), model.ApiLogError, started, err.Error())
		commandCounter(name, "error")
		return
	}
	okResponse(c, data)
	g.appendAudit(name, scope.Label(), model.ApiLogSuccess, started, "")
	commandCounter(name, "success")
}

func (g *Gateway) appendAudit(cmd, scope string, status model.ApiLogStatus, started time.Time, message string) {
	entry := model.ApiLogEntry{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Scope:      scope,
		Command:    cmd,
		Status:     status,
		DurationMs: time.Since(started).Milliseconds(),
		Message:    message,
	}
	if err := g.audit.Append(entry); err != nil {
		g.logger.Warn("append audit log failed", zap.String("command", cmd), zap.Error(err))
	}
}

// handleDocs 列出全部命令
func (g *Gateway) handleDocs(c *gin.Context) {
	type docEntry struct {
		Command     string `json:"command"`
		Path        string `json:"path"`
		AdminOnly   bool   `json:"admin_only"`
		Description string `json:"description"`
	}
	out := make([]docEntry, 0, len(g.commands))
	for _, cmd := range g.commands {
		out = append(out, docEntry{
			Command:     cmd.name,
			Path:        "/command/" + cmd.name,
			AdminOnly:   cmd.adminOnly,
			Description: cmd.description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	c.JSON(200, gin.H{"commands": out})
}

// requireTenant 解析租户并做范围检查
func (g *Gateway) requireTenant(scope registry.Scope, tenantID string) (model.Tenant, error) {
	if tenantID == "" {
		return model.Tenant{}, code.New(code.InvalidArgument, "tenant_id is required")
	}
	if !scope.AllowsTenant(tenantID) {
		return model.Tenant{}, code.Newf(code.ScopeDenied, "tenant %s is outside the key's scope", tenantID)
	}
	return g.registry.GetTenant(tenantID)
}
