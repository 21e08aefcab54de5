package gateway

import (
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/pkg/code"
	"github.com/haierkeys/feisync-service/pkg/eventbus"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/lxzan/gws"
	"go.uber.org/zap"
)

const wsSubscriberKey = "subscriber"

// wsEventHandler 事件流 websocket 处理器
// 每个连接一个总线订阅，连接断开即退订
type wsEventHandler struct {
	gws.BuiltinEventHandler
	logger *zap.Logger
}

func (h *wsEventHandler) OnClose(socket *gws.Conn, err error) {
	if v, ok := socket.Session().Load(wsSubscriberKey); ok {
		if sub, ok := v.(*eventbus.Subscriber); ok {
			sub.Close()
		}
	}
}

func (h *wsEventHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	// 事件流为单向推送，入站消息仅回收
	_ = message.Close()
}

// handleEvents 升级为 websocket 并转发事件总线
func (g *Gateway) handleEvents(c *gin.Context) {
	apiKey := c.GetHeader("X-API-Key")
	if apiKey == "" {
		apiKey = c.Query("api_key")
	}
	scope, err := g.registry.ResolveScope(apiKey)
	if err != nil {
		errResponse(c, err)
		return
	}

	handler := &wsEventHandler{logger: g.logger}
	upgrader := gws.NewUpgrader(handler, &gws.ServerOption{
		Recovery:          gws.Recovery,
		PermessageDeflate: gws.PermessageDeflate{Enabled: true},
	})
	socket, err := upgrader.Upgrade(c.Writer, c.Request)
	if err != nil {
		errResponse(c, code.Wrap(code.InvalidArgument, "websocket upgrade failed", err))
		return
	}

	sub := g.bus.Subscribe()
	socket.Session().Store(wsSubscriberKey, sub)

	go socket.ReadLoop()
	go func() {
		for ev := range sub.C() {
			if !g.eventVisible(scope, ev) {
				continue
			}
			data, err := sonic.Marshal(ev)
			if err != nil {
				continue
			}
			if err := socket.WriteString(string(data)); err != nil {
				sub.Close()
				return
			}
		}
		_ = socket.WriteClose(1000, nil)
	}()
}

// eventVisible 按调用范围过滤事件
func (g *Gateway) eventVisible(scope registry.Scope, ev eventbus.Event) bool {
	if t, ok := ev.Payload.(model.Transfer); ok {
		return scope.AllowsTenant(t.TenantID)
	}
	return true
}
