// Package gateway 实现本地鉴权 API 网关
// 所有引擎操作经 POST /command/<name> 暴露，X-API-Key 决定调用范围，
// 每次分发都会落一条审计日志
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/haierkeys/feisync-service/internal/apilog"
	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/middleware"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/internal/scheduler"
	"github.com/haierkeys/feisync-service/internal/store"
	"github.com/haierkeys/feisync-service/internal/syncrun"
	"github.com/haierkeys/feisync-service/internal/transfer"
	"github.com/haierkeys/feisync-service/pkg/code"
	"github.com/haierkeys/feisync-service/pkg/eventbus"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Gateway API 网关
type Gateway struct {
	store     *store.Store
	registry  *registry.Registry
	backends  *backend.Set
	engine    *transfer.Engine
	runner    *syncrun.Runner
	scheduler *scheduler.Scheduler
	audit     *apilog.Logger
	bus       *eventbus.Bus
	logger    *zap.Logger

	commands map[string]command

	// 监听器生命周期
	srvMu   sync.Mutex
	server  *http.Server
	port    int
	timeout time.Duration
}

// New 创建网关
func New(st *store.Store, reg *registry.Registry, backends *backend.Set,
	engine *transfer.Engine, runner *syncrun.Runner, sched *scheduler.Scheduler,
	audit *apilog.Logger, bus *eventbus.Bus, cfg model.ServerConfig, logger *zap.Logger) *Gateway {

	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		store:     st,
		registry:  reg,
		backends:  backends,
		engine:    engine,
		runner:    runner,
		scheduler: sched,
		audit:     audit,
		bus:       bus,
		logger:    logger,
		port:      cfg.Port,
		timeout:   time.Duration(cfg.RequestTimeoutSec) * time.Second,
	}
	g.commands = g.buildCommands()
	return g
}

// Router 构建 gin 路由
func (g *Gateway) Router() *gin.Engine {
	r := gin.New()
	r.Use(middleware.RecoveryWithLogger(g.logger))
	r.Use(middleware.AccessLogWithLogger(g.logger))
	r.Use(middleware.ContextTimeout(g.timeout))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/docs", g.handleDocs)
	r.GET("/metrics", metricsHandler())
	r.GET("/ws/events", g.handleEvents)
	r.POST("/command/:name", g.dispatch)

	r.NoRoute(func(c *gin.Context) {
		errResponse(c, code.New(code.NotFound, "unknown route"))
	})
	return r
}

// Start 拉起监听器，幂等
func (g *Gateway) Start() error {
	g.srvMu.Lock()
	defer g.srvMu.Unlock()
	if g.server != nil {
		return nil
	}
	srv := &http.Server{
		Addr:           fmt.Sprintf("0.0.0.0:%d", g.port),
		Handler:        g.Router(),
		ReadTimeout:    g.timeout,
		WriteTimeout:   g.timeout,
		MaxHeaderBytes: 1 << 20,
	}
	g.server = srv
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("api gateway listener error", zap.Error(err))
			g.srvMu.Lock()
			if g.server == srv {
				g.server = nil
			}
			g.srvMu.Unlock()
		}
	}()
	g.logger.Info("api gateway started", zap.Int("port", g.port))
	return nil
}

// Stop 优雅停止监听器，在途请求在超时窗口内跑完
func (g *Gateway) Stop(ctx context.Context) error {
	g.srvMu.Lock()
	srv := g.server
	g.server = nil
	g.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return code.Wrap(code.LocalIo, "gateway shutdown", err)
	}
	g.logger.Info("api gateway stopped")
	return nil
}

// Running 监听器是否在运行
func (g *Gateway) Running() bool {
	g.srvMu.Lock()
	defer g.srvMu.Unlock()
	return g.server != nil
}

// ApplyServerConfig 更新端口与超时，重启监听器后生效
func (g *Gateway) ApplyServerConfig(cfg model.ServerConfig) {
	g.srvMu.Lock()
	g.port = cfg.Port
	g.timeout = time.Duration(cfg.RequestTimeoutSec) * time.Second
	g.srvMu.Unlock()
}

// Status 监听器状态
func (g *Gateway) Status() map[string]any {
	return map[string]any{
		"running":             g.Running(),
		"port":                g.port,
		"request_timeout_sec": int(g.timeout / time.Second),
	}
}
