// Package app 提供应用容器，封装引擎全部组件
package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"time"

	"github.com/haierkeys/feisync-service/internal/apilog"
	"github.com/haierkeys/feisync-service/internal/backend"
	"github.com/haierkeys/feisync-service/internal/backend/lark"
	"github.com/haierkeys/feisync-service/internal/backend/s3drive"
	"github.com/haierkeys/feisync-service/internal/gateway"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/internal/scheduler"
	"github.com/haierkeys/feisync-service/internal/store"
	"github.com/haierkeys/feisync-service/internal/syncrun"
	"github.com/haierkeys/feisync-service/internal/transfer"
	"github.com/haierkeys/feisync-service/pkg/eventbus"
	"github.com/haierkeys/feisync-service/pkg/safe_close"
	"github.com/haierkeys/feisync-service/pkg/util"

	"github.com/creasty/defaults"
	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// shutdownDrain 关闭时事件订阅者的清空窗口
const shutdownDrain = 3 * time.Second

// App 应用容器
type App struct {
	config model.Config
	logger *zap.Logger
	sc     *safe_close.SafeClose

	Store     *store.Store
	Backends  *backend.Set
	Registry  *registry.Registry
	Bus       *eventbus.Bus
	Engine    *transfer.Engine
	Runner    *syncrun.Runner
	Scheduler *scheduler.Scheduler
	Audit     *apilog.Logger
	Gateway   *gateway.Gateway
}

// NewApp 创建应用容器并完成依赖装配
// dataDir 为文档存储目录；logger 与 sc 必须注入
func NewApp(dataDir string, logger *zap.Logger, sc *safe_close.SafeClose) (*App, error) {
	st, err := store.New(dataDir, logger)
	if err != nil {
		return nil, err
	}

	cfg, firstKey, err := loadConfig(st)
	if err != nil {
		return nil, err
	}
	if firstKey != "" {
		logger.Warn("admin API key generated, keep it safe",
			zap.String("api_key", firstKey))
	}

	a := &App{
		config: cfg,
		logger: logger,
		sc:     sc,
		Store:  st,
	}

	// 审计日志
	auditDir := cfg.Log.Directory
	if auditDir == "" {
		auditDir = filepath.Join(dataDir, "api_logs")
	}
	a.Audit, err = apilog.New(auditDir, cfg.Log.MaxSizeMB, cfg.Log.Enabled, logger)
	if err != nil {
		return nil, err
	}

	// 云端后端
	larkDrive := lark.New(&lark.Config{
		Timeout: time.Duration(cfg.Transfer.BackendTimeoutSec) * time.Second,
	}, logger)
	a.Backends = &backend.Set{
		Lark: larkDrive,
		S3:   s3drive.New(logger),
	}

	// 注册表与路由
	a.Registry = registry.New(st, a.Backends, logger)
	larkDrive.OnTokenRefresh(a.Registry.StoreTenantToken)
	seedTokens(st, larkDrive)

	// 事件总线与传输引擎
	a.Bus = eventbus.New(logger)
	a.Engine, err = transfer.New(st, a.Backends, a.Registry, a.Bus, cfg.Transfer, logger)
	if err != nil {
		return nil, err
	}

	// 同步执行器与调度器
	a.Runner = syncrun.New(st, a.Backends, a.Registry, a.Engine, logger)
	a.Scheduler = scheduler.New(st, a.Runner, sc, logger)
	if err := a.Scheduler.RecomputeAllOnStartup(); err != nil {
		return nil, err
	}
	a.Scheduler.Start()

	// API 网关
	a.Gateway = gateway.New(st, a.Registry, a.Backends, a.Engine, a.Runner,
		a.Scheduler, a.Audit, a.Bus, cfg.Server, logger)
	if cfg.Server.Enabled {
		if err := a.Gateway.Start(); err != nil {
			return nil, err
		}
	}

	// 关闭顺序: 网关 -> 引擎 -> 事件总线
	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		<-closeSignal
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Gateway.Stop(ctx); err != nil {
			logger.Warn("gateway stop", zap.Error(err))
		}
		if err := a.Engine.Shutdown(ctx); err != nil {
			logger.Warn("engine shutdown", zap.Error(err))
		}
		a.Bus.Close(shutdownDrain)
	})

	logger.Info("app container initialized",
		zap.String("data_dir", dataDir),
		zap.Int("port", cfg.Server.Port))
	return a, nil
}

// Config 当前配置副本
func (a *App) Config() model.Config {
	return a.config
}

// loadConfig 加载配置文档并补齐默认值
// 首次启动生成实例标识与管理密钥，返回明文密钥供启动日志提示
func loadConfig(st *store.Store) (model.Config, string, error) {
	var cfg model.Config
	firstKey := ""
	err := st.Config.Update(func(c *model.Config) error {
		if err := defaults.Set(c); err != nil {
			return err
		}
		if c.InstanceID == "" {
			if id, err := machineid.ProtectedID("feisync-service"); err == nil {
				c.InstanceID = id
			} else {
				c.InstanceID = uuid.NewString()
			}
		}
		if c.AdminKeyHash == "" {
			key := "ak_" + util.GenerateSecret(24)
			sum := sha256.Sum256([]byte(key))
			c.AdminKeyHash = hex.EncodeToString(sum[:])
			c.AdminKeyPlain = key
			firstKey = key
		}
		c.Log.ClampLogSize()
		cfg = *c
		return nil
	})
	if err != nil {
		return model.Config{}, "", err
	}
	return cfg, firstKey, nil
}

// seedTokens 把磁盘缓存的租户令牌预热进后端
func seedTokens(st *store.Store, drive *lark.Drive) {
	_ = st.Tenants.Read(func(f *model.TenantFile) error {
		for i := range f.Tenants {
			t := &f.Tenants[i]
			if t.CachedAccessToken != "" && t.TokenExpiry != nil {
				drive.SeedToken(t.ID, t.CachedAccessToken, *t.TokenExpiry)
			}
		}
		return nil
	})
}
