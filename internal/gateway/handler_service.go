package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/haierkeys/feisync-service/internal/apilog"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/internal/registry"
	"github.com/haierkeys/feisync-service/pkg/code"
	"github.com/haierkeys/feisync-service/pkg/util"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
)

func (g *Gateway) cmdGetServiceConfig(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var cfg model.ServerConfig
	err := g.store.Config.Read(func(conf *model.Config) error {
		cfg = conf.Server
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gin.H{"config": cfg, "status": g.Status()}, nil
}

type serviceConfigPayload struct {
	Enabled           *bool `json:"enabled"`
	Port              *int  `json:"port" validate:"omitempty,min=1,max=65535"`
	RequestTimeoutSec *int  `json:"request_timeout_sec" validate:"omitempty,min=1,max=3600"`
}

func (g *Gateway) cmdUpdateServiceConfig(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p serviceConfigPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	var cfg model.ServerConfig
	err := g.store.Config.Update(func(conf *model.Config) error {
		if p.Enabled != nil {
			conf.Server.Enabled = *p.Enabled
		}
		if p.Port != nil {
			conf.Server.Port = *p.Port
		}
		if p.RequestTimeoutSec != nil {
			conf.Server.RequestTimeoutSec = *p.RequestTimeoutSec
		}
		cfg = conf.Server
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.ApplyServerConfig(cfg)
	return gin.H{"config": cfg, "status": g.Status(), "note": "port changes apply on next listener start"}, nil
}

func (g *Gateway) cmdStartService(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	if err := g.Start(); err != nil {
		return nil, err
	}
	return g.Status(), nil
}

// cmdStopService 停止监听器
// 为避免关闭等待本请求自身，停止动作延迟到响应写出之后
func (g *Gateway) cmdStopService(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	go func() {
		time.Sleep(200 * time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		if err := g.Stop(ctx); err != nil {
			g.logger.Error("stop api service failed")
		}
	}()
	return gin.H{"stopping": true}, nil
}

func (g *Gateway) cmdGetAPIKey(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var plain string
	err := g.store.Config.Read(func(conf *model.Config) error {
		plain = conf.AdminKeyPlain
		return nil
	})
	if err != nil {
		return nil, err
	}
	if plain == "" {
		return nil, code.New(code.NotFound, "admin key not initialized")
	}
	return gin.H{"api_key": plain}, nil
}

type updateAPIKeyPayload struct {
	// APIKey 指定新密钥，空值自动生成
	APIKey string `json:"api_key" validate:"omitempty,min=16"`
}

func (g *Gateway) cmdUpdateAPIKey(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p updateAPIKeyPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	newKey := p.APIKey
	if newKey == "" {
		newKey = "ak_" + util.GenerateSecret(24)
	}
	sum := sha256.Sum256([]byte(newKey))
	err := g.store.Config.Update(func(conf *model.Config) error {
		conf.AdminKeyPlain = newKey
		conf.AdminKeyHash = hex.EncodeToString(sum[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return gin.H{"api_key": newKey}, nil
}

func (g *Gateway) cmdGetLogConfig(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var cfg model.LogConfig
	err := g.store.Config.Read(func(conf *model.Config) error {
		cfg = conf.Log
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

type logConfigPayload struct {
	Enabled   *bool   `json:"enabled"`
	Directory *string `json:"directory"`
	MaxSizeMB *int64  `json:"max_size_mb" validate:"omitempty,min=5,max=2048"`
}

func (g *Gateway) cmdUpdateLogConfig(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p logConfigPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	var cfg model.LogConfig
	err := g.store.Config.Update(func(conf *model.Config) error {
		if p.Enabled != nil {
			conf.Log.Enabled = *p.Enabled
		}
		if p.Directory != nil {
			conf.Log.Directory = *p.Directory
		}
		if p.MaxSizeMB != nil {
			conf.Log.MaxSizeMB = *p.MaxSizeMB
		}
		conf.Log.ClampLogSize()
		cfg = conf.Log
		return nil
	})
	if err != nil {
		return nil, err
	}
	g.audit.SetEnabled(cfg.Enabled)
	g.audit.SetMaxSize(cfg.MaxSizeMB)
	return cfg, nil
}

type apiLogQueryPayload struct {
	Command string `json:"command"`
	Status  string `json:"status" validate:"omitempty,oneof=success error"`
	Limit   int    `json:"limit" validate:"omitempty,min=1,max=500"`
}

func (g *Gateway) cmdListAPILogs(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var p apiLogQueryPayload
	if err := bindPayload(payload, &p); err != nil {
		return nil, err
	}
	return g.audit.Query(apilog.Filter{Command: p.Command, Status: p.Status, Limit: p.Limit})
}

// cmdServiceStatus 运行状态汇总
func (g *Gateway) cmdServiceStatus(c *gin.Context, scope registry.Scope, payload json.RawMessage) (any, error) {
	var instanceID string
	_ = g.store.Config.Read(func(conf *model.Config) error {
		instanceID = conf.InstanceID
		return nil
	})

	out := gin.H{
		"instance_id": instanceID,
		"server":      g.Status(),
	}
	if usage, err := disk.Usage(g.store.Dir()); err == nil {
		out["data_disk"] = gin.H{
			"path":  g.store.Dir(),
			"total": usage.Total,
			"free":  usage.Free,
		}
	}
	if info, err := host.Info(); err == nil {
		out["host"] = gin.H{
			"hostname": info.Hostname,
			"os":       info.OS,
			"platform": info.Platform,
			"uptime":   info.Uptime,
		}
	}
	if transfers, err := g.engine.List(); err == nil {
		running, pending := 0, 0
		for _, t := range transfers {
			switch t.Status {
			case model.StatusRunning:
				running++
			case model.StatusPending:
				pending++
			}
		}
		out["transfers"] = gin.H{"running": running, "pending": pending, "total": len(transfers)}
	}
	return out, nil
}
