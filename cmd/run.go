package cmd

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/haierkeys/feisync-service/global"
	internalApp "github.com/haierkeys/feisync-service/internal/app"
	"github.com/haierkeys/feisync-service/internal/model"
	"github.com/haierkeys/feisync-service/pkg/safe_close"

	"github.com/gin-gonic/gin"
	"github.com/radovskyb/watcher"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type runFlags struct {
	dataDir string // Data directory // 数据目录
}

// defaultDataDir 缺省数据目录
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".feisync"
	}
	return filepath.Join(home, ".feisync")
}

func init() {
	runEnv := new(runFlags)

	var runCommand = &cobra.Command{
		Use:   "run [-d data_dir]",
		Short: "Run service",
		Run: func(cmd *cobra.Command, args []string) {
			dataDir := runEnv.dataDir
			if dataDir == "" {
				dataDir = defaultDataDir()
			}

			logger, level, err := newLogger(dataDir)
			if err != nil {
				bootstrapLogger.Error("logger init failed", zap.Error(err))
				return
			}
			global.Logger = logger

			gin.SetMode(gin.ReleaseMode)

			sc := safe_close.NewSafeClose()
			app, err := internalApp.NewApp(dataDir, logger, sc)
			if err != nil {
				logger.Error("service start err", zap.Error(err))
				return
			}

			cfg := app.Config()
			applyLogLevel(level, cfg.Log.Level)

			logger.Warn("service started",
				zap.String("name", internalApp.Name),
				zap.String("version", internalApp.Version),
				zap.String("data_dir", dataDir))

			// 监听配置文档，热应用日志级别与审计设置
			// 配置文件的写入方也包括网关自身，重复应用无副作用
			go watchConfig(dataDir, app, level, logger, sc)

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-quit:
				logger.Info("received shutdown signal, initiating graceful shutdown")
				sc.SendCloseSignal(nil)
			case <-sc.CloseSignal():
			}

			if err := sc.WaitClosed(); err != nil {
				logger.Error("shutdown completed with error", zap.Error(err))
			} else {
				logger.Info("service has been shut down gracefully")
			}
		},
	}

	rootCmd.AddCommand(runCommand)
	fs := runCommand.Flags()
	fs.StringVarP(&runEnv.dataDir, "data-dir", "d", "", "data directory")
}

// newLogger 按数据目录建立进程日志器，级别可热调
func newLogger(dataDir string) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.Lock(os.Stderr), level),
	}

	logPath := filepath.Join(dataDir, "logs", "feisync.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err == nil {
		if file, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644); err == nil {
			fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
			cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(file), level))
		}
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), level, nil
}

func applyLogLevel(level zap.AtomicLevel, text string) {
	if text == "" {
		return
	}
	if parsed, err := zapcore.ParseLevel(text); err == nil {
		level.SetLevel(parsed)
	}
}

// watchConfig 监听配置文档变化
func watchConfig(dataDir string, app *internalApp.App, level zap.AtomicLevel,
	logger *zap.Logger, sc *safe_close.SafeClose) {

	w := watcher.New()
	w.SetMaxEvents(1)
	w.FilterOps(watcher.Write)

	go func() {
		for {
			select {
			case <-w.Event:
				var cfg model.Config
				if err := app.Store.Config.Read(func(c *model.Config) error {
					cfg = *c
					return nil
				}); err != nil {
					logger.Warn("config reload failed", zap.Error(err))
					continue
				}
				applyLogLevel(level, cfg.Log.Level)
				app.Audit.SetEnabled(cfg.Log.Enabled)
				app.Audit.SetMaxSize(cfg.Log.MaxSizeMB)
				app.Gateway.ApplyServerConfig(cfg.Server)
				logger.Info("config document reloaded")
			case err := <-w.Error:
				logger.Warn("config watcher error", zap.Error(err))
			case <-w.Closed:
				return
			}
		}
	}()

	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		<-closeSignal
		w.Close()
	})

	configPath := filepath.Join(dataDir, "feisync.config.json")
	if err := w.Add(configPath); err != nil {
		logger.Warn("config watcher add failed", zap.Error(err))
		return
	}
	if err := w.Start(time.Second * 5); err != nil {
		logger.Warn("config watcher start failed", zap.Error(err))
	}
}
