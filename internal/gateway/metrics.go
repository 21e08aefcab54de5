package gateway

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	metricsOnce     sync.Once
	metricsRegistry *prometheus.Registry
	commandsTotal   *prometheus.CounterVec
)

// initMetrics 进程级指标注册表
func initMetrics() {
	metricsOnce.Do(func() {
		metricsRegistry = prometheus.NewRegistry()
		commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "feisync",
			Name:      "commands_total",
			Help:      "Dispatched gateway commands by name and outcome.",
		}, []string{"command", "status"})
		metricsRegistry.MustRegister(commandsTotal)
	})
}

// commandCounter 记录一次命令分发
func commandCounter(command, status string) {
	initMetrics()
	commandsTotal.WithLabelValues(command, status).Inc()
}

// metricsHandler Prometheus 拉取端点
func metricsHandler() gin.HandlerFunc {
	initMetrics()
	h := promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
