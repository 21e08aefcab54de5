package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RecoveryWithLogger 创建带日志器的 Recovery 中间件（支持依赖注入）
func RecoveryWithLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		defer func() {
			if err := recover(); err != nil {
				logger.Error("recovered from panic",
					zap.String("router", path),
					zap.String("method", c.Request.Method),
					zap.String("ip", c.ClientIP()),
					zap.String("panic", fmt.Sprintf("%v", err)),
					zap.String("stack", string(debug.Stack())),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"ok": false,
					"error": gin.H{
						"kind":    "Internal",
						"message": "internal server error",
					},
				})
			}
		}()
		c.Next()
	}
}
