package gateway

import (
	"github.com/haierkeys/feisync-service/pkg/code"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// errorBody 统一错误响应体
type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

// okResponse 输出 {ok:true, data}
func okResponse(c *gin.Context, data any) {
	c.JSON(200, gin.H{"ok": true, "data": data})
}

// errResponse 输出 {ok:false, error:{kind,message}}，HTTP 状态由错误类别决定
func errResponse(c *gin.Context, err error) {
	body := errorBody{Kind: "Internal", Message: "internal error"}
	var ce *code.Error
	if errors.As(err, &ce) {
		body.Kind = string(ce.Kind)
		body.Message = ce.Message
		body.Reason = ce.Reason
	} else if err != nil {
		body.Message = err.Error()
	}
	c.JSON(code.HTTPStatusOf(err), gin.H{"ok": false, "error": body})
}
