// Package code 定义引擎的稳定错误类别
// 每个错误携带 Kind（稳定标识）与面向用户的简短消息，完整上下文走审计日志
package code

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind 稳定错误标识
type Kind string

const (
	// 网关层
	AuthMissing Kind = "AuthMissing"
	AuthInvalid Kind = "AuthInvalid"
	ScopeDenied Kind = "ScopeDenied"

	// 路由与校验
	NotFound         Kind = "NotFound"
	DuplicateName    Kind = "DuplicateName"
	NoWritableTenant Kind = "NoWritableTenant"
	InvalidArgument  Kind = "InvalidArgument"
	InvalidCron      Kind = "InvalidCron"

	// 云端后端
	UpstreamTransient   Kind = "UpstreamTransient"
	UpstreamPermanent   Kind = "UpstreamPermanent"
	UpstreamRateLimited Kind = "UpstreamRateLimited"
	Timeout             Kind = "Timeout"

	// 存储与文件系统
	LocalIo            Kind = "LocalIo"
	PersistenceCorrupt Kind = "PersistenceCorrupt"

	// 引擎控制
	Cancelled Kind = "Cancelled"
	Conflict  Kind = "Conflict"
)

// NoWritableTenant 的失败原因
const (
	ReasonPermission = "permission"
	ReasonCapacity   = "capacity"
)

// Error 携带 Kind 的应用错误
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	// Reason 附加原因，目前仅 NoWritableTenant 使用
	Reason string `json:"reason,omitempty"`
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New 创建指定类别的错误
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf 创建带格式化消息的错误
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装底层错误
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// NoWritable 创建带原因的 NoWritableTenant 错误
func NoWritable(reason string) *Error {
	return &Error{
		Kind:    NoWritableTenant,
		Message: "no writable tenant available (" + reason + ")",
		Reason:  reason,
	}
}

// KindOf 提取错误类别，非 *Error 返回空串
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is 判断错误是否为指定类别
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient 判断错误是否可重试
// 超时与限流按瞬态处理，由发起组件内部退避重试
func IsTransient(err error) bool {
	switch KindOf(err) {
	case UpstreamTransient, UpstreamRateLimited, Timeout:
		return true
	}
	return false
}

// HTTPStatus 将错误类别映射为网关的 HTTP 状态码
func (k Kind) HTTPStatus() int {
	switch k {
	case AuthMissing, AuthInvalid:
		return http.StatusUnauthorized
	case ScopeDenied:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case DuplicateName, NoWritableTenant, Conflict, Cancelled:
		return http.StatusConflict
	case InvalidArgument, InvalidCron:
		return http.StatusBadRequest
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatusOf 返回任意错误的 HTTP 状态码，非类别错误按 500 处理
func HTTPStatusOf(err error) int {
	if k := KindOf(err); k != "" {
		return k.HTTPStatus()
	}
	return http.StatusInternalServerError
}
