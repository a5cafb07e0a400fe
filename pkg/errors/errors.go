// Package errors 定义了 erpcache 的带错误代码的错误类型，以及用于重试判定的错误分类。
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

const (
	// ErrCacheMiss 表示缓存中没有可用的条目（不存在或已过期）。
	ErrCacheMiss ErrorCode = "CACHE_MISS"
	// ErrCacheClosed 表示缓存已关闭。
	ErrCacheClosed ErrorCode = "CACHE_CLOSED"
	// ErrCacheBackend 表示缓存后端（磁盘、Redis）读写失败。
	ErrCacheBackend ErrorCode = "CACHE_BACKEND"
	// ErrQuotaExceeded 表示持久化缓存超出配额。
	ErrQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	// ErrSerializeFailed 表示缓存值序列化或反序列化失败。
	ErrSerializeFailed ErrorCode = "SERIALIZE_FAILED"

	// ErrConnectionTimeout 表示连接或查询超时，可重试。
	ErrConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	// ErrConnectionFailure 表示连接建立失败或连接中断，可重试。
	ErrConnectionFailure ErrorCode = "CONNECTION_FAILURE"
	// ErrTooManyConnections 表示连接数已满，可重试。
	ErrTooManyConnections ErrorCode = "TOO_MANY_CONNECTIONS"
	// ErrFetchFailed 表示数据获取失败的通用错误。
	ErrFetchFailed ErrorCode = "FETCH_FAILED"
	// ErrCircuitOpen 表示熔断器处于打开状态，请求被拒绝。
	ErrCircuitOpen ErrorCode = "CIRCUIT_OPEN"

	// ErrConfigInvalid 表示配置无效。
	ErrConfigInvalid ErrorCode = "CONFIG_INVALID"
	// ErrInternal 表示未分类的内部错误。
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// PostgreSQL SQLSTATE 中与连接相关的错误代码。
const (
	SQLStateConnectionException    ErrorCode = "08000"
	SQLStateUnableToConnect        ErrorCode = "08001"
	SQLStateConnectionDoesNotExist ErrorCode = "08003"
	SQLStateConnectionFailure      ErrorCode = "08006"
	SQLStateTooManyConnections     ErrorCode = "53300"
	SQLStateAdminShutdown          ErrorCode = "57P01"
)

// BaseError 基础错误类型
type BaseError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// NewError 创建新的基础错误
func NewError(code ErrorCode, message string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WrapError 包装现有错误
func WrapError(code ErrorCode, message string, cause error) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// Error 实现 error 接口
func (e *BaseError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap 支持错误包装
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码比较
func (e *BaseError) Is(target error) bool {
	var t *BaseError
	if stderrors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *BaseError) WithContext(key string, value interface{}) *BaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// 预定义的常用错误实例，用于 errors.Is 比较
var (
	ErrMiss   = NewError(ErrCacheMiss, "cache entry not found")
	ErrClosed = NewError(ErrCacheClosed, "cache is closed")
)

// IsCode 判断错误链中是否存在指定代码的 BaseError
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf 返回错误链中第一个 BaseError 的代码，不存在时返回空字符串
func CodeOf(err error) ErrorCode {
	var be *BaseError
	if stderrors.As(err, &be) {
		return be.Code
	}
	return ""
}

// sqlStater 由数据库驱动错误实现（例如 pgconn.PgError）
type sqlStater interface {
	SQLState() string
}

// Classify 将任意错误归类为错误代码，供重试策略判定。
// 优先使用 BaseError 的代码，其次是数据库驱动给出的 SQLSTATE，最后识别超时类错误。
func Classify(err error) ErrorCode {
	if err == nil {
		return ""
	}

	if code := CodeOf(err); code != "" {
		return code
	}

	var st sqlStater
	if stderrors.As(err, &st) {
		return ErrorCode(st.SQLState())
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return ErrConnectionTimeout
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrConnectionTimeout
		}
		return ErrConnectionFailure
	}

	return ErrInternal
}
