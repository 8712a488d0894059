package destination

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind 错误分类。适配器在源头完成分类，
// 重试执行器和熔断器据此统一决策，不做字符串匹配。
type Kind string

const (
	KindNetwork            Kind = "NETWORK"             // 连接/超时/套接字错误，可重试
	KindServerError        Kind = "SERVER_ERROR"        // 5xx，可重试
	KindRateLimited        Kind = "RATE_LIMITED"        // 429，可重试
	KindClientError        Kind = "CLIENT_ERROR"        // 429 以外的 4xx，不可重试
	KindAuthFailure        Kind = "AUTH_FAILURE"        // 认证失败，不可重试
	KindFileNotFound       Kind = "FILE_NOT_FOUND"      // 本地文件不存在，不可重试
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE" // 本地存储不可用（内部处理）
	KindUnknown            Kind = "UNKNOWN"             // 未归类，乐观地按可重试处理
)

// ClassifiedError 已分类的上传错误
type ClassifiedError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *ClassifiedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewError 创建已分类错误
func NewError(kind Kind, format string, args ...interface{}) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError 包装底层错误并附加分类
func WrapError(kind Kind, err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Message: err.Error(), Err: err}
}

// Classify 提取错误的分类，未分类的返回 KindUnknown
func Classify(err error) Kind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Retryable 判定失败是否值得再次尝试
func Retryable(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindServerError, KindRateLimited, KindStorageUnavailable, KindUnknown:
		return true
	default:
		return false
	}
}

// FromStatusCode 根据 HTTP 状态码分类
func FromStatusCode(code int, message string) *ClassifiedError {
	switch {
	case code == http.StatusTooManyRequests:
		return NewError(KindRateLimited, "请求被限流 (429): %s", message)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return NewError(KindAuthFailure, "认证失败 (%d): %s", code, message)
	case code >= 500:
		return NewError(KindServerError, "服务端错误 (%d): %s", code, message)
	case code >= 400:
		return NewError(KindClientError, "请求被拒绝 (%d): %s", code, message)
	default:
		return NewError(KindUnknown, "非预期的响应状态 (%d): %s", code, message)
	}
}

// FromTransport 对传输层错误分类（连接失败、超时等）
func FromTransport(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return WrapError(KindNetwork, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return WrapError(KindNetwork, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return WrapError(KindNetwork, err)
	}
	return WrapError(KindUnknown, err)
}
