package resilience

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind 传输层错误分类，闭集
type ErrorKind string

const (
	ErrKindNetwork        ErrorKind = "network"         // 网络不可达
	ErrKindTimeout        ErrorKind = "timeout"         // 请求超时
	ErrKindRateLimited    ErrorKind = "rate_limited"    // 触发限流
	ErrKindAuthFailed     ErrorKind = "auth_failed"     // 认证失败 (401/403)
	ErrKindInvalidRequest ErrorKind = "invalid_request" // 请求无效 (400/422)
	ErrKindServerError    ErrorKind = "server_error"    // 服务端错误 (5xx)
	ErrKindUnknown        ErrorKind = "unknown"         // 其他未归类错误
)

// FieldError 字段级校验错误明细
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RateLimitInfo 从响应头中提取的限流元数据
type RateLimitInfo struct {
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	Reset      time.Time     `json:"reset"`
	RetryAfter time.Duration `json:"retry_after"`
}

// TransportError 归一化后的传输层错误
type TransportError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	RequestID  string
	RateLimit  *RateLimitInfo // 仅限流错误携带
	Fields     []FieldError   // 仅校验错误携带
	Err        error          // 底层错误
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("传输错误 [%s] 状态码=%d: %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("传输错误 [%s]: %s", e.Kind, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Retryable 判断该错误是否值得重试：
// 服务端错误、网络错误、超时和限流可以重试，认证和请求无效不可以。
func (e *TransportError) Retryable() bool {
	switch e.Kind {
	case ErrKindNetwork, ErrKindTimeout, ErrKindServerError, ErrKindRateLimited:
		return true
	}
	return false
}

// CircuitOpenError 熔断器打开时的快速失败错误，
// 与普通传输失败严格区分，不计入重试预算。
type CircuitOpenError struct {
	Upstream string        // 上游名称
	RetryIn  time.Duration // 距离下一次允许试探的剩余时间
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("熔断器打开，拒绝访问上游 %s（%s 后允许试探）", e.Upstream, e.RetryIn.Round(time.Millisecond))
}

// IsRetryable 判断任意错误是否值得重试。
// 熔断拒绝和上下文取消都不重试；未归类错误保守处理为不重试。
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable()
	}
	return false
}

// IsCircuitOpen 判断错误是否为熔断拒绝
func IsCircuitOpen(err error) bool {
	var co *CircuitOpenError
	return errors.As(err, &co)
}
