package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"toon-archive/app/logger"

	"github.com/google/uuid"
	"resty.dev/v3"
)

// Request 一次出站调用的描述
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   map[string]string
	Body    any
}

// Response 归一化后的响应
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	RequestID  string
	Duration   time.Duration
	RateLimit  *RateLimitInfo
}

// TransportConfig 传输层参数
type TransportConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// Transport 执行单次 HTTP 调用：打请求标识、计时、
// 提取限流元数据，并把一切失败归一化到错误分类里。
type Transport struct {
	client      *resty.Client
	log         *logger.Logger
	onRateLimit func(RateLimitInfo) // 限流观测回调，可为 nil
}

// NewTransport 创建传输层
func NewTransport(cfg TransportConfig, log *logger.Logger, onRateLimit func(RateLimitInfo)) *Transport {
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	return &Transport{
		client:      client,
		log:         log,
		onRateLimit: onRateLimit,
	}
}

// Close 释放底层连接
func (t *Transport) Close() error {
	return t.client.Close()
}

// Do 执行一次调用。发送前分配请求标识与起始时间戳，
// 完成后计算耗时并提取限流响应头。
func (t *Transport) Do(ctx context.Context, req Request) (*Response, error) {
	requestID := uuid.NewString()
	start := time.Now()

	r := t.client.R().
		SetContext(ctx).
		SetHeader("X-Request-ID", requestID)
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	if len(req.Query) > 0 {
		r.SetQueryParams(req.Query)
	}
	if req.Body != nil {
		r.SetBody(req.Body)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	resp, err := r.Execute(method, req.URL)
	elapsed := time.Since(start)

	if err != nil {
		nerr := t.normalizeNetError(err, requestID)
		t.log.Debugf("请求失败: id=%s method=%s url=%s 耗时=%s 错误=%v", requestID, method, req.URL, elapsed, nerr)
		return nil, nerr
	}

	out := &Response{
		StatusCode: resp.StatusCode(),
		Body:       resp.Bytes(),
		Headers:    resp.Header(),
		RequestID:  requestID,
		Duration:   elapsed,
		RateLimit:  extractRateLimit(resp.Header()),
	}

	if out.RateLimit != nil && t.onRateLimit != nil {
		t.onRateLimit(*out.RateLimit)
	}

	if resp.StatusCode() >= 400 {
		return nil, t.normalizeStatusError(out)
	}

	return out, nil
}

// normalizeNetError 把连接层错误归一化为超时或网络不可达
func (t *Transport) normalizeNetError(err error, requestID string) error {
	kind := ErrKindNetwork
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrKindTimeout
	} else {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			kind = ErrKindTimeout
		}
	}
	if errors.Is(err, context.Canceled) {
		// 取消不是传输故障，原样向上传递
		return err
	}
	return &TransportError{
		Kind:      kind,
		Message:   err.Error(),
		RequestID: requestID,
		Err:       err,
	}
}

// normalizeStatusError 按状态码归一化为错误分类
func (t *Transport) normalizeStatusError(resp *Response) error {
	te := &TransportError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.RequestID,
		Message:    http.StatusText(resp.StatusCode),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		te.Kind = ErrKindRateLimited
		te.RateLimit = resp.RateLimit
		if te.RateLimit == nil {
			te.RateLimit = &RateLimitInfo{RetryAfter: parseRetryAfter(resp.Headers)}
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		te.Kind = ErrKindAuthFailed
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		te.Kind = ErrKindInvalidRequest
		te.Fields = parseFieldErrors(resp.Body)
	case resp.StatusCode >= 500:
		te.Kind = ErrKindServerError
	default:
		te.Kind = ErrKindUnknown
	}

	if msg := parseErrorMessage(resp.Body); msg != "" {
		te.Message = msg
	}
	return te
}

// extractRateLimit 提取限流响应头，没有任何相关头时返回 nil
func extractRateLimit(h http.Header) *RateLimitInfo {
	limit := h.Get("X-RateLimit-Limit")
	remaining := h.Get("X-RateLimit-Remaining")
	reset := h.Get("X-RateLimit-Reset")
	retryAfter := h.Get("Retry-After")

	if limit == "" && remaining == "" && reset == "" && retryAfter == "" {
		return nil
	}

	info := &RateLimitInfo{}
	if v, err := strconv.Atoi(limit); err == nil {
		info.Limit = v
	}
	if v, err := strconv.Atoi(remaining); err == nil {
		info.Remaining = v
	}
	if v, err := strconv.ParseInt(reset, 10, 64); err == nil {
		info.Reset = time.Unix(v, 0)
	}
	info.RetryAfter = parseRetryAfter(h)
	return info
}

// parseRetryAfter 解析 Retry-After 头（仅支持秒数形式）
func parseRetryAfter(h http.Header) time.Duration {
	if v, err := strconv.Atoi(h.Get("Retry-After")); err == nil && v >= 0 {
		return time.Duration(v) * time.Second
	}
	return 0
}

// errorBody 上游错误响应的通用结构
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Errors  []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors"`
}

// parseErrorMessage 尽力从响应体提取错误消息
func parseErrorMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	if eb.Message != "" {
		return eb.Message
	}
	return eb.Error
}

// parseFieldErrors 尽力从响应体提取字段级校验明细
func parseFieldErrors(body []byte) []FieldError {
	if len(body) == 0 {
		return nil
	}
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return nil
	}
	fields := make([]FieldError, 0, len(eb.Errors))
	for _, fe := range eb.Errors {
		fields = append(fields, FieldError{Field: fe.Field, Message: fe.Message})
	}
	if len(fields) == 0 {
		return nil
	}
	return fields
}
