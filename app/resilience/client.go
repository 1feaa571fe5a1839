package resilience

import (
	"context"
	"errors"
	"net/http"

	"toon-archive/app/logger"
)

// Client 容错客户端：传输层套上熔断器，熔断打开时快速失败
type Client struct {
	transport *Transport
	breaker   *CircuitBreaker
	log       *logger.Logger
}

// NewClient 创建容错客户端
func NewClient(transport *Transport, breaker *CircuitBreaker, log *logger.Logger) *Client {
	return &Client{
		transport: transport,
		breaker:   breaker,
		log:       log,
	}
}

// Breaker 返回底层熔断器，观测接口用
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Do 通过熔断器执行一次调用
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var resp *Response

	err := c.breaker.Execute(func() error {
		var callErr error
		resp, callErr = c.transport.Do(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// RetryableClient 在容错客户端之上增加重试：
// 按退避策略重试可重试错误，熔断拒绝直接短路向上传递，
// 不消耗重试预算，避免对已知故障的上游继续施压。
type RetryableClient struct {
	client  *Client
	backoff *BackoffPolicy
	log     *logger.Logger
}

// NewRetryableClient 创建带重试的客户端
func NewRetryableClient(client *Client, backoff *BackoffPolicy, log *logger.Logger) *RetryableClient {
	return &RetryableClient{
		client:  client,
		backoff: backoff,
		log:     log,
	}
}

// Breaker 返回底层熔断器
func (rc *RetryableClient) Breaker() *CircuitBreaker {
	return rc.client.Breaker()
}

// Do 执行调用。失败后依次检查：错误可重试、预算未用完、
// 上下文未取消，全部成立才等待退避延迟后再试。
func (rc *RetryableClient) Do(ctx context.Context, req Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt < rc.backoff.MaxAttempts; attempt++ {
		resp, err := rc.client.Do(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		// 熔断拒绝不重试，立即向上传递
		if IsCircuitOpen(err) {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if !rc.backoff.ShouldRetry(ctx, err, attempt+1) {
			return nil, err
		}

		delay := rc.backoff.Delay(attempt)
		rc.log.Warnf("请求失败，%s 后重试 (%d/%d): %v", delay, attempt+1, rc.backoff.MaxAttempts, err)
		if serr := rc.backoff.Sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}

	return nil, lastErr
}

// Get 便捷方法：GET 请求
func (rc *RetryableClient) Get(ctx context.Context, url string) (*Response, error) {
	return rc.Do(ctx, Request{Method: http.MethodGet, URL: url})
}
