package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy 重试退避策略：指数延迟加抖动。
// 纯计算，不持有状态，可被多个调用方共享。
type BackoffPolicy struct {
	MaxAttempts int           // 总尝试次数上限（含首次）
	BaseDelay   time.Duration // 基础延迟
	Multiplier  float64       // 指数倍率
	MaxDelay    time.Duration // 延迟上限
	JitterRatio float64       // 抖动比例，相对于计算出的延迟
}

// NewBackoffPolicy 创建退避策略
func NewBackoffPolicy(maxAttempts int, base time.Duration, multiplier float64, max time.Duration) *BackoffPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return &BackoffPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		Multiplier:  multiplier,
		MaxDelay:    max,
		JitterRatio: 0.25,
	}
}

// BaseFor 计算第 attempt 次失败后的确定性延迟（不含抖动），
// attempt 从 0 开始，单调不减且不超过 MaxDelay。
func (p *BackoffPolicy) BaseFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Delay 计算抖动后的延迟，抖动为 [0, JitterRatio] 范围内的随机加成，
// 整体仍被 MaxDelay 封顶，避免重试风暴同步化。
func (p *BackoffPolicy) Delay(attempt int) time.Duration {
	base := p.BaseFor(attempt)
	if base <= 0 {
		return 0
	}
	jitter := time.Duration(rand.Float64() * p.JitterRatio * float64(base))
	d := base + jitter
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Exhausted 判断尝试次数是否已经用完。attempt 为已完成的尝试次数。
func (p *BackoffPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// ShouldRetry 综合判断是否应该再试一次：
// 错误可重试、预算未用完、上下文未取消。
func (p *BackoffPolicy) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if ctx.Err() != nil {
		return false
	}
	if p.Exhausted(attempt) {
		return false
	}
	return IsRetryable(err)
}

// Sleep 等待给定时长，上下文取消时提前返回取消错误
func (p *BackoffPolicy) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
