package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"    // 正常放行
	BreakerOpen     BreakerState = "OPEN"      // 快速失败
	BreakerHalfOpen BreakerState = "HALF_OPEN" // 试探恢复
)

// BreakerConfig 熔断器参数
type BreakerConfig struct {
	FailureThreshold int           // 连续失败达到该值后打开
	SuccessThreshold int           // 半开状态连续成功达到该值后关闭
	OpenTimeout      time.Duration // 打开后的冷却时间
}

// DefaultBreakerConfig 默认熔断参数
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
	}
}

// StateChange 状态迁移事件
type StateChange struct {
	Upstream string       `json:"upstream"`
	From     BreakerState `json:"from"`
	To       BreakerState `json:"to"`
	At       time.Time    `json:"at"`
}

// BreakerSnapshot 对外暴露的状态快照
type BreakerSnapshot struct {
	Upstream            string       `json:"upstream"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ConsecutiveSuccess  int          `json:"consecutive_success"`
	LastFailureAt       time.Time    `json:"last_failure_at"`
}

// CircuitBreaker 按上游命名的熔断器。
// 状态是跨调用方共享的可变数据，所有迁移都在锁内完成。
type CircuitBreaker struct {
	name     string
	config   BreakerConfig
	onChange func(StateChange)

	mu          sync.Mutex
	state       BreakerState
	failures    int // 连续失败计数
	successes   int // 连续成功计数，仅半开状态使用
	lastFailure time.Time
	now         func() time.Time // 可注入时钟，测试用
}

// NewCircuitBreaker 创建熔断器，onChange 可为 nil
func NewCircuitBreaker(name string, cfg BreakerConfig, onChange func(StateChange)) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		name:     name,
		config:   cfg,
		onChange: onChange,
		state:    BreakerClosed,
		now:      time.Now,
	}
}

// Name 返回上游名称
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Execute 通过熔断器执行一次调用。
// OPEN 且冷却未到时立即返回 CircuitOpenError，被包裹的调用不会被触发；
// 冷却已到则转入 HALF_OPEN 放行试探。
func (b *CircuitBreaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()
	b.afterCall(err)
	return err
}

// beforeCall 调用前的状态检查
func (b *CircuitBreaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return nil
	}

	elapsed := b.now().Sub(b.lastFailure)
	if elapsed < b.config.OpenTimeout {
		return &CircuitOpenError{
			Upstream: b.name,
			RetryIn:  b.config.OpenTimeout - elapsed,
		}
	}

	// 冷却结束，进入半开状态放行一次试探
	b.transition(BreakerHalfOpen)
	b.successes = 0
	return nil
}

// afterCall 按调用结果更新状态。调用方主动取消不反映
// 上游健康状况，既不计成功也不计失败。
func (b *CircuitBreaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.onSuccess()
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	b.onFailure()
}

func (b *CircuitBreaker) onSuccess() {
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(BreakerClosed)
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

func (b *CircuitBreaker) onFailure() {
	b.lastFailure = b.now()

	switch b.state {
	case BreakerHalfOpen:
		// 试探失败，立即回到打开状态并重置冷却计时
		b.transition(BreakerOpen)
		b.successes = 0
	case BreakerClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(BreakerOpen)
		}
	}
}

// transition 状态迁移，必须在锁内调用
func (b *CircuitBreaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to

	if b.onChange != nil {
		change := StateChange{
			Upstream: b.name,
			From:     from,
			To:       to,
			At:       b.now(),
		}
		// 在锁内同步回调会有死锁风险，放到独立协程
		go b.onChange(change)
	}
}

// State 返回当前状态
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 返回状态快照，观测接口用
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Upstream:            b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		ConsecutiveSuccess:  b.successes,
		LastFailureAt:       b.lastFailure,
	}
}
