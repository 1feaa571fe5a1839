package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffBaseForMonotonic(t *testing.T) {
	p := NewBackoffPolicy(5, 100*time.Millisecond, 2.0, 10*time.Second)

	prev := time.Duration(-1)
	for attempt := 0; attempt < 8; attempt++ {
		d := p.BaseFor(attempt)
		if d < prev {
			t.Fatalf("第%d次延迟 %v 小于上一次 %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestBackoffBaseForValues(t *testing.T) {
	p := NewBackoffPolicy(10, 100*time.Millisecond, 2.0, 1*time.Second)

	for _, tc := range []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 200 * time.Millisecond},
		{attempt: 2, want: 400 * time.Millisecond},
		{attempt: 3, want: 800 * time.Millisecond},
		{attempt: 4, want: 1 * time.Second}, // 封顶
		{attempt: 9, want: 1 * time.Second},
		{attempt: -1, want: 100 * time.Millisecond},
	} {
		if got := p.BaseFor(tc.attempt); got != tc.want {
			t.Errorf("BaseFor(%d) = %v, 期望 %v", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffDelayEnvelope(t *testing.T) {
	p := NewBackoffPolicy(5, 100*time.Millisecond, 2.0, 10*time.Second)

	for attempt := 0; attempt < 5; attempt++ {
		base := p.BaseFor(attempt)
		upper := base + time.Duration(p.JitterRatio*float64(base))
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			if d < base || d > upper {
				t.Fatalf("Delay(%d) = %v 超出 [%v, %v]", attempt, d, base, upper)
			}
		}
	}
}

func TestBackoffDelayCappedByMax(t *testing.T) {
	p := NewBackoffPolicy(10, 1*time.Second, 10.0, 2*time.Second)

	for i := 0; i < 50; i++ {
		if d := p.Delay(5); d > 2*time.Second {
			t.Fatalf("Delay 超出上限: %v", d)
		}
	}
}

func TestBackoffExhausted(t *testing.T) {
	p := NewBackoffPolicy(3, time.Millisecond, 2.0, time.Second)

	if p.Exhausted(2) {
		t.Error("2 次尝试后不应耗尽")
	}
	if !p.Exhausted(3) {
		t.Error("3 次尝试后应该耗尽")
	}
}

func TestBackoffShouldRetry(t *testing.T) {
	p := NewBackoffPolicy(3, time.Millisecond, 2.0, time.Second)
	retryable := &TransportError{Kind: ErrKindNetwork, Err: errors.New("conn reset")}
	permanent := &TransportError{Kind: ErrKindAuthFailed}

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	for _, tc := range []struct {
		name    string
		ctx     context.Context
		err     error
		attempt int
		want    bool
	}{
		{name: "retryable-with-budget", ctx: context.Background(), err: retryable, attempt: 1, want: true},
		{name: "budget-exhausted", ctx: context.Background(), err: retryable, attempt: 3, want: false},
		{name: "permanent-error", ctx: context.Background(), err: permanent, attempt: 1, want: false},
		{name: "cancelled-context", ctx: cancelled, err: retryable, attempt: 1, want: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := p.ShouldRetry(tc.ctx, tc.err, tc.attempt); got != tc.want {
				t.Errorf("ShouldRetry = %v, 期望 %v", got, tc.want)
			}
		})
	}
}

func TestBackoffSleepCancelled(t *testing.T) {
	p := NewBackoffPolicy(3, time.Millisecond, 2.0, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := p.Sleep(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled, 得到 %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("取消后未及时返回: %v", elapsed)
	}
}
