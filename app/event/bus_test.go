package event

import (
	"testing"
)

func TestBusDeliversInPublishOrder(t *testing.T) {
	bus := NewBus()

	var got []Type
	bus.Subscribe(func(e Event) {
		got = append(got, e.Type)
	})

	published := []Type{EpisodeStarted, EpisodeProgress, EpisodeCompleted, QueueCompleted}
	for _, typ := range published {
		bus.Publish(Event{Type: typ})
	}

	if len(got) != len(published) {
		t.Fatalf("收到 %d 个事件, 期望 %d", len(got), len(published))
	}
	for i, typ := range published {
		if got[i] != typ {
			t.Errorf("第%d个事件 = %s, 期望 %s", i, got[i], typ)
		}
	}
}

func TestBusMultipleSubscribers(t *testing.T) {
	bus := NewBus()

	var first, second int
	bus.Subscribe(func(Event) { first++ })
	bus.Subscribe(func(Event) { second++ })

	bus.Publish(Event{Type: QueueUpdated})
	bus.Publish(Event{Type: QueueUpdated})

	if first != 2 || second != 2 {
		t.Errorf("订阅者收到 %d/%d 个事件, 期望各 2 个", first, second)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()

	var count int
	unsub := bus.Subscribe(func(Event) { count++ })

	bus.Publish(Event{Type: QueueUpdated})
	unsub()
	bus.Publish(Event{Type: QueueUpdated})

	if count != 1 {
		t.Errorf("退订后仍收到事件, 计数 %d", count)
	}
}

func TestBusPublishSetsTimestamp(t *testing.T) {
	bus := NewBus()

	var captured Event
	bus.Subscribe(func(e Event) { captured = e })

	bus.Publish(Event{Type: EpisodeStarted})
	if captured.At.IsZero() {
		t.Error("发布时未补充时间戳")
	}
}

func TestBusUnsubscribeDuringPublish(t *testing.T) {
	bus := NewBus()

	var count int
	var unsub func()
	unsub = bus.Subscribe(func(Event) {
		count++
		unsub()
	})

	bus.Publish(Event{Type: QueueUpdated})
	bus.Publish(Event{Type: QueueUpdated})

	if count != 1 {
		t.Errorf("处理函数内退订失效, 计数 %d", count)
	}
}
