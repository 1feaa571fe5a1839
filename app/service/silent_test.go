package service

import (
	"sync"
	"testing"
	"time"

	"toon-archive/app/event"
	"toon-archive/app/model"
	"toon-archive/app/resilience"
)

// waitFor 轮询等待条件成立，静默通道没有对外的完成回执
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSilentLaneRejectsInvalidInput(t *testing.T) {
	l := NewSilentLane(newTestDeps(t, newFakeFetcher()), 0)
	defer l.Shutdown()

	if _, err := l.Add(model.SeriesInfo{}, EpisodeRef{No: 1}); err == nil {
		t.Error("空系列应该报错")
	}
	if _, err := l.Add(testInfo, EpisodeRef{No: 0}); err == nil {
		t.Error("非法话数应该报错")
	}
}

func TestSilentLaneSkipsMaterializedRecord(t *testing.T) {
	deps := newTestDeps(t, newFakeFetcher(5))
	// 该话的记录已经在库里
	if err := deps.Store.CreateRecord(RecordPath(testInfo, 5, ""), "# 已存在\n"); err != nil {
		t.Fatal(err)
	}

	l := NewSilentLane(deps, 0)
	defer l.Shutdown()

	added, err := l.Add(testInfo, EpisodeRef{No: 5})
	if err != nil {
		t.Fatalf("Add 失败: %v", err)
	}
	if added {
		t.Error("已落库的记录不应再次入队")
	}
	if l.Pending() != 0 {
		t.Errorf("队列应为空, 实际 %d", l.Pending())
	}
}

func TestSilentLaneDownloadsEpisode(t *testing.T) {
	f := newFakeFetcher(1)
	deps := newTestDeps(t, f)

	done := make(chan event.Event, 1)
	deps.Bus.Subscribe(func(e event.Event) {
		if e.Type == event.QueueCompleted {
			select {
			case done <- e:
			default:
			}
		}
	})

	l := NewSilentLane(deps, 0)
	defer l.Shutdown()

	added, err := l.Add(testInfo, EpisodeRef{No: 1})
	if err != nil {
		t.Fatalf("Add 失败: %v", err)
	}
	if !added {
		t.Fatal("新条目应入队")
	}

	select {
	case e := <-done:
		if e.Completed != 1 || e.Failed != 0 {
			t.Errorf("完成计数不符: %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("静默下载未在期限内完成")
	}

	// 记录以单话详情里的标题落盘
	if !deps.Store.RecordExists(RecordPath(testInfo, 1, "第1话")) {
		t.Error("记录未创建")
	}
	waitFor(t, func() bool { return l.Pending() == 0 }, "队列未清空")
}

func TestSilentLaneDedupsQueuedEpisode(t *testing.T) {
	f := newFakeFetcher(1, 2)
	gate := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	f.onImage = func(string) {
		once.Do(func() { close(entered) })
		<-gate
	}

	l := NewSilentLane(newTestDeps(t, f), 0)

	if _, err := l.Add(testInfo, EpisodeRef{No: 1}); err != nil {
		t.Fatal(err)
	}
	<-entered

	// 第 2 话排队等待，重复追加被去重
	if added, _ := l.Add(testInfo, EpisodeRef{No: 2}); !added {
		t.Fatal("第 2 话应入队")
	}
	if added, _ := l.Add(testInfo, EpisodeRef{No: 2}); added {
		t.Error("排队中的条目不应重复入队")
	}

	close(gate)
	waitFor(t, func() bool { return l.Pending() == 0 }, "队列未清空")
	l.Shutdown()
}

func TestSilentLaneRetriesThenGivesUp(t *testing.T) {
	f := newFakeFetcher()
	f.detailErrs[1] = &resilience.TransportError{Kind: resilience.ErrKindServerError, StatusCode: 500}

	deps := newTestDeps(t, f)
	failed := make(chan struct{}, 1)
	deps.Bus.Subscribe(func(e event.Event) {
		if e.Type == event.EpisodeFailed && e.SeriesID == testInfo.ID {
			select {
			case failed <- struct{}{}:
			default:
			}
		}
	})

	l := NewSilentLane(deps, 0)
	defer l.Shutdown()

	if _, err := l.Add(testInfo, EpisodeRef{No: 1}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-failed:
	case <-time.After(5 * time.Second):
		t.Fatal("放弃事件未在期限内到达")
	}
	waitFor(t, func() bool { return l.Pending() == 0 }, "队列未清空")

	// 按条目自身的重试配额试满后放弃
	waitFor(t, func() bool {
		count := 0
		for _, s := range f.sequence() {
			if s == "detail:1" {
				count++
			}
		}
		return count == 3
	}, "重试次数不符")
}
