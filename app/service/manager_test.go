package service

import (
	"strings"
	"sync"
	"testing"
	"time"

	"toon-archive/app/event"
	"toon-archive/app/model"
	"toon-archive/app/resilience"
)

var otherInfo = model.SeriesInfo{ID: "wt-8", Title: "另一个系列", Author: "别的作者"}

func TestManagerRejectsInvalidSession(t *testing.T) {
	m := NewManager(newTestDeps(t, newFakeFetcher()))
	defer m.Shutdown()

	if _, err := m.AddSession(model.SeriesInfo{}, []EpisodeRef{{No: 1}}, false); err == nil {
		t.Error("空系列ID应该报错")
	}
	if _, err := m.AddSession(testInfo, nil, false); err == nil {
		t.Error("空话列表应该报错")
	}
}

func TestManagerSessionCompletesDespiteFailedEpisode(t *testing.T) {
	f := newFakeFetcher(1, 3)
	// 第 2 话永远失败，只要不是全军覆没，会话仍算完成
	f.detailErrs[2] = &resilience.TransportError{Kind: resilience.ErrKindServerError, StatusCode: 500}

	m := NewManager(newTestDeps(t, f))

	id, err := m.AddSession(testInfo, []EpisodeRef{{No: 1}, {No: 2}, {No: 3}}, false)
	if err != nil {
		t.Fatalf("AddSession 失败: %v", err)
	}
	m.Wait()

	p, ok := m.GetSession(id)
	if !ok {
		t.Fatal("会话不存在")
	}
	if p.Session.Status != model.SessionStatusCompleted {
		t.Errorf("会话状态 = %s, 期望 completed", p.Session.Status)
	}
	if p.Queue.Completed != 2 || p.Queue.Failed != 1 {
		t.Errorf("队列计数不符: %+v", p.Queue)
	}
	if p.Session.CompletedAt == nil {
		t.Error("终态会话缺少完成时间")
	}
}

func TestManagerAllJobsFailedMarksSessionFailed(t *testing.T) {
	f := newFakeFetcher()
	f.detailErrs[1] = &resilience.TransportError{Kind: resilience.ErrKindServerError, StatusCode: 500}
	f.detailErrs[2] = &resilience.TransportError{Kind: resilience.ErrKindServerError, StatusCode: 500}

	m := NewManager(newTestDeps(t, f))

	id, err := m.AddSession(testInfo, []EpisodeRef{{No: 1}, {No: 2}}, false)
	if err != nil {
		t.Fatalf("AddSession 失败: %v", err)
	}
	m.Wait()

	p, _ := m.GetSession(id)
	if p.Session.Status != model.SessionStatusFailed {
		t.Errorf("会话状态 = %s, 期望 failed", p.Session.Status)
	}
}

func TestManagerIdempotentAddSession(t *testing.T) {
	f := newFakeFetcher(1)
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	f.onImage = func(string) {
		once.Do(func() { close(entered) })
		<-gate
	}

	m := NewManager(newTestDeps(t, f))

	first, err := m.AddSession(testInfo, []EpisodeRef{{No: 1}}, false)
	if err != nil {
		t.Fatalf("AddSession 失败: %v", err)
	}
	<-entered

	// 未结束的同系列会话直接复用
	second, err := m.AddSession(testInfo, []EpisodeRef{{No: 1}}, false)
	if err != nil {
		t.Fatalf("重复 AddSession 失败: %v", err)
	}
	if second != first {
		t.Errorf("重复创建返回了新会话: %s != %s", second, first)
	}

	close(gate)
	m.Wait()

	// 会话到达终态后允许再来一轮
	third, err := m.AddSession(testInfo, []EpisodeRef{{No: 1}}, false)
	if err != nil {
		t.Fatalf("终态后 AddSession 失败: %v", err)
	}
	if third == first {
		t.Error("终态会话不应被复用")
	}
	m.Wait()
}

func TestManagerProcessesSessionsSerially(t *testing.T) {
	f := newFakeFetcher(1)
	deps := newTestDeps(t, f)

	var mu sync.Mutex
	var order []string
	deps.Bus.Subscribe(func(e event.Event) {
		switch e.Type {
		case event.SessionStarted, event.SessionCompleted:
			mu.Lock()
			order = append(order, string(e.Type)+":"+e.SeriesID)
			mu.Unlock()
		}
	})

	m := NewManager(deps)
	if _, err := m.AddSession(testInfo, []EpisodeRef{{No: 1}}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AddSession(otherInfo, []EpisodeRef{{No: 1}}, false); err != nil {
		t.Fatal(err)
	}
	m.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 4 {
		t.Fatalf("事件数 = %d: %v", len(order), order)
	}
	// 一个会话完整跑完才轮到下一个
	if !strings.HasPrefix(order[0], "session_started:") ||
		!strings.HasPrefix(order[1], "session_completed:") ||
		!strings.HasPrefix(order[2], "session_started:") ||
		!strings.HasPrefix(order[3], "session_completed:") {
		t.Errorf("会话交错执行: %v", order)
	}
	if order[0][len("session_started:"):] != order[1][len("session_completed:"):] {
		t.Errorf("开始与结束的会话不一致: %v", order)
	}
}

func TestManagerCancelRunningSession(t *testing.T) {
	f := newFakeFetcher(1, 2)
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	f.onImage = func(string) {
		once.Do(func() { close(entered) })
		<-gate
	}

	m := NewManager(newTestDeps(t, f))

	id, err := m.AddSession(testInfo, []EpisodeRef{{No: 1}, {No: 2}}, false)
	if err != nil {
		t.Fatalf("AddSession 失败: %v", err)
	}
	<-entered

	if err := m.CancelSession(id); err != nil {
		t.Fatalf("取消失败: %v", err)
	}
	close(gate)
	m.Wait()

	p, _ := m.GetSession(id)
	if p.Session.Status != model.SessionStatusCancelled {
		t.Errorf("会话状态 = %s, 期望 cancelled", p.Session.Status)
	}
	// 取消的任务回到等待状态，不算失败
	if p.Queue.Failed != 0 {
		t.Errorf("取消不应产生失败任务: %+v", p.Queue)
	}

	// 终态会话不能再次取消
	if err := m.CancelSession(id); err == nil {
		t.Error("终态会话取消应该报错")
	}
}

func TestManagerCancelPendingSession(t *testing.T) {
	f := newFakeFetcher(1)
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	f.onImage = func(string) {
		once.Do(func() { close(entered) })
		<-gate
	}

	m := NewManager(newTestDeps(t, f))

	if _, err := m.AddSession(testInfo, []EpisodeRef{{No: 1}}, false); err != nil {
		t.Fatal(err)
	}
	<-entered

	// 第二个会话还在排队，直接标记取消
	pendingID, err := m.AddSession(otherInfo, []EpisodeRef{{No: 1}}, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.CancelSession(pendingID); err != nil {
		t.Fatalf("取消排队中会话失败: %v", err)
	}

	close(gate)
	m.Wait()

	p, _ := m.GetSession(pendingID)
	if p.Session.Status != model.SessionStatusCancelled {
		t.Errorf("排队中会话取消后状态 = %s", p.Session.Status)
	}
	if p.Queue.Completed != 0 {
		t.Error("被取消的排队会话不应被执行")
	}
}

func TestManagerSessionsSortedByCreation(t *testing.T) {
	f := newFakeFetcher(1)
	m := NewManager(newTestDeps(t, f))

	if _, err := m.AddSession(testInfo, []EpisodeRef{{No: 1}}, false); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := m.AddSession(otherInfo, []EpisodeRef{{No: 1}}, false); err != nil {
		t.Fatal(err)
	}
	m.Wait()

	list := m.Sessions()
	if len(list) != 2 {
		t.Fatalf("会话数 = %d", len(list))
	}
	if !list[0].Session.CreatedAt.Before(list[1].Session.CreatedAt) {
		t.Error("会话列表未按创建时间升序")
	}
}
