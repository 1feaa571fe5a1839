package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"toon-archive/app/event"
	"toon-archive/app/model"
)

// Manager 后台下载管理器：持有所有会话，串行调度会话队列
// （同一时刻只有一个会话在下载），另外挂一条完全独立的静默通道。
type Manager struct {
	deps QueueDeps

	mu         sync.Mutex
	sessions   map[string]*Session
	processing bool // 是否有会话正在被处理

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager 创建下载管理器。由组合根显式构造并注入依赖，
// 不使用进程级单例，测试可以构造全新实例。
func NewManager(deps QueueDeps) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:       deps,
		sessions:   make(map[string]*Session),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// AddSession 新建下载会话。同一系列已有未结束的会话时
// 幂等返回其ID，不会重复启动，保证两个队列不会并发写同一话文件夹。
func (m *Manager) AddSession(series model.SeriesInfo, episodes []EpisodeRef, streamFirst bool) (string, error) {
	if series.ID == "" {
		return "", fmt.Errorf("系列ID不能为空")
	}
	if len(episodes) == 0 {
		return "", fmt.Errorf("话列表不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 幂等保护：同系列的未结束会话直接复用
	for _, s := range m.sessions {
		if s.SeriesID() == series.ID && !s.Meta().IsTerminal() {
			m.deps.Log.Infof("会话已存在，跳过创建: series=%s session=%s", series.ID, s.ID())
			return s.ID(), nil
		}
	}

	queue := NewEpisodeQueue(m.deps)
	queue.AddEpisodes(episodes)

	min, max := episodes[0].No, episodes[0].No
	for _, e := range episodes {
		if e.No < min {
			min = e.No
		}
		if e.No > max {
			max = e.No
		}
	}

	session := newSession(series, queue, streamFirst, min, max)
	m.sessions[session.ID()] = session
	m.persistSession(session)

	m.deps.Log.Infof("下载会话已创建: session=%s series=%s 共%d话", session.ID(), series.ID, len(episodes))
	m.publish(event.Event{Type: event.QueueUpdated, SeriesID: series.ID, SessionID: session.ID()})

	// 触发串行处理循环
	if !m.processing {
		m.processing = true
		m.wg.Add(1)
		go m.processLoop()
	}
	return session.ID(), nil
}

// processLoop 串行处理循环：反复取最早创建的等待中会话，
// 等它的队列完整跑完并归类结果，直到没有等待中的会话。
func (m *Manager) processLoop() {
	defer m.wg.Done()

	for {
		session := m.takeNextPending()
		if session == nil {
			m.publish(event.Event{Type: event.AllCompleted})
			m.deps.Log.Info("所有下载会话处理完毕")
			return
		}
		if m.rootCtx.Err() != nil {
			m.finishSession(session, model.SessionStatusCancelled, event.SessionCancelled)
			continue
		}

		session.setStatus(model.SessionStatusRunning)
		m.persistSession(session)
		m.publish(event.Event{Type: event.SessionStarted, SessionID: session.ID(), SeriesID: session.SeriesID()})
		m.deps.Log.Infof("会话开始下载: session=%s", session.ID())

		err := session.queue.Start(m.rootCtx, session.series, session.streamFirst)

		// 归类会话结果：取消优先，其次“全部失败才算失败”
		switch {
		case session.Status() == model.SessionStatusCancelled || errors.Is(err, ErrDownloadCancelled):
			m.finishSession(session, model.SessionStatusCancelled, event.SessionCancelled)
		case m.allJobsFailed(session):
			m.finishSession(session, model.SessionStatusFailed, event.SessionFailed)
		default:
			m.finishSession(session, model.SessionStatusCompleted, event.SessionCompleted)
		}
	}
}

// takeNextPending 取最早创建的等待中会话；没有时复位处理标记
func (m *Manager) takeNextPending() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*Session
	for _, s := range m.sessions {
		if s.Status() == model.SessionStatusPending {
			pending = append(pending, s)
		}
	}
	if len(pending) == 0 {
		m.processing = false
		return nil
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Meta().CreatedAt.Before(pending[j].Meta().CreatedAt)
	})
	return pending[0]
}

// allJobsFailed 所有任务都失败才把会话归类为失败
func (m *Manager) allJobsFailed(session *Session) bool {
	jobs := session.queue.Jobs()
	if len(jobs) == 0 {
		return false
	}
	for _, j := range jobs {
		if j.Status != model.JobStatusFailed {
			return false
		}
	}
	return true
}

// finishSession 标记终态、落库并发事件
func (m *Manager) finishSession(session *Session, status model.SessionStatus, evType event.Type) {
	session.finish(status)
	m.persistSession(session)

	p := session.queue.Progress()
	m.publish(event.Event{
		Type:      evType,
		SessionID: session.ID(),
		SeriesID:  session.SeriesID(),
		Completed: p.Completed,
		Failed:    p.Failed,
	})
	m.deps.Log.Infof("会话结束: session=%s 状态=%s 完成=%d 失败=%d", session.ID(), status, p.Completed, p.Failed)
}

// CancelSession 取消指定会话。运行中的会话向队列传播取消信号，
// 等待中的会话直接标记取消。
func (m *Manager) CancelSession(id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("会话不存在: %s", id)
	}

	switch session.Status() {
	case model.SessionStatusRunning:
		session.setStatus(model.SessionStatusCancelled)
		session.queue.Cancel()
	case model.SessionStatusPending:
		session.finish(model.SessionStatusCancelled)
		m.persistSession(session)
		m.publish(event.Event{Type: event.SessionCancelled, SessionID: id, SeriesID: session.SeriesID()})
	default:
		return fmt.Errorf("会话已结束，无法取消: %s", id)
	}
	return nil
}

// CancelAll 取消所有未结束的会话
func (m *Manager) CancelAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.CancelSession(id)
	}
}

// GetSession 按ID查询会话进度
func (m *Manager) GetSession(id string) (SessionProgress, bool) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return SessionProgress{}, false
	}
	return session.Progress(), true
}

// Sessions 返回所有会话的进度快照，按创建时间升序
func (m *Manager) Sessions() []SessionProgress {
	m.mu.Lock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.Unlock()

	sort.Slice(list, func(i, j int) bool {
		return list[i].Meta().CreatedAt.Before(list[j].Meta().CreatedAt)
	})
	out := make([]SessionProgress, len(list))
	for i, s := range list {
		out[i] = s.Progress()
	}
	return out
}

// Wait 阻塞直到处理循环退出，测试用
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown 取消所有下载并等待处理循环退出
func (m *Manager) Shutdown() {
	m.rootCancel()
	m.wg.Wait()
	m.deps.Log.Info("下载管理器已停止")
}

// persistSession 会话落库，数据库缺席时跳过
func (m *Manager) persistSession(session *Session) {
	if m.deps.DB == nil {
		return
	}
	meta := session.Meta()
	if err := m.deps.DB.Save(&meta).Error; err != nil {
		m.deps.Log.Errorf("保存会话失败: session=%s: %v", meta.ID, err)
	}
}

func (m *Manager) publish(e event.Event) {
	if m.deps.Bus != nil {
		m.deps.Bus.Publish(e)
	}
}
