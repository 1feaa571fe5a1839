package service

import (
	"sync"
	"time"

	"toon-archive/app/model"
)

// Session 下载会话：一个队列加系列元数据，由管理器独占持有
type Session struct {
	mu          sync.RWMutex
	meta        model.DownloadSession
	series      model.SeriesInfo
	queue       *EpisodeQueue
	streamFirst bool
}

// SessionProgress 会话进度快照
type SessionProgress struct {
	Session model.DownloadSession `json:"session"`
	Queue   QueueProgress         `json:"queue"`
}

func newSession(series model.SeriesInfo, queue *EpisodeQueue, streamFirst bool, episodeMin, episodeMax int) *Session {
	now := time.Now()
	meta := model.DownloadSession{
		ID:         model.NewSessionID(series.ID, now),
		SeriesID:   series.ID,
		Title:      series.Title,
		Author:     series.Author,
		Status:     model.SessionStatusPending,
		EpisodeMin: episodeMin,
		EpisodeMax: episodeMax,
		CreatedAt:  now,
	}
	queue.SetSessionID(meta.ID)
	return &Session{
		meta:        meta,
		series:      series,
		queue:       queue,
		streamFirst: streamFirst,
	}
}

// ID 返回会话ID
func (s *Session) ID() string {
	return s.meta.ID
}

// SeriesID 返回所属系列
func (s *Session) SeriesID() string {
	return s.meta.SeriesID
}

// Status 返回当前状态
func (s *Session) Status() model.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta.Status
}

// Meta 返回会话元数据副本
func (s *Session) Meta() model.DownloadSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// Progress 按需从队列拉取进度快照
func (s *Session) Progress() SessionProgress {
	return SessionProgress{
		Session: s.Meta(),
		Queue:   s.queue.Progress(),
	}
}

func (s *Session) setStatus(status model.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.Status = status
}

// finish 标记终态并记录完成时间
func (s *Session) finish(status model.SessionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta.Finish(status)
}
