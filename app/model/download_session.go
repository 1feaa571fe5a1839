package model

import (
	"fmt"
	"time"
)

// SessionStatus 下载会话状态
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"   // 等待调度
	SessionStatusRunning   SessionStatus = "running"   // 正在下载
	SessionStatusCompleted SessionStatus = "completed" // 已完成
	SessionStatusCancelled SessionStatus = "cancelled" // 已取消
	SessionStatusFailed    SessionStatus = "failed"    // 全部失败
)

// SeriesInfo 系列元数据
type SeriesInfo struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Author       string `json:"author"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// DownloadSession 下载会话，一次系列级下载的调度单位
type DownloadSession struct {
	ID          string        `json:"id" gorm:"primarykey"`
	SeriesID    string        `json:"series_id" gorm:"index;not null"`
	Title       string        `json:"title"`
	Author      string        `json:"author"`
	Status      SessionStatus `json:"status" gorm:"size:20;default:pending"`
	EpisodeMin  int           `json:"episode_min"`
	EpisodeMax  int           `json:"episode_max"`
	CreatedAt   time.Time     `json:"created_at"`
	CompletedAt *time.Time    `json:"completed_at"`
}

// TableName 指定表名
func (DownloadSession) TableName() string {
	return "download_sessions"
}

// NewSessionID 生成会话ID：系列ID + 创建时间
func NewSessionID(seriesID string, at time.Time) string {
	return fmt.Sprintf("%s_%d", seriesID, at.UnixMilli())
}

// IsTerminal 判断会话是否已到达终态
func (s DownloadSession) IsTerminal() bool {
	switch s.Status {
	case SessionStatusCompleted, SessionStatusCancelled, SessionStatusFailed:
		return true
	}
	return false
}

// Finish 标记会话结束
func (s *DownloadSession) Finish(status SessionStatus) {
	now := time.Now()
	s.Status = status
	s.CompletedAt = &now
}
