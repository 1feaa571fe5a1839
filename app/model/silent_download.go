package model

import (
	"time"
)

// SilentDownload 静默下载条目：预览/在线阅读触发的后台单话预取，
// 与主会话通道完全独立，按 (系列, 话数) 去重。
type SilentDownload struct {
	ID            uint      `json:"id" gorm:"primarykey"`
	SeriesID      string    `json:"series_id" gorm:"not null;uniqueIndex:idx_silent_series_episode"`
	EpisodeNo     int       `json:"episode_no" gorm:"not null;uniqueIndex:idx_silent_series_episode"`
	Title         string    `json:"title"`  // 系列标题
	Author        string    `json:"author"` // 系列作者
	Status        JobStatus `json:"status" gorm:"size:20;default:pending"`
	RetryCount    int       `json:"retry_count" gorm:"default:0"`
	MaxRetryCount int       `json:"max_retry_count" gorm:"default:3"`
	LastError     string    `json:"last_error" gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName 指定表名
func (SilentDownload) TableName() string {
	return "silent_downloads"
}

// CanRetry 检查是否可以重试
func (s *SilentDownload) CanRetry() bool {
	return s.RetryCount < s.MaxRetryCount && s.Status != JobStatusCompleted
}

// SetError 设置错误信息
func (s *SilentDownload) SetError(err error) {
	s.RetryCount++
	s.LastError = err.Error()
	if s.RetryCount >= s.MaxRetryCount {
		s.Status = JobStatusFailed
	} else {
		s.Status = JobStatusPending // 可以重试，回到等待状态
	}
}

// SetCompleted 设置为已完成状态
func (s *SilentDownload) SetCompleted() {
	s.Status = JobStatusCompleted
	s.LastError = ""
}
