package model

import (
	"time"
)

// JobStatus 单话下载任务状态
type JobStatus string

const (
	JobStatusPending     JobStatus = "pending"     // 等待中
	JobStatusDownloading JobStatus = "downloading" // 下载中
	JobStatusCompleted   JobStatus = "completed"   // 已完成
	JobStatusFailed      JobStatus = "failed"      // 失败
)

// DownloadJob 单话下载任务，记录一话内容的传输状态。
// 任务由所属队列独占修改，不跨队列共享。
type DownloadJob struct {
	ID           uint      `json:"id" gorm:"primarykey"`
	SessionID    string    `json:"session_id" gorm:"index;comment:所属会话ID"`
	SeriesID     string    `json:"series_id" gorm:"index;not null"`
	EpisodeNo    int       `json:"episode_no" gorm:"not null;comment:话数，队列内排序键"`
	Subtitle     string    `json:"subtitle"`                              // 本话标题
	ThumbnailURL string    `json:"thumbnail_url"`                         // 缩略图地址，可为空
	Status       JobStatus `json:"status" gorm:"size:20;default:pending"` // 状态
	ImageCount   int       `json:"image_count" gorm:"default:0"`          // 本话图片总数
	ImageCursor  int       `json:"image_cursor" gorm:"default:0"`         // 当前已处理的图片游标
	RetryCount   int       `json:"retry_count" gorm:"default:0"`          // 整话级重试次数
	LastError    string    `json:"last_error" gorm:"type:text"`           // 最后一次错误信息
	RecordPath   string    `json:"record_path"`                           // 生成的记录文件路径
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName 指定表名
func (DownloadJob) TableName() string {
	return "download_jobs"
}

// SetDownloading 设置为下载中状态
func (j *DownloadJob) SetDownloading() {
	j.Status = JobStatusDownloading
}

// SetCompleted 设置为已完成状态
func (j *DownloadJob) SetCompleted(recordPath string) {
	j.Status = JobStatusCompleted
	j.RecordPath = recordPath
	j.LastError = ""
}

// SetFailed 设置为失败状态
func (j *DownloadJob) SetFailed(err error) {
	j.Status = JobStatusFailed
	if err != nil {
		j.LastError = err.Error()
	}
}

// ResetPending 回到等待状态。取消时使用：主动停止不等于失败，
// 已有的图片游标保留，后续重新开始时可以续传。
func (j *DownloadJob) ResetPending() {
	j.Status = JobStatusPending
}

// IsTerminal 判断任务是否已到达终态
func (j *DownloadJob) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}
