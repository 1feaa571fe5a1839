package service

import (
	"time"

	"toon-archive/app/logger"
	"toon-archive/app/model"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// CleanupService 定时清理历史记录：超过保留期的终态会话、
// 已完成的下载任务和静默条目。数据库缺失时为空操作。
type CleanupService struct {
	db         *gorm.DB
	log        *logger.Logger
	cron       *cron.Cron
	schedule   string
	retainDays int
}

// NewCleanupService 创建清理服务
func NewCleanupService(db *gorm.DB, log *logger.Logger, schedule string, retainDays int) *CleanupService {
	return &CleanupService{
		db:         db,
		log:        log,
		cron:       cron.New(),
		schedule:   schedule,
		retainDays: retainDays,
	}
}

// Start 按计划表达式启动定时清理
func (s *CleanupService) Start() error {
	if s.db == nil || s.schedule == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, s.RunOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Infof("清理服务已启动: schedule=%s 保留=%d天", s.schedule, s.retainDays)
	return nil
}

// Stop 停止定时清理，等待执行中的清理结束
func (s *CleanupService) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// RunOnce 立即执行一轮清理
func (s *CleanupService) RunOnce() {
	if s.db == nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -s.retainDays)

	terminal := []model.SessionStatus{
		model.SessionStatusCompleted,
		model.SessionStatusCancelled,
		model.SessionStatusFailed,
	}

	var sessionIDs []string
	if err := s.db.Model(&model.DownloadSession{}).
		Where("status IN ? AND created_at < ?", terminal, cutoff).
		Pluck("id", &sessionIDs).Error; err != nil {
		s.log.Errorf("查询过期会话失败: %v", err)
		return
	}

	if len(sessionIDs) > 0 {
		if err := s.db.Where("session_id IN ?", sessionIDs).
			Delete(&model.DownloadJob{}).Error; err != nil {
			s.log.Errorf("清理过期下载任务失败: %v", err)
			return
		}
		if err := s.db.Where("id IN ?", sessionIDs).
			Delete(&model.DownloadSession{}).Error; err != nil {
			s.log.Errorf("清理过期会话失败: %v", err)
			return
		}
	}

	res := s.db.Where("status = ? AND created_at < ?", model.JobStatusCompleted, cutoff).
		Delete(&model.SilentDownload{})
	if res.Error != nil {
		s.log.Errorf("清理静默下载条目失败: %v", res.Error)
		return
	}

	s.log.Infof("清理完成: 会话=%d 静默条目=%d", len(sessionIDs), res.RowsAffected)
}
