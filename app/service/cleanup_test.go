package service

import (
	"testing"
	"time"

	"toon-archive/app/logger"
	"toon-archive/app/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	if err := db.AutoMigrate(&model.DownloadSession{}, &model.DownloadJob{}, &model.SilentDownload{}); err != nil {
		t.Fatalf("建表失败: %v", err)
	}
	return db
}

func TestCleanupRemovesExpiredSessions(t *testing.T) {
	db := newTestDB(t)

	old := time.Now().AddDate(0, 0, -30)
	recent := time.Now().AddDate(0, 0, -1)

	sessions := []model.DownloadSession{
		{ID: "a_1", SeriesID: "a", Status: model.SessionStatusCompleted, CreatedAt: old},
		{ID: "b_1", SeriesID: "b", Status: model.SessionStatusFailed, CreatedAt: old},
		{ID: "c_1", SeriesID: "c", Status: model.SessionStatusCompleted, CreatedAt: recent},
		{ID: "d_1", SeriesID: "d", Status: model.SessionStatusRunning, CreatedAt: old},
	}
	for i := range sessions {
		if err := db.Create(&sessions[i]).Error; err != nil {
			t.Fatal(err)
		}
	}
	jobs := []model.DownloadJob{
		{SessionID: "a_1", SeriesID: "a", EpisodeNo: 1, Status: model.JobStatusCompleted},
		{SessionID: "c_1", SeriesID: "c", EpisodeNo: 1, Status: model.JobStatusCompleted},
	}
	for i := range jobs {
		if err := db.Create(&jobs[i]).Error; err != nil {
			t.Fatal(err)
		}
	}

	svc := NewCleanupService(db, logger.NewNop(), "0 3 * * *", 7)
	svc.RunOnce()

	var remaining []model.DownloadSession
	if err := db.Find(&remaining).Error; err != nil {
		t.Fatal(err)
	}
	got := make(map[string]bool, len(remaining))
	for _, s := range remaining {
		got[s.ID] = true
	}
	// 只有超过保留期的终态会话被清理，运行中和近期的保留
	if got["a_1"] || got["b_1"] {
		t.Errorf("过期终态会话未被清理: %v", got)
	}
	if !got["c_1"] || !got["d_1"] {
		t.Errorf("不该清理的会话被删除了: %v", got)
	}

	var jobCount int64
	db.Model(&model.DownloadJob{}).Count(&jobCount)
	if jobCount != 1 {
		t.Errorf("任务数 = %d, 期望仅保留近期会话的 1 条", jobCount)
	}
}

func TestCleanupRemovesCompletedSilentEntries(t *testing.T) {
	db := newTestDB(t)

	old := time.Now().AddDate(0, 0, -30)
	rows := []model.SilentDownload{
		{SeriesID: "a", EpisodeNo: 1, Status: model.JobStatusCompleted, CreatedAt: old},
		{SeriesID: "a", EpisodeNo: 2, Status: model.JobStatusPending, CreatedAt: old},
		{SeriesID: "a", EpisodeNo: 3, Status: model.JobStatusCompleted, CreatedAt: time.Now()},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			t.Fatal(err)
		}
	}

	NewCleanupService(db, logger.NewNop(), "", 7).RunOnce()

	var count int64
	db.Model(&model.SilentDownload{}).Count(&count)
	if count != 2 {
		t.Errorf("静默条目数 = %d, 期望 2", count)
	}

	var gone model.SilentDownload
	err := db.Where("series_id = ? AND episode_no = ?", "a", 1).First(&gone).Error
	if err == nil {
		t.Error("过期的已完成条目未被清理")
	}
}

func TestCleanupNilDBIsNoop(t *testing.T) {
	svc := NewCleanupService(nil, logger.NewNop(), "0 3 * * *", 7)
	if err := svc.Start(); err != nil {
		t.Fatalf("无数据库时启动应为空操作: %v", err)
	}
	svc.RunOnce()
	svc.Stop()
}
