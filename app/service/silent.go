package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"toon-archive/app/event"
	"toon-archive/app/model"

	"gorm.io/gorm"
)

// SilentLane 静默下载通道：预览/在线阅读触发的单话后台预取。
// 与主会话通道完全独立，互不排队；条目按 (系列, 话数) 去重，
// 已落库的记录直接跳过。条目顺序逐个处理，失败按条目自身的
// 重试配额回到等待状态。
type SilentLane struct {
	deps  QueueDeps
	delay time.Duration

	mu         sync.Mutex
	items      []*silentItem
	processing bool
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// silentItem 内存中的静默条目，row 同步持久化到数据库
type silentItem struct {
	row    *model.SilentDownload
	series model.SeriesInfo
	ep     EpisodeRef
}

// NewSilentLane 创建静默下载通道，并恢复数据库中未完成的条目
func NewSilentLane(deps QueueDeps, delay time.Duration) *SilentLane {
	ctx, cancel := context.WithCancel(context.Background())
	l := &SilentLane{
		deps:   deps,
		delay:  delay,
		ctx:    ctx,
		cancel: cancel,
	}
	l.restore()
	return l
}

// restore 加载数据库中待处理的静默条目
func (l *SilentLane) restore() {
	if l.deps.DB == nil {
		return
	}
	var rows []model.SilentDownload
	if err := l.deps.DB.Where("status = ?", model.JobStatusPending).
		Order("created_at asc").Find(&rows).Error; err != nil {
		l.deps.Log.Errorf("加载静默下载条目失败: %v", err)
		return
	}
	for i := range rows {
		row := &rows[i]
		l.items = append(l.items, &silentItem{
			row:    row,
			series: model.SeriesInfo{ID: row.SeriesID, Title: row.Title, Author: row.Author},
			ep:     EpisodeRef{No: row.EpisodeNo},
		})
	}
	if len(l.items) > 0 {
		l.deps.Log.Infof("恢复静默下载条目: %d 条", len(l.items))
	}
}

// Add 追加一条静默下载。已落库的记录或重复条目返回 false。
func (l *SilentLane) Add(series model.SeriesInfo, ep EpisodeRef) (bool, error) {
	if series.ID == "" || ep.No <= 0 {
		return false, fmt.Errorf("无效的静默下载参数: series=%q episode=%d", series.ID, ep.No)
	}
	if l.deps.Store.RecordExists(RecordPath(series, ep.No, ep.Subtitle)) {
		l.deps.Log.Debugf("静默下载跳过已存在记录: series=%s episode=%d", series.ID, ep.No)
		return false, nil
	}

	l.mu.Lock()
	for _, it := range l.items {
		if it.row.SeriesID == series.ID && it.row.EpisodeNo == ep.No {
			l.mu.Unlock()
			return false, nil
		}
	}

	row := &model.SilentDownload{
		SeriesID:      series.ID,
		EpisodeNo:     ep.No,
		Title:         series.Title,
		Author:        series.Author,
		Status:        model.JobStatusPending,
		MaxRetryCount: l.deps.Config.MaxRetries,
	}
	if l.deps.DB != nil {
		if err := l.deps.DB.Create(row).Error; err != nil {
			l.mu.Unlock()
			// 唯一索引冲突说明曾经下过同一话，按重复处理
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return false, nil
			}
			return false, fmt.Errorf("保存静默下载条目失败: %w", err)
		}
	}
	l.items = append(l.items, &silentItem{row: row, series: series, ep: ep})
	shouldStart := !l.processing
	if shouldStart {
		l.processing = true
	}
	l.mu.Unlock()

	l.deps.Log.Infof("新增静默下载: series=%s episode=%d", series.ID, ep.No)
	if shouldStart {
		l.wg.Add(1)
		go l.processLoop()
	}
	return true, nil
}

// Pending 返回未完成条目数
func (l *SilentLane) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// processLoop 顺序消化静默条目，队列清空后退出
func (l *SilentLane) processLoop() {
	defer l.wg.Done()

	for {
		l.mu.Lock()
		if l.ctx.Err() != nil || len(l.items) == 0 {
			l.processing = false
			l.mu.Unlock()
			return
		}
		item := l.items[0]
		l.items = l.items[1:]
		l.mu.Unlock()

		l.processItem(item)

		if l.delay > 0 {
			select {
			case <-l.ctx.Done():
			case <-time.After(l.delay):
			}
		}
	}
}

// processItem 用临时队列下载单话，流式优先保证记录先行
func (l *SilentLane) processItem(item *silentItem) {
	q := NewEpisodeQueue(l.deps)
	q.AddEpisodes([]EpisodeRef{item.ep})

	err := q.Start(l.ctx, item.series, true)
	if err == nil {
		if counts := q.Progress(); counts.Failed > 0 {
			err = fmt.Errorf("下载失败: series=%s episode=%d", item.series.ID, item.ep.No)
		}
	}

	if errors.Is(err, ErrDownloadCancelled) {
		// 关停时条目保持等待状态，下次启动恢复
		return
	}
	if err != nil {
		item.row.SetError(err)
		l.persist(item.row)
		if item.row.CanRetry() {
			l.deps.Log.Warnf("静默下载失败，等待重试: series=%s episode=%d 第%d次 err=%v",
				item.series.ID, item.ep.No, item.row.RetryCount, err)
			l.mu.Lock()
			l.items = append(l.items, item)
			l.mu.Unlock()
		} else {
			l.deps.Log.Errorf("静默下载放弃: series=%s episode=%d err=%v", item.series.ID, item.ep.No, err)
			l.publish(event.Event{Type: event.EpisodeFailed, SeriesID: item.series.ID, EpisodeNo: item.ep.No, Err: err})
		}
		return
	}

	item.row.SetCompleted()
	l.persist(item.row)
	l.deps.Log.Infof("静默下载完成: series=%s episode=%d", item.series.ID, item.ep.No)
}

// Shutdown 停止静默通道并等待当前条目收尾
func (l *SilentLane) Shutdown() {
	l.cancel()
	l.wg.Wait()
}

func (l *SilentLane) persist(row *model.SilentDownload) {
	if l.deps.DB == nil || row.ID == 0 {
		return
	}
	if err := l.deps.DB.Save(row).Error; err != nil {
		l.deps.Log.Errorf("保存静默下载状态失败: %v", err)
	}
}

func (l *SilentLane) publish(e event.Event) {
	if l.deps.Bus == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	l.deps.Bus.Publish(e)
}
