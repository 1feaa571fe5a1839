package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"toon-archive/app/config"
	"toon-archive/app/event"
	"toon-archive/app/fetcher"
	"toon-archive/app/logger"
	"toon-archive/app/model"
	"toon-archive/app/note"
	"toon-archive/app/resilience"
	"toon-archive/app/store"
	"toon-archive/app/utils/imagehelper"
	"toon-archive/app/utils/pathhelper"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// EpisodeRef 待下载的一话
type EpisodeRef struct {
	No           int    `json:"no"`
	Subtitle     string `json:"subtitle"`
	ThumbnailURL string `json:"thumbnail_url"`
}

// QueueConfig 队列编排参数
type QueueConfig struct {
	EpisodeDelay      time.Duration // 话与话之间的固定间隔
	ChunkDelay        time.Duration // 图片分批之间的固定间隔
	ChunkSize         int           // 单批并发下载的图片数量
	MaxRetries        int           // 单张图片的最大尝试次数
	BaseRetryDelay    time.Duration // 重试基础延迟
	BackoffMultiplier float64       // 重试退避倍率
	MaxRetryDelay     time.Duration // 重试延迟上限
	CommentLimit      int           // 每话抓取的热门评论数
	ThumbMaxSize      int           // 缩略图边长上限
}

// QueueConfigFrom 从应用配置换算队列参数
func QueueConfigFrom(cfg *config.Config) QueueConfig {
	return QueueConfig{
		EpisodeDelay:      cfg.Download.EpisodeDelay(),
		ChunkDelay:        cfg.Download.ChunkDelay(),
		ChunkSize:         cfg.Download.ChunkSize,
		MaxRetries:        cfg.Download.MaxRetries,
		BaseRetryDelay:    cfg.Download.BaseRetryDelay(),
		BackoffMultiplier: cfg.Download.BackoffMultiplier,
		MaxRetryDelay:     cfg.Download.MaxRetryDelay(),
		CommentLimit:      cfg.Source.CommentLimit,
		ThumbMaxSize:      cfg.Source.ThumbMaxSize,
	}
}

// QueueProgress 队列进度快照
type QueueProgress struct {
	Total       int                `json:"total"`
	Completed   int                `json:"completed"`
	Failed      int                `json:"failed"`
	Pending     int                `json:"pending"`
	Current     *model.DownloadJob `json:"current,omitempty"`
	ElapsedSec  int64              `json:"elapsed_sec"`
	EstimateSec int64              `json:"estimate_sec"` // 按 已耗时/已完成数 估算的剩余时间
}

// QueueDeps 队列依赖集合
type QueueDeps struct {
	Log    *logger.Logger
	DB     *gorm.DB // 可为 nil，此时不做持久化
	Bus    *event.Bus
	Fetch  fetcher.Fetcher
	Authed fetcher.Fetcher // 登录态回退通道，可为 nil
	Store  store.ContentStore
	Notes  *note.Builder
	Config QueueConfig
}

// EpisodeQueue 单个系列的下载队列。任务按话数升序去重排列，
// 顺序逐话下载，话内图片按固定批宽并发。同一队列实例同时
// 只允许一次 Start 执行，重复启动是空操作。
type EpisodeQueue struct {
	deps    QueueDeps
	backoff *resilience.BackoffPolicy

	mu        sync.RWMutex
	jobs      []*model.DownloadJob
	running   bool
	cancelFn  context.CancelFunc
	startedAt time.Time
	sessionID string
	current   int // 当前处理中任务的话数，0 表示无

	commentWG sync.WaitGroup // 评论补写协程
}

// NewEpisodeQueue 创建下载队列
func NewEpisodeQueue(deps QueueDeps) *EpisodeQueue {
	if deps.Config.ChunkSize <= 0 {
		deps.Config.ChunkSize = 1
	}
	if deps.Config.MaxRetries <= 0 {
		deps.Config.MaxRetries = 1
	}
	backoff := resilience.NewBackoffPolicy(
		deps.Config.MaxRetries,
		deps.Config.BaseRetryDelay,
		deps.Config.BackoffMultiplier,
		deps.Config.MaxRetryDelay,
	)
	return &EpisodeQueue{
		deps:    deps,
		backoff: backoff,
	}
}

// SetSessionID 绑定所属会话，新任务会带上该会话ID
func (q *EpisodeQueue) SetSessionID(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessionID = id
	for _, j := range q.jobs {
		j.SessionID = id
	}
}

// AddEpisodes 合并新任务：已存在的话数跳过，随后按话数升序重排。
// 返回实际新增的任务数。
func (q *EpisodeQueue) AddEpisodes(eps []EpisodeRef) int {
	q.mu.Lock()

	existing := make(map[int]bool, len(q.jobs))
	for _, j := range q.jobs {
		existing[j.EpisodeNo] = true
	}

	added := 0
	for _, e := range eps {
		if e.No <= 0 || existing[e.No] {
			continue
		}
		existing[e.No] = true
		q.jobs = append(q.jobs, &model.DownloadJob{
			SessionID:    q.sessionID,
			EpisodeNo:    e.No,
			Subtitle:     e.Subtitle,
			ThumbnailURL: e.ThumbnailURL,
			Status:       model.JobStatusPending,
			CreatedAt:    time.Now(),
		})
		added++
	}

	sort.Slice(q.jobs, func(i, j int) bool {
		return q.jobs[i].EpisodeNo < q.jobs[j].EpisodeNo
	})
	q.mu.Unlock()

	if added > 0 {
		q.publish(event.Event{Type: event.QueueUpdated})
	}
	return added
}

// Jobs 返回任务快照，按话数升序
func (q *EpisodeQueue) Jobs() []model.DownloadJob {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]model.DownloadJob, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = *j
	}
	return out
}

// Progress 汇总当前进度
func (q *EpisodeQueue) Progress() QueueProgress {
	q.mu.RLock()
	defer q.mu.RUnlock()

	p := QueueProgress{Total: len(q.jobs)}
	for _, j := range q.jobs {
		switch j.Status {
		case model.JobStatusCompleted:
			p.Completed++
		case model.JobStatusFailed:
			p.Failed++
		}
		if q.current != 0 && j.EpisodeNo == q.current {
			copied := *j
			p.Current = &copied
		}
	}
	p.Pending = p.Total - p.Completed - p.Failed

	if q.running && !q.startedAt.IsZero() {
		elapsed := time.Since(q.startedAt)
		p.ElapsedSec = int64(elapsed.Seconds())
		if p.Completed > 0 && p.Pending > 0 {
			perJob := elapsed / time.Duration(p.Completed)
			p.EstimateSec = int64((perJob * time.Duration(p.Pending)).Seconds())
		}
	}
	return p
}

// Start 从第一个等待中的任务开始顺序处理，阻塞直到队列处理完毕
// 或被取消。已在运行时重复调用是空操作。
func (q *EpisodeQueue) Start(ctx context.Context, series model.SeriesInfo, streamFirst bool) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		q.deps.Log.Warnf("下载队列已经在运行中: series=%s", series.ID)
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.running = true
	q.cancelFn = cancel
	q.startedAt = time.Now()
	for _, j := range q.jobs {
		j.SeriesID = series.ID
	}
	q.mu.Unlock()

	defer func() {
		cancel()
		q.commentWG.Wait()
		q.mu.Lock()
		q.running = false
		q.cancelFn = nil
		q.current = 0
		q.mu.Unlock()
	}()

	cancelled := false
	for {
		job := q.nextPending()
		if job == nil {
			break
		}
		// 取开始下一话之前是取消检查点
		if runCtx.Err() != nil {
			cancelled = true
			break
		}

		q.setCurrent(job.EpisodeNo)
		err := q.processJob(runCtx, series, job, streamFirst)
		q.setCurrent(0)

		if errors.Is(err, ErrDownloadCancelled) {
			cancelled = true
			break
		}

		// 话与话之间的固定间隔，简单的上游节流手段
		if q.hasPending() {
			if serr := q.sleep(runCtx, q.deps.Config.EpisodeDelay); serr != nil {
				cancelled = true
				break
			}
		}
	}

	counts := q.Progress()
	if cancelled {
		q.deps.Log.Infof("下载队列已取消: series=%s 完成=%d 失败=%d", series.ID, counts.Completed, counts.Failed)
		q.publish(event.Event{
			Type:      event.QueueCancelled,
			SeriesID:  series.ID,
			Completed: counts.Completed,
			Failed:    counts.Failed,
		})
		return ErrDownloadCancelled
	}

	q.deps.Log.Infof("下载队列处理完毕: series=%s 完成=%d 失败=%d", series.ID, counts.Completed, counts.Failed)
	q.publish(event.Event{
		Type:      event.QueueCompleted,
		SeriesID:  series.ID,
		Completed: counts.Completed,
		Failed:    counts.Failed,
	})
	return nil
}

// Cancel 协同取消：不打断已发出的当批图片下载，
// 处理中的任务回到等待状态以便续传。
func (q *EpisodeQueue) Cancel() {
	q.mu.Lock()
	fn := q.cancelFn
	q.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Running 队列是否正在执行
func (q *EpisodeQueue) Running() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.running
}

// processJob 处理一话。返回 ErrDownloadCancelled 表示被取消，
// 其余失败都收敛到任务状态上，不打断队列运行。
func (q *EpisodeQueue) processJob(ctx context.Context, series model.SeriesInfo, job *model.DownloadJob, streamFirst bool) error {
	q.mutateJob(func() {
		job.SeriesID = series.ID
		job.SetDownloading()
	})
	q.persistJob(job)
	q.publish(event.Event{Type: event.EpisodeStarted, SeriesID: series.ID, EpisodeNo: job.EpisodeNo})

	// 1. 抓取单话详情，必要时切换登录通道
	detail, fetch, err := q.fetchDetail(ctx, series.ID, job.EpisodeNo)
	if err != nil {
		if ctx.Err() != nil {
			q.mutateJob(job.ResetPending)
			q.persistJob(job)
			return ErrDownloadCancelled
		}
		q.failJob(series, job, &EpisodeFetchError{SeriesID: series.ID, EpisodeNo: job.EpisodeNo, Err: err})
		return nil
	}

	q.mutateJob(func() {
		if job.Subtitle == "" {
			job.Subtitle = detail.Subtitle
		}
		job.ImageCount = len(detail.ImageURLs)
	})
	q.persistJob(job)

	// 2. 创建本话的存储文件夹
	folder := EpisodeFolder(series, job.EpisodeNo, job.Subtitle)
	if err := q.deps.Store.CreateFolder(folder); err != nil {
		q.failJob(series, job, err)
		return nil
	}

	// 3. 图片的本地路径在下载前就确定：序号 + 从地址推断的扩展名
	imagePaths := make([]string, len(detail.ImageURLs))
	for i, u := range detail.ImageURLs {
		imagePaths[i] = path.Join(folder, pathhelper.ImageFileName(i+1, pathhelper.ExtFromURL(u)))
	}
	recordPath := RecordPath(series, job.EpisodeNo, job.Subtitle)
	thumbPath := path.Join(folder, "cover.jpg")

	if streamFirst {
		// 流式优先：先建记录再下载，记录引用尚未存在的本地路径，
		// 事件携带原始远端地址，消费方可以直接从网络展示内容
		content, berr := q.deps.Notes.Build(series, detail, imagePaths, thumbPath, nil)
		if berr != nil {
			q.failJob(series, job, berr)
			return nil
		}
		if cerr := q.deps.Store.CreateRecord(recordPath, content); cerr != nil {
			q.failJob(series, job, cerr)
			return nil
		}
		q.mutateJob(func() { job.RecordPath = recordPath })
		q.persistJob(job)
		q.publish(event.Event{
			Type:       event.RecordCreated,
			SeriesID:   series.ID,
			EpisodeNo:  job.EpisodeNo,
			FilePath:   recordPath,
			RemoteURLs: detail.ImageURLs,
		})

		// 带外评论补写：记录已存在，补写随时可以合入
		q.commentWG.Add(1)
		go q.patchComments(fetch, series, job.EpisodeNo, recordPath)
	}

	// 4. 缩略图尽力而为，失败只告警
	q.downloadThumbnail(ctx, fetch, detail, job, thumbPath)

	// 5. 正文图片分批并发下载
	failedImages, derr := q.downloadImages(ctx, fetch, job, detail.ImageURLs, imagePaths)
	// 末批下载期间被取消时没有后续的批间检查点，取消产生的
	// 失败张数不算失败：任务回到等待状态，游标保留以便续传
	if derr != nil || ctx.Err() != nil {
		q.mutateJob(job.ResetPending)
		q.persistJob(job)
		return ErrDownloadCancelled
	}
	if failedImages > 0 {
		q.failJob(series, job, fmt.Errorf("%d/%d 张图片下载失败", failedImages, len(detail.ImageURLs)))
		return nil
	}

	if !streamFirst {
		// 常规模式：图片齐了才建记录，评论直接内联
		comments := q.fetchComments(ctx, fetch, series.ID, job.EpisodeNo)
		content, berr := q.deps.Notes.Build(series, detail, imagePaths, thumbPath, comments)
		if berr != nil {
			q.failJob(series, job, berr)
			return nil
		}
		if cerr := q.deps.Store.CreateRecord(recordPath, content); cerr != nil {
			q.failJob(series, job, cerr)
			return nil
		}
	}

	q.mutateJob(func() { job.SetCompleted(recordPath) })
	q.persistJob(job)
	q.publish(event.Event{
		Type:      event.EpisodeCompleted,
		SeriesID:  series.ID,
		EpisodeNo: job.EpisodeNo,
		FilePath:  recordPath,
	})
	return nil
}

// fetchDetail 抓取详情。匿名通道被拒且配置了登录通道时自动回退，
// 返回后续图片与评论应当使用的抓取通道。
func (q *EpisodeQueue) fetchDetail(ctx context.Context, seriesID string, episodeNo int) (*fetcher.EpisodeDetail, fetcher.Fetcher, error) {
	detail, err := q.deps.Fetch.FetchEpisodeDetail(ctx, seriesID, episodeNo)
	if err == nil {
		return detail, q.deps.Fetch, nil
	}
	if errors.Is(err, fetcher.ErrAdultAuthRequired) && q.deps.Authed != nil {
		q.deps.Log.Infof("匿名通道被拒，切换登录通道: series=%s episode=%d", seriesID, episodeNo)
		detail, err = q.deps.Authed.FetchEpisodeDetail(ctx, seriesID, episodeNo)
		if err == nil {
			return detail, q.deps.Authed, nil
		}
	}
	return nil, nil, err
}

// downloadImages 按固定批宽并发下载正文图片。
// 批内单张失败只计数不退出（all-settled），批间检查取消并等待固定间隔。
// 返回失败张数；返回 error 仅表示被取消。
func (q *EpisodeQueue) downloadImages(ctx context.Context, fetch fetcher.Fetcher, job *model.DownloadJob, urls, paths []string) (int, error) {
	total := len(urls)
	failed := 0

	for start := 0; start < total; start += q.deps.Config.ChunkSize {
		// 开始下一批之前是取消检查点；已发出的下载不会被打断
		if ctx.Err() != nil {
			return failed, ErrDownloadCancelled
		}

		end := start + q.deps.Config.ChunkSize
		if end > total {
			end = total
		}

		var failures int32
		var g errgroup.Group
		for i := start; i < end; i++ {
			// 续传：跳过之前已经落盘的图片
			if q.deps.Store.FileExists(paths[i]) {
				continue
			}
			idx := i
			g.Go(func() error {
				if derr := q.downloadOneImage(ctx, fetch, urls[idx], paths[idx]); derr != nil {
					atomic.AddInt32(&failures, 1)
					q.deps.Log.Errorf("图片下载失败: episode=%d index=%d: %v", job.EpisodeNo, idx+1, derr)
				}
				return nil // 单张失败不打断同批其他图片
			})
		}
		_ = g.Wait()

		failed += int(failures)
		q.mutateJob(func() { job.ImageCursor = end })
		q.persistJob(job)
		q.publish(event.Event{
			Type:       event.EpisodeProgress,
			SeriesID:   job.SeriesID,
			EpisodeNo:  job.EpisodeNo,
			ImageIndex: end,
			ImageTotal: total,
		})

		// 批与批之间的固定间隔
		if end < total {
			if serr := q.sleep(ctx, q.deps.Config.ChunkDelay); serr != nil {
				return failed, ErrDownloadCancelled
			}
		}
	}
	return failed, nil
}

// downloadOneImage 下载并落盘单张图片，指数退避重试。
// 熔断拒绝直接放弃，不再对已知故障的上游重试。
func (q *EpisodeQueue) downloadOneImage(ctx context.Context, fetch fetcher.Fetcher, url, savePath string) error {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt < q.deps.Config.MaxRetries; attempt++ {
		attempts++
		data, err := fetch.DownloadImage(ctx, url)
		if err == nil {
			return q.deps.Store.WriteBinary(savePath, data)
		}
		lastErr = err

		if resilience.IsCircuitOpen(err) || ctx.Err() != nil {
			break
		}
		if attempt+1 < q.deps.Config.MaxRetries {
			if serr := q.backoff.Sleep(ctx, q.backoff.Delay(attempt)); serr != nil {
				break
			}
		}
	}
	return &MaxRetriesExceededError{URL: url, Attempts: attempts, Err: lastErr}
}

// downloadThumbnail 下载并压缩缩略图，任何失败都只降级为告警
func (q *EpisodeQueue) downloadThumbnail(ctx context.Context, fetch fetcher.Fetcher, detail *fetcher.EpisodeDetail, job *model.DownloadJob, thumbPath string) {
	url := detail.ThumbnailURL
	if url == "" {
		url = job.ThumbnailURL
	}
	if url == "" || q.deps.Store.FileExists(thumbPath) {
		return
	}

	data, err := fetch.DownloadImage(ctx, url)
	if err != nil {
		q.deps.Log.Warnf("缩略图下载失败: episode=%d: %v", job.EpisodeNo, err)
		return
	}
	if resized, rerr := imagehelper.ProcessThumbnail(data, q.deps.Config.ThumbMaxSize); rerr == nil {
		data = resized
	}
	if werr := q.deps.Store.WriteBinary(thumbPath, data); werr != nil {
		q.deps.Log.Warnf("缩略图保存失败: episode=%d: %v", job.EpisodeNo, werr)
	}
}

// fetchComments 尽力抓取热门评论，失败返回 nil
func (q *EpisodeQueue) fetchComments(ctx context.Context, fetch fetcher.Fetcher, seriesID string, episodeNo int) []fetcher.Comment {
	if q.deps.Config.CommentLimit <= 0 {
		return nil
	}
	comments, err := fetch.FetchTopComments(ctx, seriesID, episodeNo, q.deps.Config.CommentLimit)
	if err != nil {
		q.deps.Log.Warnf("评论抓取失败: series=%s episode=%d: %v", seriesID, episodeNo, err)
		return nil
	}
	return comments
}

// patchComments 带外评论补写：抓取热门评论后合入已创建的记录
func (q *EpisodeQueue) patchComments(fetch fetcher.Fetcher, series model.SeriesInfo, episodeNo int, recordPath string) {
	defer q.commentWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	comments := q.fetchComments(ctx, fetch, series.ID, episodeNo)
	if len(comments) == 0 {
		return
	}

	content, err := q.deps.Store.ReadRecord(recordPath)
	if err != nil {
		q.deps.Log.Warnf("评论补写失败，记录不可读: %s: %v", recordPath, err)
		return
	}
	patched := q.deps.Notes.PatchComments(content, comments)
	if err := q.deps.Store.ModifyRecord(recordPath, patched); err != nil {
		q.deps.Log.Warnf("评论补写失败: %s: %v", recordPath, err)
	}
}

// failJob 把任务标记为失败并发出事件，队列继续处理后续任务
func (q *EpisodeQueue) failJob(series model.SeriesInfo, job *model.DownloadJob, err error) {
	q.deps.Log.Errorf("单话下载失败: series=%s episode=%d: %v", series.ID, job.EpisodeNo, err)
	q.mutateJob(func() { job.SetFailed(err) })
	q.persistJob(job)
	q.publish(event.Event{
		Type:      event.EpisodeFailed,
		SeriesID:  series.ID,
		EpisodeNo: job.EpisodeNo,
		Err:       err,
	})
}

// mutateJob 在队列锁内修改任务字段。任务字段只由处理协程写，
// 但 Jobs/Progress 会在读锁下做快照，写入必须走同一把锁。
func (q *EpisodeQueue) mutateJob(fn func()) {
	q.mu.Lock()
	fn()
	q.mu.Unlock()
}

// nextPending 返回话数最小的等待中任务
func (q *EpisodeQueue) nextPending() *model.DownloadJob {
	q.mu.RLock()
	defer q.mu.RUnlock()
	for _, j := range q.jobs {
		if j.Status == model.JobStatusPending {
			return j
		}
	}
	return nil
}

func (q *EpisodeQueue) hasPending() bool {
	return q.nextPending() != nil
}

func (q *EpisodeQueue) setCurrent(episodeNo int) {
	q.mu.Lock()
	q.current = episodeNo
	q.mu.Unlock()
}

// sleep 等待固定间隔，取消时提前返回
func (q *EpisodeQueue) sleep(ctx context.Context, d time.Duration) error {
	return q.backoff.Sleep(ctx, d)
}

// persistJob 把任务状态写穿到数据库，数据库缺席时跳过
func (q *EpisodeQueue) persistJob(job *model.DownloadJob) {
	if q.deps.DB == nil {
		return
	}
	if err := q.deps.DB.Save(job).Error; err != nil {
		q.deps.Log.Errorf("保存任务状态失败: episode=%d: %v", job.EpisodeNo, err)
	}
}

func (q *EpisodeQueue) publish(e event.Event) {
	if q.deps.Bus != nil {
		q.deps.Bus.Publish(e)
	}
}

// EpisodeFolder 单话图片文件夹的库内路径
func EpisodeFolder(series model.SeriesInfo, episodeNo int, subtitle string) string {
	return path.Join(
		pathhelper.SeriesFolderName(series.Title),
		pathhelper.EpisodeFolderName(episodeNo, subtitle),
	)
}

// RecordPath 单话记录文件的库内路径
func RecordPath(series model.SeriesInfo, episodeNo int, subtitle string) string {
	return path.Join(
		pathhelper.SeriesFolderName(series.Title),
		pathhelper.EpisodeFolderName(episodeNo, subtitle)+".md",
	)
}
