package service

import (
	"errors"
	"fmt"
)

// ErrDownloadCancelled 下载被主动取消。与失败严格区分：
// 取消的任务回到等待状态，可以被再次启动续传。
var ErrDownloadCancelled = errors.New("下载已取消")

// MaxRetriesExceededError 单张图片重试次数耗尽
type MaxRetriesExceededError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("图片下载重试 %d 次后仍然失败: %s: %v", e.Attempts, e.URL, e.Err)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.Err
}

// EpisodeFetchError 单话详情抓取失败，该话任务终止但队列继续
type EpisodeFetchError struct {
	SeriesID  string
	EpisodeNo int
	Err       error
}

func (e *EpisodeFetchError) Error() string {
	return fmt.Sprintf("抓取单话详情失败: series=%s episode=%d: %v", e.SeriesID, e.EpisodeNo, e.Err)
}

func (e *EpisodeFetchError) Unwrap() error {
	return e.Err
}
