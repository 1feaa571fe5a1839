package fetcher

import (
	"context"
	"errors"
)

// EpisodeDetail 单话详情
type EpisodeDetail struct {
	EpisodeNo     int      `json:"episode_no"`
	Subtitle      string   `json:"subtitle"`
	ImageURLs     []string `json:"image_urls"`
	ThumbnailURL  string   `json:"thumbnail_url"`
	AuthorComment string   `json:"author_comment"`
}

// Comment 一条读者评论
type Comment struct {
	Author    string `json:"author"`
	Body      string `json:"body"`
	Likes     int    `json:"likes"`
	CreatedAt string `json:"created_at"`
}

// ErrAdultAuthRequired 上游要求更高权限（成人内容需要登录态）。
// 编排层捕获该错误后切换到携带 Cookie 的备用抓取通道。
var ErrAdultAuthRequired = errors.New("内容需要登录态才能访问")

// Fetcher 元数据与媒体抓取的窄接口
type Fetcher interface {
	// FetchEpisodeDetail 抓取单话详情（图片地址、标题、作者的话）
	FetchEpisodeDetail(ctx context.Context, seriesID string, episodeNo int) (*EpisodeDetail, error)
	// DownloadImage 下载单张图片的字节内容
	DownloadImage(ctx context.Context, url string) ([]byte, error)
	// FetchTopComments 抓取单话的热门评论
	FetchTopComments(ctx context.Context, seriesID string, episodeNo, limit int) ([]Comment, error)
	// FetchCommentCounts 批量查询多话的评论数量
	FetchCommentCounts(ctx context.Context, seriesID string, episodeNos []int) (map[int]int, error)
}
