package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"toon-archive/app/config"
	"toon-archive/app/logger"
	"toon-archive/app/resilience"

	gocache "github.com/patrickmn/go-cache"
)

// httpDoer 抓取器依赖的 HTTP 执行接口，由容错重试客户端实现
type httpDoer interface {
	Do(ctx context.Context, req resilience.Request) (*resilience.Response, error)
}

// WebtoonFetcher 基于上游 JSON API 的抓取器。
// 所有请求都经过 传输层 → 熔断 → 重试 的完整容错链路。
type WebtoonFetcher struct {
	client  httpDoer
	baseURL string
	cookie  string // 为空表示匿名通道
	log     *logger.Logger
	cache   *gocache.Cache // 详情与评论数缓存
}

// NewWebtoonFetcher 创建匿名抓取通道
func NewWebtoonFetcher(client *resilience.RetryableClient, cfg config.SourceConfig, log *logger.Logger) *WebtoonFetcher {
	return &WebtoonFetcher{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		log:     log,
		cache:   gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// NewAuthedWebtoonFetcher 创建携带 Cookie 的备用抓取通道，
// 用于匿名通道被拒（成人内容）时的回退。
func NewAuthedWebtoonFetcher(client *resilience.RetryableClient, cfg config.SourceConfig, log *logger.Logger) *WebtoonFetcher {
	f := NewWebtoonFetcher(client, cfg, log)
	f.cookie = cfg.Cookie
	return f
}

// HasAuth 是否携带登录态
func (f *WebtoonFetcher) HasAuth() bool {
	return f.cookie != ""
}

func (f *WebtoonFetcher) headers() map[string]string {
	if f.cookie == "" {
		return nil
	}
	return map[string]string{"Cookie": f.cookie}
}

// episodeDetailResp 上游详情接口的响应结构
type episodeDetailResp struct {
	EpisodeNo     int      `json:"episodeNo"`
	Subtitle      string   `json:"subTitle"`
	ImageURLs     []string `json:"imageUrls"`
	ThumbnailURL  string   `json:"thumbnailUrl"`
	AuthorComment string   `json:"creatorNote"`
	AdultOnly     bool     `json:"adultOnly"`
}

// FetchEpisodeDetail 抓取单话详情
func (f *WebtoonFetcher) FetchEpisodeDetail(ctx context.Context, seriesID string, episodeNo int) (*EpisodeDetail, error) {
	cacheKey := fmt.Sprintf("detail:%s:%d:%v", seriesID, episodeNo, f.HasAuth())
	if v, ok := f.cache.Get(cacheKey); ok {
		detail := v.(EpisodeDetail)
		return &detail, nil
	}

	resp, err := f.client.Do(ctx, resilience.Request{
		Method:  http.MethodGet,
		URL:     fmt.Sprintf("%s/api/v1/webtoon/%s/episode/%d", f.baseURL, seriesID, episodeNo),
		Headers: f.headers(),
	})
	if err != nil {
		return nil, f.translateAuthError(err)
	}

	var body episodeDetailResp
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("解析单话详情失败: %w", err)
	}
	if body.AdultOnly && !f.HasAuth() {
		return nil, ErrAdultAuthRequired
	}
	if len(body.ImageURLs) == 0 {
		return nil, fmt.Errorf("单话详情中没有图片地址: seriesID=%s episodeNo=%d", seriesID, episodeNo)
	}

	detail := EpisodeDetail{
		EpisodeNo:     episodeNo,
		Subtitle:      body.Subtitle,
		ImageURLs:     body.ImageURLs,
		ThumbnailURL:  body.ThumbnailURL,
		AuthorComment: body.AuthorComment,
	}
	f.cache.Set(cacheKey, detail, gocache.DefaultExpiration)
	return &detail, nil
}

// DownloadImage 下载单张图片
func (f *WebtoonFetcher) DownloadImage(ctx context.Context, url string) ([]byte, error) {
	resp, err := f.client.Do(ctx, resilience.Request{
		Method:  http.MethodGet,
		URL:     url,
		Headers: f.headers(),
	})
	if err != nil {
		return nil, f.translateAuthError(err)
	}
	if len(resp.Body) == 0 {
		return nil, fmt.Errorf("下载的图片为空: %s", url)
	}
	return resp.Body, nil
}

// commentListResp 上游评论接口的响应结构
type commentListResp struct {
	Comments []struct {
		Author    string `json:"nickname"`
		Body      string `json:"content"`
		Likes     int    `json:"likeCount"`
		CreatedAt string `json:"createdAt"`
	} `json:"comments"`
	TotalCount int `json:"totalCount"`
}

// FetchTopComments 抓取单话热门评论
func (f *WebtoonFetcher) FetchTopComments(ctx context.Context, seriesID string, episodeNo, limit int) ([]Comment, error) {
	resp, err := f.client.Do(ctx, resilience.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/api/v1/webtoon/%s/episode/%d/comments", f.baseURL, seriesID, episodeNo),
		Query: map[string]string{
			"sort":  "best",
			"limit": strconv.Itoa(limit),
		},
		Headers: f.headers(),
	})
	if err != nil {
		return nil, f.translateAuthError(err)
	}

	var body commentListResp
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, fmt.Errorf("解析评论列表失败: %w", err)
	}

	comments := make([]Comment, 0, len(body.Comments))
	for _, c := range body.Comments {
		comments = append(comments, Comment{
			Author:    c.Author,
			Body:      c.Body,
			Likes:     c.Likes,
			CreatedAt: c.CreatedAt,
		})
	}
	return comments, nil
}

// FetchCommentCounts 批量查询评论数量，带短期缓存
func (f *WebtoonFetcher) FetchCommentCounts(ctx context.Context, seriesID string, episodeNos []int) (map[int]int, error) {
	result := make(map[int]int, len(episodeNos))
	var missing []int

	for _, no := range episodeNos {
		key := fmt.Sprintf("ccount:%s:%d", seriesID, no)
		if v, ok := f.cache.Get(key); ok {
			result[no] = v.(int)
		} else {
			missing = append(missing, no)
		}
	}
	if len(missing) == 0 {
		return result, nil
	}

	nos := make([]string, len(missing))
	for i, no := range missing {
		nos[i] = strconv.Itoa(no)
	}

	resp, err := f.client.Do(ctx, resilience.Request{
		Method: http.MethodGet,
		URL:    fmt.Sprintf("%s/api/v1/webtoon/%s/comment-counts", f.baseURL, seriesID),
		Query: map[string]string{
			"episodes": strings.Join(nos, ","),
		},
		Headers: f.headers(),
	})
	if err != nil {
		return nil, f.translateAuthError(err)
	}

	var counts map[string]int
	if err := json.Unmarshal(resp.Body, &counts); err != nil {
		return nil, fmt.Errorf("解析评论数量失败: %w", err)
	}
	for k, v := range counts {
		no, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		result[no] = v
		f.cache.Set(fmt.Sprintf("ccount:%s:%d", seriesID, no), v, gocache.DefaultExpiration)
	}
	return result, nil
}

// translateAuthError 把 401/403 翻译为可识别的权限错误，
// 其余错误保持原样向上传递。
func (f *WebtoonFetcher) translateAuthError(err error) error {
	var te *resilience.TransportError
	if errors.As(err, &te) && te.Kind == resilience.ErrKindAuthFailed {
		return fmt.Errorf("%w: %v", ErrAdultAuthRequired, err)
	}
	return err
}
