package handler

import (
	"net/http"
	"strconv"
	"strings"

	"toon-archive/app/fetcher"
	"toon-archive/app/model"
	"toon-archive/app/resilience"
	"toon-archive/app/service"

	"github.com/gin-gonic/gin"
)

// DownloadHandler 下载调度处理器
type DownloadHandler struct {
	manager  *service.Manager
	silent   *service.SilentLane
	fetch    fetcher.Fetcher
	breakers []*resilience.CircuitBreaker
}

// NewDownloadHandler 创建下载调度处理器
func NewDownloadHandler(manager *service.Manager, silent *service.SilentLane, fetch fetcher.Fetcher, breakers ...*resilience.CircuitBreaker) *DownloadHandler {
	return &DownloadHandler{
		manager:  manager,
		silent:   silent,
		fetch:    fetch,
		breakers: breakers,
	}
}

func (h *DownloadHandler) success(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, ApiResponse{Code: 0, Message: message, Data: data})
}

func (h *DownloadHandler) error(c *gin.Context, statusCode int, errorCode int, message string) {
	c.JSON(statusCode, ApiResponse{Code: errorCode, Message: message})
}

// CreateSessionRequest 新建下载会话请求
type CreateSessionRequest struct {
	SeriesID     string               `json:"series_id" binding:"required"`
	Title        string               `json:"title" binding:"required"`
	Author       string               `json:"author"`
	ThumbnailURL string               `json:"thumbnail_url"`
	Episodes     []service.EpisodeRef `json:"episodes" binding:"required"`
	StreamFirst  bool                 `json:"stream_first"`
}

// SilentRequest 静默下载请求
type SilentRequest struct {
	SeriesID  string `json:"series_id" binding:"required"`
	Title     string `json:"title" binding:"required"`
	Author    string `json:"author"`
	EpisodeNo int    `json:"episode_no" binding:"required"`
	Subtitle  string `json:"subtitle"`
}

// CreateSession 新建或合并下载会话
func (h *DownloadHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.error(c, http.StatusBadRequest, 400, "请求参数错误: "+err.Error())
		return
	}

	series := model.SeriesInfo{
		ID:           req.SeriesID,
		Title:        req.Title,
		Author:       req.Author,
		ThumbnailURL: req.ThumbnailURL,
	}
	sessionID, err := h.manager.AddSession(series, req.Episodes, req.StreamFirst)
	if err != nil {
		h.error(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	h.success(c, gin.H{"session_id": sessionID}, "会话已创建")
}

// GetSessions 获取全部会话
func (h *DownloadHandler) GetSessions(c *gin.Context) {
	h.success(c, h.manager.Sessions(), "success")
}

// GetSession 获取单个会话进度
func (h *DownloadHandler) GetSession(c *gin.Context) {
	progress, ok := h.manager.GetSession(c.Param("id"))
	if !ok {
		h.error(c, http.StatusNotFound, 404, "会话不存在")
		return
	}
	h.success(c, progress, "success")
}

// CancelSession 取消单个会话
func (h *DownloadHandler) CancelSession(c *gin.Context) {
	if err := h.manager.CancelSession(c.Param("id")); err != nil {
		h.error(c, http.StatusBadRequest, 400, err.Error())
		return
	}
	h.success(c, nil, "会话已取消")
}

// CancelAll 取消全部会话
func (h *DownloadHandler) CancelAll(c *gin.Context) {
	h.manager.CancelAll()
	h.success(c, nil, "已取消全部会话")
}

// AddSilent 追加静默下载
func (h *DownloadHandler) AddSilent(c *gin.Context) {
	var req SilentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.error(c, http.StatusBadRequest, 400, "请求参数错误: "+err.Error())
		return
	}

	series := model.SeriesInfo{ID: req.SeriesID, Title: req.Title, Author: req.Author}
	added, err := h.silent.Add(series, service.EpisodeRef{No: req.EpisodeNo, Subtitle: req.Subtitle})
	if err != nil {
		h.error(c, http.StatusBadRequest, 400, err.Error())
		return
	}

	h.success(c, gin.H{"added": added, "pending": h.silent.Pending()}, "success")
}

// CommentCounts 批量查询多话的评论数量，episodes 为逗号分隔的话数列表
func (h *DownloadHandler) CommentCounts(c *gin.Context) {
	seriesID := c.Query("series_id")
	if seriesID == "" {
		h.error(c, http.StatusBadRequest, 400, "series_id 不能为空")
		return
	}

	var episodes []int
	for _, part := range strings.Split(c.Query("episodes"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		no, err := strconv.Atoi(part)
		if err != nil || no <= 0 {
			h.error(c, http.StatusBadRequest, 400, "话数格式错误: "+part)
			return
		}
		episodes = append(episodes, no)
	}
	if len(episodes) == 0 {
		h.error(c, http.StatusBadRequest, 400, "episodes 不能为空")
		return
	}

	counts, err := h.fetch.FetchCommentCounts(c.Request.Context(), seriesID, episodes)
	if err != nil {
		h.error(c, http.StatusBadGateway, 502, "评论数量查询失败: "+err.Error())
		return
	}
	h.success(c, counts, "success")
}

// GetBreakers 获取熔断器状态快照
func (h *DownloadHandler) GetBreakers(c *gin.Context) {
	snapshots := make([]resilience.BreakerSnapshot, 0, len(h.breakers))
	for _, b := range h.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}
	h.success(c, snapshots, "success")
}
