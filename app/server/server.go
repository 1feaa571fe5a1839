package server

import (
	"context"
	"net/http"

	"toon-archive/app/config"
	"toon-archive/app/database"
	"toon-archive/app/fetcher"
	"toon-archive/app/filewatcher"
	"toon-archive/app/handler"
	"toon-archive/app/logger"
	"toon-archive/app/middleware"
	"toon-archive/app/resilience"
	"toon-archive/app/service"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server

	manager  *service.Manager
	silent   *service.SilentLane
	cleanup  *service.CleanupService
	watcher  *filewatcher.VaultWatcher
	fetch    fetcher.Fetcher
	breakers []*resilience.CircuitBreaker
}

// New 创建一个新的 Server 实例
func New(
	cfg *config.Config,
	log *logger.Logger,
	manager *service.Manager,
	silent *service.SilentLane,
	cleanup *service.CleanupService,
	watcher *filewatcher.VaultWatcher,
	fetch fetcher.Fetcher,
	breakers ...*resilience.CircuitBreaker,
) *Server {
	router := gin.Default()

	s := &Server{
		gin: router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		Config:   cfg,
		Logger:   log,
		manager:  manager,
		silent:   silent,
		cleanup:  cleanup,
		watcher:  watcher,
		fetch:    fetch,
		breakers: breakers,
	}

	// 设置路由
	s.setupRoutes()

	return s
}

// Start 启动服务器
func (s *Server) Start() error {
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)

	// 启动定时清理
	if err := s.cleanup.Start(); err != nil {
		return err
	}

	// 启动内容库监控
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.Logger.Errorf("启动内容库监控失败: %v", err)
		}
	}

	return s.http.ListenAndServe()
}

// Shutdown 优雅关停：先停外围服务，再停下载通道，最后关HTTP
func (s *Server) Shutdown(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.Logger.Errorf("停止内容库监控失败: %v", err)
		}
	}
	s.cleanup.Stop()
	s.silent.Shutdown()
	s.manager.Shutdown()

	// 关闭数据库连接
	if err := database.Close(); err != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", err)
	}
	return s.http.Shutdown(ctx)
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	authHandler := handler.NewAuthHandler(s.Config)
	downloadHandler := handler.NewDownloadHandler(s.manager, s.silent, s.fetch, s.breakers...)

	// API路由组
	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.Config))
	{
		// 用户相关
		protected.GET("/me", authHandler.Me)

		// 下载调度相关路由
		download := protected.Group("/download")
		{
			download.POST("/sessions", downloadHandler.CreateSession)
			download.GET("/sessions", downloadHandler.GetSessions)
			download.GET("/sessions/:id", downloadHandler.GetSession)
			download.POST("/sessions/:id/cancel", downloadHandler.CancelSession)
			download.POST("/sessions/cancel-all", downloadHandler.CancelAll)
			download.POST("/silent", downloadHandler.AddSilent)
			download.GET("/comment-counts", downloadHandler.CommentCounts)
			download.GET("/breakers", downloadHandler.GetBreakers)
		}
	}
}
