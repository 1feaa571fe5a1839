package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"toon-archive/app/config"
	"toon-archive/app/database"
	"toon-archive/app/event"
	"toon-archive/app/fetcher"
	"toon-archive/app/filewatcher"
	"toon-archive/app/logger"
	"toon-archive/app/model"
	"toon-archive/app/note"
	"toon-archive/app/resilience"
	"toon-archive/app/server"
	"toon-archive/app/service"
	"toon-archive/app/store"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动服务器",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		// 创建日志器
		log := logger.New(cfg.Log)
		defer log.Sync()

		// 初始化数据库
		if err := database.Init(cfg, log); err != nil {
			log.Fatalf("数据库初始化失败: %v", err)
		}

		bus := event.NewBus()

		// HTTP 容错栈：传输 -> 熔断 -> 重试
		breaker := resilience.NewCircuitBreaker("webtoon", resilience.BreakerConfig{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			SuccessThreshold: cfg.Resilience.SuccessThreshold,
			OpenTimeout:      cfg.Resilience.OpenTimeout(),
		}, func(change resilience.StateChange) {
			log.Warnf("熔断器状态变更: %s %s -> %s", change.Upstream, change.From, change.To)
			bus.Publish(event.Event{Type: event.CircuitState, Payload: change, At: change.At})
		})
		transport := resilience.NewTransport(resilience.TransportConfig{
			Timeout:   cfg.Resilience.RequestTimeout(),
			UserAgent: cfg.Source.UserAgent,
		}, log, func(info resilience.RateLimitInfo) {
			bus.Publish(event.Event{Type: event.RateLimited, Payload: info, At: time.Now()})
		})
		backoff := resilience.NewBackoffPolicy(
			cfg.Download.MaxRetries,
			cfg.Download.BaseRetryDelay(),
			cfg.Download.BackoffMultiplier,
			cfg.Download.MaxRetryDelay(),
		)
		client := resilience.NewRetryableClient(resilience.NewClient(transport, breaker, log), backoff, log)

		// 抓取通道：匿名为主，配置了 Cookie 时启用登录态回退
		fetch := fetcher.NewWebtoonFetcher(client, cfg.Source, log)
		var authed fetcher.Fetcher
		if cfg.Source.Cookie != "" {
			authed = fetcher.NewAuthedWebtoonFetcher(client, cfg.Source, log)
		}

		vault, err := store.NewVaultStore(cfg.Vault.Root, log)
		if err != nil {
			log.Fatalf("初始化内容库失败: %v", err)
		}

		deps := service.QueueDeps{
			Log:    log,
			DB:     database.GetDB(),
			Bus:    bus,
			Fetch:  fetch,
			Authed: authed,
			Store:  vault,
			Notes:  note.NewBuilder(),
			Config: service.QueueConfigFrom(cfg),
		}
		manager := service.NewManager(deps)
		silent := service.NewSilentLane(deps, cfg.Download.SilentDelay())
		cleanup := service.NewCleanupService(database.GetDB(), log, cfg.Vault.CleanupSchedule, cfg.Vault.RetainDays)

		// 记录被外部删除时，把对应任务重置回等待状态
		var watcher *filewatcher.VaultWatcher
		if cfg.Vault.Watch {
			watcher, err = filewatcher.NewVaultWatcher(cfg.Vault.Root, log, func(relPath string) {
				res := database.GetDB().Model(&model.DownloadJob{}).
					Where("record_path = ? AND status = ?", relPath, model.JobStatusCompleted).
					Update("status", model.JobStatusPending)
				if res.Error != nil {
					log.Errorf("重置任务状态失败: %s, 错误: %v", relPath, res.Error)
				} else if res.RowsAffected > 0 {
					log.Infof("记录被删除，任务已重置: %s", relPath)
				}
			})
			if err != nil {
				log.Fatalf("创建内容库监控失败: %v", err)
			}
		}

		srv := server.New(cfg, log, manager, silent, cleanup, watcher, fetch, breaker)

		// 在协程中启动服务器
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，正在关闭服务器...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		log.Info("服务器已退出")
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
