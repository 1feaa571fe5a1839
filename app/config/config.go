package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Download   DownloadConfig   `mapstructure:"download"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Vault      VaultConfig      `mapstructure:"vault"`
	Source     SourceConfig     `mapstructure:"source"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

// DownloadConfig 下载编排配置
type DownloadConfig struct {
	EpisodeDelayMS    int     `mapstructure:"episode_delay_ms"`    // 话与话之间的固定间隔
	ChunkDelayMS      int     `mapstructure:"chunk_delay_ms"`      // 图片分批之间的固定间隔
	ChunkSize         int     `mapstructure:"chunk_size"`          // 单批并发下载的图片数量
	MaxRetries        int     `mapstructure:"max_retries"`         // 单张图片的最大尝试次数
	BaseRetryDelayMS  int     `mapstructure:"base_retry_delay_ms"` // 重试基础延迟
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`  // 重试退避倍率
	MaxRetryDelayMS   int     `mapstructure:"max_retry_delay_ms"`  // 重试延迟上限
	SilentDelayMS     int     `mapstructure:"silent_delay_ms"`     // 静默队列条目之间的间隔
}

// ResilienceConfig HTTP 容错配置
type ResilienceConfig struct {
	FailureThreshold  int `mapstructure:"failure_threshold"`  // 熔断连续失败阈值
	SuccessThreshold  int `mapstructure:"success_threshold"`  // 半开状态恢复所需连续成功次数
	OpenTimeoutSec    int `mapstructure:"open_timeout_sec"`   // 熔断冷却时间（秒）
	RequestTimeoutSec int `mapstructure:"request_timeout_sec"`
}

// VaultConfig 本地内容库配置
type VaultConfig struct {
	Root            string `mapstructure:"root"`             // 内容库根目录
	Watch           bool   `mapstructure:"watch"`            // 是否监控记录文件被外部删除
	CleanupSchedule string `mapstructure:"cleanup_schedule"` // 清理任务的 cron 表达式
	RetainDays      int    `mapstructure:"retain_days"`      // 已完成会话记录保留天数
}

// SourceConfig 上游站点配置
type SourceConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	UserAgent    string `mapstructure:"user_agent"`
	Cookie       string `mapstructure:"cookie"`        // 成人内容回退通道所需的 Cookie
	CommentLimit int    `mapstructure:"comment_limit"` // 每话抓取的热门评论数量
	ThumbMaxSize int    `mapstructure:"thumb_max_size"`
}

func (c DownloadConfig) EpisodeDelay() time.Duration { return time.Duration(c.EpisodeDelayMS) * time.Millisecond }
func (c DownloadConfig) ChunkDelay() time.Duration { return time.Duration(c.ChunkDelayMS) * time.Millisecond }
func (c DownloadConfig) BaseRetryDelay() time.Duration { return time.Duration(c.BaseRetryDelayMS) * time.Millisecond }
func (c DownloadConfig) MaxRetryDelay() time.Duration { return time.Duration(c.MaxRetryDelayMS) * time.Millisecond }
func (c DownloadConfig) SilentDelay() time.Duration { return time.Duration(c.SilentDelayMS) * time.Millisecond }

func (c ResilienceConfig) OpenTimeout() time.Duration { return time.Duration(c.OpenTimeoutSec) * time.Second }
func (c ResilienceConfig) RequestTimeout() time.Duration { return time.Duration(c.RequestTimeoutSec) * time.Second }

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "toon-archive")

	// 下载编排默认配置
	viper.SetDefault("download.episode_delay_ms", 1500)
	viper.SetDefault("download.chunk_delay_ms", 500)
	viper.SetDefault("download.chunk_size", 4)
	viper.SetDefault("download.max_retries", 3)
	viper.SetDefault("download.base_retry_delay_ms", 1000)
	viper.SetDefault("download.backoff_multiplier", 2.0)
	viper.SetDefault("download.max_retry_delay_ms", 30000)
	viper.SetDefault("download.silent_delay_ms", 800)

	// 容错默认配置
	viper.SetDefault("resilience.failure_threshold", 5)
	viper.SetDefault("resilience.success_threshold", 2)
	viper.SetDefault("resilience.open_timeout_sec", 30)
	viper.SetDefault("resilience.request_timeout_sec", 60)

	// 内容库默认配置
	viper.SetDefault("vault.root", "data/vault")
	viper.SetDefault("vault.watch", true)
	viper.SetDefault("vault.cleanup_schedule", "0 3 * * *")
	viper.SetDefault("vault.retain_days", 30)

	// 上游站点默认配置
	viper.SetDefault("source.base_url", "https://comic.example.com")
	viper.SetDefault("source.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
	viper.SetDefault("source.comment_limit", 15)
	viper.SetDefault("source.thumb_max_size", 480)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Vault.Root == "" {
		return fmt.Errorf("内容库根目录未设置")
	}
	if config.Download.ChunkSize <= 0 {
		return fmt.Errorf("图片并发数必须大于 0")
	}
	if config.Download.MaxRetries <= 0 {
		return fmt.Errorf("最大重试次数必须大于 0")
	}
	if config.Download.BackoffMultiplier < 1 {
		return fmt.Errorf("退避倍率不能小于 1")
	}
	return nil
}
