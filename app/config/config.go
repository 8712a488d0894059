package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	JWT          JWTConfig          `mapstructure:"jwt"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Upload       UploadConfig       `mapstructure:"upload"`
	Destinations DestinationConfigs `mapstructure:"destinations"`
	Cleanup      CleanupConfig      `mapstructure:"cleanup"`
	Watch        WatchConfig        `mapstructure:"watch"`
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

// DatabaseConfig 本地 sqlite 存储配置
type DatabaseConfig struct {
	Path             string `mapstructure:"path"`               // 数据库文件路径
	OpenRetries      int    `mapstructure:"open_retries"`       // 打开失败时的恢复尝试次数
	OpenRetryDelayMs int    `mapstructure:"open_retry_delay_m"` // 恢复尝试间隔（毫秒）
	PendingQueueSize int    `mapstructure:"pending_queue_size"` // 存储不可用时的内存写入队列容量
}

// OpenRetryDelay 恢复尝试间隔
func (c *DatabaseConfig) OpenRetryDelay() time.Duration {
	return time.Duration(c.OpenRetryDelayMs) * time.Millisecond
}

// UploadConfig 上传任务调度与重试配置
type UploadConfig struct {
	MaxConcurrent       int     `mapstructure:"max_concurrent"`         // 最大并发上传数
	MaxRetries          int     `mapstructure:"max_retries"`            // 单个任务最大重试次数
	InitialDelayMs      int     `mapstructure:"initial_delay_ms"`       // 首次重试延迟（毫秒）
	MaxDelayMs          int     `mapstructure:"max_delay_ms"`           // 重试延迟上限（毫秒）
	BackoffMultiplier   float64 `mapstructure:"backoff_multiplier"`     // 退避倍率
	AttemptTimeoutMin   int     `mapstructure:"attempt_timeout_min"`    // 单次上传尝试的硬超时（分钟）
	RetryResetWindowMin int     `mapstructure:"retry_reset_window_min"` // 手动重试时重置重试计数的时间窗口（分钟）
}

func (c *UploadConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMs) * time.Millisecond
}

func (c *UploadConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMs) * time.Millisecond
}

func (c *UploadConfig) AttemptTimeout() time.Duration {
	return time.Duration(c.AttemptTimeoutMin) * time.Minute
}

func (c *UploadConfig) RetryResetWindow() time.Duration {
	return time.Duration(c.RetryResetWindowMin) * time.Minute
}

// DestinationConfigs 上传目的地配置，支持热更新
type DestinationConfigs struct {
	Preference []string                 `mapstructure:"preference"` // 目的地优先级顺序
	Primary    PrimaryDestinationConfig `mapstructure:"primary"`
	Storage    StorageDestinationConfig `mapstructure:"storage"`
	Stream     StreamDestinationConfig  `mapstructure:"stream"`
	Breaker    BreakerConfig            `mapstructure:"breaker"`
}

// PrimaryDestinationConfig 主后端目的地
type PrimaryDestinationConfig struct {
	URL            string `mapstructure:"url"`             // 上传接口地址
	AllowAnonymous bool   `mapstructure:"allow_anonymous"` // 是否允许匿名上传
}

// StorageDestinationConfig 用户自备的 S3 兼容对象存储目的地
type StorageDestinationConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Region     string `mapstructure:"region"`
	Bucket     string `mapstructure:"bucket"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Endpoint   string `mapstructure:"endpoint"`    // 自定义端点（MinIO 等）
	PublicBase string `mapstructure:"public_base"` // 公开访问的基础URL
}

// StreamDestinationConfig 托管流媒体接收服务目的地
type StreamDestinationConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	URL             string `mapstructure:"url"`               // 接收服务地址
	AllowAnonymous  bool   `mapstructure:"allow_anonymous"`   // 是否允许匿名上传
	PollIntervalSec int    `mapstructure:"poll_interval_sec"` // 资产就绪轮询间隔（秒）
	PollTimeoutMin  int    `mapstructure:"poll_timeout_min"`  // 资产就绪轮询超时（分钟）
}

func (c StreamDestinationConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c StreamDestinationConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMin) * time.Minute
}

// BreakerConfig 每个目的地的熔断器配置
type BreakerConfig struct {
	WindowSec        int     `mapstructure:"window_sec"`        // 失败率统计窗口（秒）
	FailureThreshold float64 `mapstructure:"failure_threshold"` // 触发熔断的失败率阈值
	MinRequests      int     `mapstructure:"min_requests"`      // 窗口内最小请求数
	CooldownSec      int     `mapstructure:"cooldown_sec"`      // 熔断冷却时间（秒）
}

func (c *BreakerConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

func (c *BreakerConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSec) * time.Second
}

// WatchConfig 投递目录监控配置：新出现的媒体文件自动创建上传任务
type WatchConfig struct {
	Enabled         bool     `mapstructure:"enabled"`
	Dir             string   `mapstructure:"dir"`              // 监控的投递目录
	OwnerIdentity   string   `mapstructure:"owner_identity"`   // 自动创建任务使用的上传者身份
	Extensions      []string `mapstructure:"extensions"`       // 处理的文件扩展名
	Recursive       bool     `mapstructure:"recursive"`        // 是否递归监控子目录
	ProcessExisting bool     `mapstructure:"process_existing"` // 启动时是否处理已存在的文件
}

// CleanupConfig 定时清理配置
type CleanupConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Cron                string `mapstructure:"cron"`                  // cron 表达式
	FailedRetentionDays int    `mapstructure:"failed_retention_days"` // 失败记录保留天数
}

func Load() *Config {
	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := Validate(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")
	viper.SetDefault("server.username", "admin")
	viper.SetDefault("server.password", "admin123")

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
	viper.SetDefault("jwt.issuer", "clip-flow")

	// 数据库默认配置
	viper.SetDefault("database.path", "data/clip-flow.db")
	viper.SetDefault("database.open_retries", 3)
	viper.SetDefault("database.open_retry_delay_m", 500)
	viper.SetDefault("database.pending_queue_size", 256)

	// 上传任务默认配置
	viper.SetDefault("upload.max_concurrent", 5)
	viper.SetDefault("upload.max_retries", 3)
	viper.SetDefault("upload.initial_delay_ms", 2000)
	viper.SetDefault("upload.max_delay_ms", 60000)
	viper.SetDefault("upload.backoff_multiplier", 2.0)
	viper.SetDefault("upload.attempt_timeout_min", 10)
	viper.SetDefault("upload.retry_reset_window_min", 60)

	// 目的地默认配置
	viper.SetDefault("destinations.preference", []string{"storage", "stream", "primary"})
	viper.SetDefault("destinations.primary.url", "")
	viper.SetDefault("destinations.primary.allow_anonymous", false)
	viper.SetDefault("destinations.storage.enabled", false)
	viper.SetDefault("destinations.stream.enabled", false)
	viper.SetDefault("destinations.stream.poll_interval_sec", 3)
	viper.SetDefault("destinations.stream.poll_timeout_min", 5)
	viper.SetDefault("destinations.breaker.window_sec", 60)
	viper.SetDefault("destinations.breaker.failure_threshold", 0.5)
	viper.SetDefault("destinations.breaker.min_requests", 5)
	viper.SetDefault("destinations.breaker.cooldown_sec", 30)

	// 投递目录默认配置
	viper.SetDefault("watch.enabled", false)
	viper.SetDefault("watch.dir", "")
	viper.SetDefault("watch.owner_identity", "")
	viper.SetDefault("watch.extensions", []string{".mp4", ".mov", ".webm"})
	viper.SetDefault("watch.recursive", false)
	viper.SetDefault("watch.process_existing", true)

	// 清理任务默认配置
	viper.SetDefault("cleanup.enabled", true)
	viper.SetDefault("cleanup.cron", "0 3 * * *")
	viper.SetDefault("cleanup.failed_retention_days", 7)
}

// Validate 验证配置的有效性
func Validate(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Upload.MaxConcurrent <= 0 {
		return fmt.Errorf("最大并发上传数必须大于 0")
	}
	if config.Upload.BackoffMultiplier < 1 {
		return fmt.Errorf("退避倍率不能小于 1")
	}
	if len(config.Destinations.Preference) == 0 {
		return fmt.Errorf("至少需要配置一个上传目的地")
	}
	for _, name := range config.Destinations.Preference {
		switch name {
		case "primary", "storage", "stream":
		default:
			return fmt.Errorf("未知的上传目的地: %s", name)
		}
	}
	return nil
}
