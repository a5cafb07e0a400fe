package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"erpcache/pkg/errors"
)

// Config 主配置结构
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Logger  LoggerConfig  `mapstructure:"logger"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Retry   RetryConfig   `mapstructure:"retry"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Influx  InfluxConfig  `mapstructure:"influxdb"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
}

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level  string `mapstructure:"level"`  // 日志级别 (debug, info, warn, error)
	Format string `mapstructure:"format"` // 输出格式 (text, json)
}

// CacheConfig 缓存配置
type CacheConfig struct {
	Backend         string        `mapstructure:"backend"`          // memory, disk, redis
	Namespace       string        `mapstructure:"namespace"`        // 持久化后端的键前缀
	MaxSize         int           `mapstructure:"max_size"`         // 最大条目数
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`      // 默认存活时间
	StaleWindow     time.Duration `mapstructure:"stale_window"`     // 过期后仍可作为旧值提供的时长
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"` // 过期清理间隔
	EvictionPolicy  string        `mapstructure:"eviction_policy"`  // fifo, lru
	Disk            DiskConfig    `mapstructure:"disk"`
	Redis           RedisConfig   `mapstructure:"redis"`
}

// DiskConfig 磁盘缓存配置
type DiskConfig struct {
	Dir      string `mapstructure:"dir"`
	MaxBytes int64  `mapstructure:"max_bytes"` // 0 表示不限制
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRequests      uint32        `mapstructure:"max_requests"`      // 半开状态允许通过的请求数
	Interval         time.Duration `mapstructure:"interval"`          // 关闭状态下计数清零周期
	Timeout          time.Duration `mapstructure:"timeout"`           // 打开状态持续时间
	FailureThreshold uint32        `mapstructure:"failure_threshold"` // 连续失败多少次后打开
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	MaxSamples     int              `mapstructure:"max_samples"`
	SampleInterval time.Duration    `mapstructure:"sample_interval"`
	StatsWindow    time.Duration    `mapstructure:"stats_window"`
	Thresholds     ThresholdsConfig `mapstructure:"thresholds"`
}

// ThresholdsConfig 告警阈值配置
type ThresholdsConfig struct {
	QueryWarning       time.Duration `mapstructure:"query_warning"`
	QueryCritical      time.Duration `mapstructure:"query_critical"`
	ConnectionWarning  time.Duration `mapstructure:"connection_warning"`
	ConnectionCritical time.Duration `mapstructure:"connection_critical"`
	MemoryWarning      uint64        `mapstructure:"memory_warning"`  // 字节
	MemoryCritical     uint64        `mapstructure:"memory_critical"` // 字节
}

// InfluxConfig InfluxDB 导出配置
type InfluxConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// JobConfig 单个定时任务配置
type JobConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"` // 带秒字段的 cron 表达式
}

// JobsConfig 定时任务配置
type JobsConfig struct {
	Export      JobConfig `mapstructure:"export"`
	HealthProbe JobConfig `mapstructure:"health_probe"`
	StatsReport JobConfig `mapstructure:"stats_report"`
}

const (
	BackendMemory = "memory"
	BackendDisk   = "disk"
	BackendRedis  = "redis"

	PolicyFIFO = "fifo"
	PolicyLRU  = "lru"
)

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Mode:            "release",
			ShutdownTimeout: 10 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
		},
		Cache: CacheConfig{
			Backend:         BackendMemory,
			Namespace:       "erpcache",
			MaxSize:         1000,
			DefaultTTL:      5 * time.Minute,
			StaleWindow:     5 * time.Minute,
			CleanupInterval: 5 * time.Minute,
			EvictionPolicy:  PolicyFIFO,
			Disk: DiskConfig{
				Dir:      "./data/cache",
				MaxBytes: 50 * 1024 * 1024,
			},
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
		},
		Retry: RetryConfig{
			MaxAttempts:       3,
			BaseDelay:         time.Second,
			MaxDelay:          10 * time.Second,
			BackoffMultiplier: 2,
		},
		Breaker: BreakerConfig{
			Enabled:          false,
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
		Metrics: MetricsConfig{
			MaxSamples:     1000,
			SampleInterval: 30 * time.Second,
			StatsWindow:    5 * time.Minute,
			Thresholds: ThresholdsConfig{
				QueryWarning:       time.Second,
				QueryCritical:      5 * time.Second,
				ConnectionWarning:  500 * time.Millisecond,
				ConnectionCritical: 2 * time.Second,
				MemoryWarning:      512 * 1024 * 1024,
				MemoryCritical:     1024 * 1024 * 1024,
			},
		},
		Influx: InfluxConfig{
			Enabled: false,
			URL:     "http://localhost:8086",
			Org:     "erpcache",
			Bucket:  "erp_metrics",
		},
		Jobs: JobsConfig{
			Export:      JobConfig{Enabled: false, Schedule: "*/30 * * * * *"},
			HealthProbe: JobConfig{Enabled: false, Schedule: "*/15 * * * * *"},
			StatsReport: JobConfig{Enabled: true, Schedule: "0 */5 * * * *"},
		},
	}
}

func invalid(format string, args ...interface{}) error {
	return errors.NewError(errors.ErrConfigInvalid, fmt.Sprintf(format, args...))
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendMemory, BackendDisk, BackendRedis:
	default:
		return invalid("unknown cache backend %q", c.Cache.Backend)
	}

	switch c.Cache.EvictionPolicy {
	case PolicyFIFO, PolicyLRU:
	default:
		return invalid("unknown eviction policy %q", c.Cache.EvictionPolicy)
	}

	if c.Cache.MaxSize <= 0 {
		return invalid("cache max_size must be positive")
	}

	if c.Cache.DefaultTTL <= 0 {
		return invalid("cache default_ttl must be positive")
	}

	if c.Cache.StaleWindow < 0 {
		return invalid("cache stale_window cannot be negative")
	}

	if c.Cache.CleanupInterval <= 0 {
		return invalid("cache cleanup_interval must be positive")
	}

	if c.Cache.Backend == BackendDisk && c.Cache.Disk.Dir == "" {
		return invalid("cache disk dir cannot be empty")
	}

	if c.Cache.Backend == BackendRedis && c.Cache.Redis.Addr == "" {
		return invalid("cache redis addr cannot be empty")
	}

	if c.Retry.MaxAttempts < 1 {
		return invalid("retry max_attempts must be at least 1")
	}

	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return invalid("retry max_delay must be >= base_delay >= 0")
	}

	if c.Retry.BackoffMultiplier < 1 {
		return invalid("retry backoff_multiplier must be >= 1")
	}

	if c.Metrics.MaxSamples <= 0 {
		return invalid("metrics max_samples must be positive")
	}

	if c.Metrics.SampleInterval <= 0 {
		return invalid("metrics sample_interval must be positive")
	}

	th := c.Metrics.Thresholds
	if th.QueryCritical < th.QueryWarning {
		return invalid("query critical threshold must be >= warning threshold")
	}
	if th.ConnectionCritical < th.ConnectionWarning {
		return invalid("connection critical threshold must be >= warning threshold")
	}
	if th.MemoryCritical < th.MemoryWarning {
		return invalid("memory critical threshold must be >= warning threshold")
	}

	if c.Influx.Enabled && c.Influx.URL == "" {
		return invalid("influxdb url cannot be empty when enabled")
	}

	return nil
}

// SetLogLevel 设置日志级别
func (c *Config) SetLogLevel(level string) *Config {
	c.Logger.Level = level
	return c
}

// setDefaults 将默认配置注册到 viper，使环境变量能够覆盖嵌套键
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.mode", d.Server.Mode)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.format", d.Logger.Format)

	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.namespace", d.Cache.Namespace)
	v.SetDefault("cache.max_size", d.Cache.MaxSize)
	v.SetDefault("cache.default_ttl", d.Cache.DefaultTTL)
	v.SetDefault("cache.stale_window", d.Cache.StaleWindow)
	v.SetDefault("cache.cleanup_interval", d.Cache.CleanupInterval)
	v.SetDefault("cache.eviction_policy", d.Cache.EvictionPolicy)
	v.SetDefault("cache.disk.dir", d.Cache.Disk.Dir)
	v.SetDefault("cache.disk.max_bytes", d.Cache.Disk.MaxBytes)
	v.SetDefault("cache.redis.addr", d.Cache.Redis.Addr)
	v.SetDefault("cache.redis.password", d.Cache.Redis.Password)
	v.SetDefault("cache.redis.db", d.Cache.Redis.DB)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.base_delay", d.Retry.BaseDelay)
	v.SetDefault("retry.max_delay", d.Retry.MaxDelay)
	v.SetDefault("retry.backoff_multiplier", d.Retry.BackoffMultiplier)

	v.SetDefault("breaker.enabled", d.Breaker.Enabled)
	v.SetDefault("breaker.max_requests", d.Breaker.MaxRequests)
	v.SetDefault("breaker.interval", d.Breaker.Interval)
	v.SetDefault("breaker.timeout", d.Breaker.Timeout)
	v.SetDefault("breaker.failure_threshold", d.Breaker.FailureThreshold)

	v.SetDefault("metrics.max_samples", d.Metrics.MaxSamples)
	v.SetDefault("metrics.sample_interval", d.Metrics.SampleInterval)
	v.SetDefault("metrics.stats_window", d.Metrics.StatsWindow)
	v.SetDefault("metrics.thresholds.query_warning", d.Metrics.Thresholds.QueryWarning)
	v.SetDefault("metrics.thresholds.query_critical", d.Metrics.Thresholds.QueryCritical)
	v.SetDefault("metrics.thresholds.connection_warning", d.Metrics.Thresholds.ConnectionWarning)
	v.SetDefault("metrics.thresholds.connection_critical", d.Metrics.Thresholds.ConnectionCritical)
	v.SetDefault("metrics.thresholds.memory_warning", d.Metrics.Thresholds.MemoryWarning)
	v.SetDefault("metrics.thresholds.memory_critical", d.Metrics.Thresholds.MemoryCritical)

	v.SetDefault("influxdb.enabled", d.Influx.Enabled)
	v.SetDefault("influxdb.url", d.Influx.URL)
	v.SetDefault("influxdb.token", d.Influx.Token)
	v.SetDefault("influxdb.org", d.Influx.Org)
	v.SetDefault("influxdb.bucket", d.Influx.Bucket)

	v.SetDefault("jobs.export.enabled", d.Jobs.Export.Enabled)
	v.SetDefault("jobs.export.schedule", d.Jobs.Export.Schedule)
	v.SetDefault("jobs.health_probe.enabled", d.Jobs.HealthProbe.Enabled)
	v.SetDefault("jobs.health_probe.schedule", d.Jobs.HealthProbe.Schedule)
	v.SetDefault("jobs.stats_report.enabled", d.Jobs.StatsReport.Enabled)
	v.SetDefault("jobs.stats_report.schedule", d.Jobs.StatsReport.Schedule)
}

// Load 加载配置文件并应用 ERPCACHE_ 前缀的环境变量覆盖。
// path 为空时在 ./config 和当前目录下查找 erpcache.yaml，找不到文件时使用默认配置。
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("erpcache")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	setDefaults(v, Default())

	// Environment variable overrides
	v.SetEnvPrefix("ERPCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.WrapError(errors.ErrConfigInvalid, "failed to read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WrapError(errors.ErrConfigInvalid, "failed to unmarshal config", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
