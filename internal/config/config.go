// Package config provides configuration management for reelforge using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8090
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 15 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultServiceTimeout    = 15 * time.Second
	defaultRetryAttempts     = 3
	defaultRetryDelay        = 2 * time.Second
	defaultCompileTimeout    = 2 * time.Minute
	defaultTaskTimeout       = 30 * time.Minute
	defaultFrameBuffer       = 8
	defaultMinSegmentSeconds = 10.0
	defaultMaxSegmentSeconds = 25.0
	defaultPollInterval      = 2 * time.Second
	defaultJobTimeout        = 2 * time.Hour
	defaultWorkerCount       = 1
	defaultSweepAge          = 6 * time.Hour
	defaultMinFreeSpace      = 2 << 30 // 2GiB
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Services ServicesConfig `mapstructure:"services"`
	Render   RenderConfig   `mapstructure:"render"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg"`
	Runner   RunnerConfig   `mapstructure:"runner"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	LogRequests     bool          `mapstructure:"log_requests"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// StorageConfig holds temp workspace configuration.
type StorageConfig struct {
	WorkspaceDir string        `mapstructure:"workspace_dir"` // empty = os.TempDir()
	SweepCron    string        `mapstructure:"sweep_cron"`    // 6-field cron expression
	SweepAge     time.Duration `mapstructure:"sweep_age"`
	// MinFreeSpace is the free space required on the workspace volume before a render starts.
	MinFreeSpace ByteSize `mapstructure:"min_free_space"`
}

// ServicesConfig holds the remote services used while rendering.
type ServicesConfig struct {
	ProjectsURL   string        `mapstructure:"projects_url"`
	AssetsURL     string        `mapstructure:"assets_url"`
	CompilerURL   string        `mapstructure:"compiler_url"`
	SharedSecret  string        `mapstructure:"shared_secret"` // empty = unsigned requests
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	// CompileTimeout bounds a single scene compile call, which is never retried.
	CompileTimeout time.Duration `mapstructure:"compile_timeout"`
}

// RenderConfig holds headless render coordinator configuration.
type RenderConfig struct {
	MaxConcurrency int           `mapstructure:"max_concurrency"` // 0 = derived from CPU count
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	AllowedHosts   []string      `mapstructure:"allowed_hosts"`
	RuntimeDir     string        `mapstructure:"runtime_dir"`
	BrowserPath    string        `mapstructure:"browser_path"` // empty = auto-detect
	FrameBuffer    int           `mapstructure:"frame_buffer"`
	MinSegment     float64       `mapstructure:"min_segment_seconds"`
	MaxSegment     float64       `mapstructure:"max_segment_seconds"`
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path"` // empty = auto-detect
	ProbePath  string `mapstructure:"probe_path"`  // empty = auto-detect
	Preset     string `mapstructure:"preset"`      // x264 preset for segment encodes
}

// RunnerConfig holds render job runner configuration.
type RunnerConfig struct {
	Workers      int           `mapstructure:"workers"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	WorkerID     string        `mapstructure:"worker_id"`
}

// KafkaConfig holds optional job intake and event publication settings.
type KafkaConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Brokers      []string `mapstructure:"brokers"`
	Group        string   `mapstructure:"group"`
	RequestTopic string   `mapstructure:"request_topic"`
	EventTopic   string   `mapstructure:"event_topic"`
}

// RedisConfig holds optional progress mirror settings.
type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with REELFORGE_ and use underscores for nesting.
// Example: REELFORGE_RENDER_MAX_CONCURRENCY=4.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/reelforge")
		v.AddConfigPath("$HOME/.reelforge")
	}

	v.SetEnvPrefix("REELFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.log_requests", true)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "reelforge.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Storage defaults
	v.SetDefault("storage.workspace_dir", "")
	v.SetDefault("storage.sweep_cron", "0 */30 * * * *")
	v.SetDefault("storage.sweep_age", defaultSweepAge)
	v.SetDefault("storage.min_free_space", defaultMinFreeSpace)

	// Service defaults
	v.SetDefault("services.projects_url", "")
	v.SetDefault("services.assets_url", "")
	v.SetDefault("services.compiler_url", "")
	v.SetDefault("services.shared_secret", "")
	v.SetDefault("services.timeout", defaultServiceTimeout)
	v.SetDefault("services.retry_attempts", defaultRetryAttempts)
	v.SetDefault("services.retry_delay", defaultRetryDelay)
	v.SetDefault("services.compile_timeout", defaultCompileTimeout)

	// Render defaults
	v.SetDefault("render.max_concurrency", 0)
	v.SetDefault("render.task_timeout", defaultTaskTimeout)
	v.SetDefault("render.allowed_hosts", []string{})
	v.SetDefault("render.runtime_dir", "./runtime")
	v.SetDefault("render.browser_path", "")
	v.SetDefault("render.frame_buffer", defaultFrameBuffer)
	v.SetDefault("render.min_segment_seconds", defaultMinSegmentSeconds)
	v.SetDefault("render.max_segment_seconds", defaultMaxSegmentSeconds)

	// FFmpeg defaults
	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")
	v.SetDefault("ffmpeg.preset", "veryfast")

	// Runner defaults
	v.SetDefault("runner.workers", defaultWorkerCount)
	v.SetDefault("runner.poll_interval", defaultPollInterval)
	v.SetDefault("runner.job_timeout", defaultJobTimeout)
	v.SetDefault("runner.max_attempts", 1)
	v.SetDefault("runner.worker_id", "")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group", "reelforge")
	v.SetDefault("kafka.request_topic", "render.requests")
	v.SetDefault("kafka.event_topic", "render.events")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "render:status:")
	v.SetDefault("redis.ttl", 24*time.Hour)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Render.MaxConcurrency < 0 {
		return fmt.Errorf("render.max_concurrency must not be negative")
	}
	if c.Render.FrameBuffer < 1 {
		return fmt.Errorf("render.frame_buffer must be at least 1")
	}
	if c.Render.MinSegment <= 0 || c.Render.MaxSegment < c.Render.MinSegment {
		return fmt.Errorf("render.min_segment_seconds must be positive and not exceed render.max_segment_seconds")
	}

	if c.Runner.Workers < 1 {
		return fmt.Errorf("runner.workers must be at least 1")
	}

	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
