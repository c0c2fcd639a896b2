package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"imghost/internal/model"
)

// Duration is a time.Duration read from a YAML string such as "2s" or "5m".
type Duration time.Duration

// UnmarshalYAML parses the duration with time.ParseDuration.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// MinioConfig holds the S3-compatible object store settings.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// StorageConfig selects where blobs live: "local" or "minio".
type StorageConfig struct {
	Type      string      `yaml:"type"`
	LocalPath string      `yaml:"local_path"`
	Minio     MinioConfig `yaml:"minio"`
}

// RateLimitConfig selects the token bucket store: "memory" or "redis".
type RateLimitConfig struct {
	Store         string `yaml:"store"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// QueueConfig tunes retries and liveness of processing jobs.
type QueueConfig struct {
	MaxRetries      int      `yaml:"max_retries"`
	BaseBackoff     Duration `yaml:"base_backoff"`
	MaxBackoff      Duration `yaml:"max_backoff"`
	LivenessTimeout Duration `yaml:"liveness_timeout"`
}

// WorkerConfig sizes the variant worker pool.
type WorkerConfig struct {
	PoolSize     int      `yaml:"pool_size"`
	PollInterval Duration `yaml:"poll_interval"`
}

// UploadConfig constrains accepted originals and the default variant set.
type UploadConfig struct {
	AllowedMimeTypes  []string `yaml:"allowed_mime_types"`
	MaxImageDimension int      `yaml:"max_image_dimension"`
	ThumbnailSize     int      `yaml:"thumbnail_size"`
	WebPVariant       bool     `yaml:"webp_variant"`
	// MaxBodyBytes caps a multipart upload request before per-key limits apply.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ScanURL enables malware scanning of new uploads when set.
	ScanURL     string   `yaml:"scan_url"`
	ScanTimeout Duration `yaml:"scan_timeout"`
}

// SweeperConfig holds the expiration and retention schedule.
type SweeperConfig struct {
	Schedule           string `yaml:"schedule"`
	UsageRetentionDays int    `yaml:"usage_retention_days"`
}

// EventsConfig configures the AMQP relay. An empty RelayURL disables it.
type EventsConfig struct {
	RelayURL      string `yaml:"relay_url"`
	Exchange      string `yaml:"exchange"`
	RelaySchedule string `yaml:"relay_schedule"`
	BatchSize     int    `yaml:"batch_size"`
}

// AdminConfig holds configuration for the admin endpoints.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Config holds the configuration for the image host.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Limits    model.Limits    `yaml:"limits"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Upload    UploadConfig    `yaml:"upload"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Events    EventsConfig    `yaml:"events"`
	Admin     AdminConfig     `yaml:"admin"`
	Server    ServerConfig    `yaml:"server"`
	Debug     bool            `yaml:"debug"`
	LogFormat string          `yaml:"log_format"`
}

const envPrefix = "IMGHOST_"

// LoadConfig reads and parses the configuration file. It returns the config and a
// warning listing the defaults that were applied.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("failed to load .env file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// A missing file is fine; environment variables may carry everything.

	if err := applyEnv(&config); err != nil {
		return nil, "", err
	}
	warnings := applyDefaults(&config)

	if err := config.Validate(); err != nil {
		return nil, "", err
	}
	return &config, strings.Join(warnings, "; "), nil
}

func applyDefaults(c *Config) []string {
	var warnings []string
	warn := func(field string, value interface{}) {
		warnings = append(warnings, fmt.Sprintf("%s not set, using default value of %v", field, value))
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
		warn("server.port", c.Server.Port)
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "local"
		warn("storage.type", c.Storage.Type)
	}
	if c.Storage.Type == "local" && c.Storage.LocalPath == "" {
		c.Storage.LocalPath = "./data"
		warn("storage.local_path", c.Storage.LocalPath)
	}
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = "memory"
	}

	rl := &c.Limits.RateLimits
	if rl.RequestsPerMinute == 0 {
		rl.RequestsPerMinute = 60
		warn("limits.rate_limits.requests_per_minute", rl.RequestsPerMinute)
	}
	if rl.RequestsPerHour == 0 {
		rl.RequestsPerHour = 1000
		warn("limits.rate_limits.requests_per_hour", rl.RequestsPerHour)
	}
	if rl.RequestsPerDay == 0 {
		rl.RequestsPerDay = 10000
		warn("limits.rate_limits.requests_per_day", rl.RequestsPerDay)
	}
	if c.Limits.DailyLimit == 0 {
		c.Limits.DailyLimit = rl.RequestsPerDay
	}
	if c.Limits.MonthlyLimit == 0 {
		c.Limits.MonthlyLimit = 30 * rl.RequestsPerDay
	}
	if c.Limits.MaxImages == 0 {
		c.Limits.MaxImages = 10000
	}
	if c.Limits.MaxImageSizeBytes == 0 {
		c.Limits.MaxImageSizeBytes = 10 << 20
	}

	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Queue.BaseBackoff == 0 {
		c.Queue.BaseBackoff = Duration(2 * time.Second)
	}
	if c.Queue.MaxBackoff == 0 {
		c.Queue.MaxBackoff = Duration(5 * time.Minute)
	}
	if c.Queue.LivenessTimeout == 0 {
		c.Queue.LivenessTimeout = Duration(10 * time.Minute)
	}
	if c.Worker.PoolSize == 0 {
		c.Worker.PoolSize = 4
		warn("worker.pool_size", c.Worker.PoolSize)
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = Duration(time.Second)
	}

	if len(c.Upload.AllowedMimeTypes) == 0 {
		c.Upload.AllowedMimeTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	}
	if c.Upload.MaxImageDimension == 0 {
		c.Upload.MaxImageDimension = 4096
	}
	if c.Upload.ThumbnailSize == 0 {
		c.Upload.ThumbnailSize = 256
	}
	if c.Upload.MaxBodyBytes == 0 {
		c.Upload.MaxBodyBytes = 32 << 20
	}
	if c.Upload.ScanTimeout == 0 {
		c.Upload.ScanTimeout = Duration(30 * time.Second)
	}

	if c.Sweeper.Schedule == "" {
		c.Sweeper.Schedule = "@every 5m"
	}
	if c.Sweeper.UsageRetentionDays == 0 {
		c.Sweeper.UsageRetentionDays = 400
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "imghost.events"
	}
	if c.Events.RelaySchedule == "" {
		c.Events.RelaySchedule = "@every 10s"
	}
	if c.Events.BatchSize == 0 {
		c.Events.BatchSize = 100
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	return warnings
}

func applyEnv(c *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}
	str("DATABASE_TYPE", &c.Database.Type)
	str("DATABASE_DSN", &c.Database.DSN)
	str("STORAGE_TYPE", &c.Storage.Type)
	str("STORAGE_LOCAL_PATH", &c.Storage.LocalPath)
	str("MINIO_ENDPOINT", &c.Storage.Minio.Endpoint)
	str("MINIO_ACCESS_KEY", &c.Storage.Minio.AccessKey)
	str("MINIO_SECRET_KEY", &c.Storage.Minio.SecretKey)
	str("MINIO_BUCKET", &c.Storage.Minio.Bucket)
	str("MINIO_REGION", &c.Storage.Minio.Region)
	str("RATE_LIMIT_STORE", &c.RateLimit.Store)
	str("REDIS_ADDR", &c.RateLimit.RedisAddr)
	str("REDIS_PASSWORD", &c.RateLimit.RedisPassword)
	str("EVENTS_RELAY_URL", &c.Events.RelayURL)
	str("ADMIN_PASSWORD", &c.Admin.Password)
	str("SCAN_URL", &c.Upload.ScanURL)
	str("LOG_FORMAT", &c.LogFormat)

	if v := os.Getenv(envPrefix + "PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sPORT %q: %w", envPrefix, v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv(envPrefix + "WORKER_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sWORKER_POOL_SIZE %q: %w", envPrefix, v, err)
		}
		c.Worker.PoolSize = n
	}
	if v := os.Getenv(envPrefix + "CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv(envPrefix + "DEBUG"); v != "" {
		c.Debug = v == "true"
	}
	return nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.Database.Type == "" || c.Database.DSN == "" {
		return fmt.Errorf("database type and dsn must be configured in config.yaml or via environment variables")
	}
	switch c.Storage.Type {
	case "local":
	case "minio":
		if c.Storage.Minio.Endpoint == "" || c.Storage.Minio.Bucket == "" {
			return fmt.Errorf("storage.minio endpoint and bucket are required when storage.type is minio")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	switch c.RateLimit.Store {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("rate_limit.redis_addr is required when rate_limit.store is redis")
		}
	default:
		return fmt.Errorf("unsupported rate limit store: %s", c.RateLimit.Store)
	}
	rl := c.Limits.RateLimits
	if rl.RequestsPerMinute < 0 || rl.RequestsPerHour < 0 || rl.RequestsPerDay < 0 ||
		c.Limits.DailyLimit < 0 || c.Limits.MonthlyLimit < 0 ||
		c.Limits.MaxImages < 0 || c.Limits.MaxImageSizeBytes < 0 {
		return fmt.Errorf("limits must be positive")
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("queue.max_retries must be at least 1")
	}
	if c.Worker.PoolSize < 1 {
		return fmt.Errorf("worker.pool_size must be at least 1")
	}
	return nil
}
