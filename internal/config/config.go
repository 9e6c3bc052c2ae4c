package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the main application configuration
type Config struct {
	ServerPort    int             `json:"server_port"`
	JWTSecret     string          `json:"-"`
	SessionSecret string          `json:"-"`
	LogLevel      string          `json:"log_level"`
	Database      DatabaseConfig  `json:"database"`
	Redis         RedisConfig     `json:"redis"`
	Kafka         KafkaConfig     `json:"kafka"`
	Detection     DetectionConfig `json:"detection"`
	Worker        WorkerConfig    `json:"worker"`
	Upload        UploadConfig    `json:"upload"`
	Notify        NotifyConfig    `json:"notify"`
	RateLimit     RateLimitConfig `json:"rate_limit"`
}

// DatabaseConfig configures the MySQL store.
type DatabaseConfig struct {
	DSN             string        `json:"-"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	AutoMigrate     bool          `json:"auto_migrate"`
}

// RedisConfig configures the cache layer.
type RedisConfig struct {
	Addr      string `json:"addr"`
	Password  string `json:"-"`
	DB        int    `json:"db"`
	KeyPrefix string `json:"key_prefix"`
}

// KafkaConfig configures the event pipeline. The pipeline is optional: with
// Enable false the rest of the system runs unchanged.
type KafkaConfig struct {
	Enable   bool     `json:"enable"`
	Brokers  []string `json:"brokers"`
	Topic    string   `json:"topic"`
	ClientID string   `json:"client_id"`
}

// DetectionConfig tunes threat alert batching and the aggregate conditions.
type DetectionConfig struct {
	FlushInterval         time.Duration `json:"flush_interval"`
	MaxBatchSize          int           `json:"max_batch_size"`
	PatternWindow         time.Duration `json:"pattern_window"`
	PatternThreshold      int64         `json:"pattern_threshold"`
	MassIncidentWindow    time.Duration `json:"mass_incident_window"`
	MassIncidentThreshold int64         `json:"mass_incident_threshold"`
}

// WorkerConfig tunes the scan worker poll loop.
type WorkerConfig struct {
	PollInterval   time.Duration `json:"poll_interval"`
	MaxConcurrent  int64         `json:"max_concurrent"`
	ErrorThreshold int           `json:"error_threshold"`
	MaxBackoff     time.Duration `json:"max_backoff"`
}

// UploadConfig restricts accepted model files.
type UploadConfig struct {
	MaxSizeBytes int64    `json:"max_size_bytes"`
	Formats      []string `json:"formats"`
	StorageDir   string   `json:"storage_dir"`
}

// NotifyConfig tunes offline notification storage and alert fan-out.
type NotifyConfig struct {
	BacklogCap           int           `json:"backlog_cap"`
	BacklogTTL           time.Duration `json:"backlog_ttl"`
	BroadcastMinSeverity string        `json:"broadcast_min_severity"`
}

// RateLimitConfig tunes per-IP request limiting.
type RateLimitConfig struct {
	Window time.Duration `json:"window"`
	Limit  int           `json:"limit"`
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		ServerPort:    getEnvInt("SERVER_PORT", 9000),
		JWTSecret:     getEnv("JWT_SECRET", "change-me-in-production"),
		SessionSecret: getEnv("SESSION_SECRET", "change-me-too-in-production"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			DSN:             getEnv("DATABASE_DSN", "modelsentry:modelsentry@tcp(localhost:3306)/modelsentry?charset=utf8mb4&parseTime=True&loc=UTC"),
			MaxOpenConns:    getEnvInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DATABASE_CONN_MAX_LIFETIME", time.Hour),
			AutoMigrate:     getEnvBool("DATABASE_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "modelsentry"),
		},
		Kafka: KafkaConfig{
			Enable:   getEnvBool("KAFKA_ENABLE", false),
			Brokers:  strings.Split(getEnv("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:    getEnv("KAFKA_TOPIC", "modelsentry-events"),
			ClientID: getEnv("KAFKA_CLIENT_ID", "modelsentry"),
		},
		Detection: DetectionConfig{
			FlushInterval:         getEnvDuration("DETECTION_FLUSH_INTERVAL", 15*time.Second),
			MaxBatchSize:          getEnvInt("DETECTION_MAX_BATCH_SIZE", 500),
			PatternWindow:         getEnvDuration("DETECTION_PATTERN_WINDOW", time.Hour),
			PatternThreshold:      int64(getEnvInt("DETECTION_PATTERN_THRESHOLD", 5)),
			MassIncidentWindow:    getEnvDuration("DETECTION_MASS_INCIDENT_WINDOW", 10*time.Minute),
			MassIncidentThreshold: int64(getEnvInt("DETECTION_MASS_INCIDENT_THRESHOLD", 20)),
		},
		Worker: WorkerConfig{
			PollInterval:   getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
			MaxConcurrent:  int64(getEnvInt("WORKER_MAX_CONCURRENT", 4)),
			ErrorThreshold: getEnvInt("WORKER_ERROR_THRESHOLD", 5),
			MaxBackoff:     getEnvDuration("WORKER_MAX_BACKOFF", 5*time.Minute),
		},
		Upload: UploadConfig{
			MaxSizeBytes: int64(getEnvInt("UPLOAD_MAX_SIZE_MB", 2048)) * 1024 * 1024,
			Formats:      strings.Split(getEnv("UPLOAD_FORMATS", "pt,pth,onnx,pb,h5,safetensors,pkl,joblib,gguf"), ","),
			StorageDir:   getEnv("UPLOAD_STORAGE_DIR", "./uploads"),
		},
		Notify: NotifyConfig{
			BacklogCap:           getEnvInt("NOTIFY_BACKLOG_CAP", 100),
			BacklogTTL:           getEnvDuration("NOTIFY_BACKLOG_TTL", 7*24*time.Hour),
			BroadcastMinSeverity: getEnv("NOTIFY_BROADCAST_MIN_SEVERITY", "low"),
		},
		RateLimit: RateLimitConfig{
			Window: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			Limit:  getEnvInt("RATE_LIMIT_REQUESTS", 100),
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port must be in (0, 65535], got %d", c.ServerPort)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("DATABASE_DSN is required")
	}

	if c.Detection.FlushInterval < time.Second {
		return fmt.Errorf("detection flush_interval must be at least 1 second")
	}

	if c.Detection.PatternThreshold <= 0 || c.Detection.MassIncidentThreshold <= 0 {
		return fmt.Errorf("detection thresholds must be positive")
	}

	if c.Worker.MaxConcurrent <= 0 {
		return fmt.Errorf("worker max_concurrent must be positive")
	}

	if c.Worker.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("worker poll_interval must be at least 100ms")
	}

	if c.Upload.MaxSizeBytes <= 0 {
		return fmt.Errorf("upload max size must be positive")
	}

	if len(c.Upload.Formats) == 0 {
		return fmt.Errorf("at least one upload format must be allowed")
	}

	return nil
}

// getEnv retrieves environment variable with fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool retrieves boolean environment variable with fallback
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvInt retrieves integer environment variable with fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration retrieves duration environment variable with fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
