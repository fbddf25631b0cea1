package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AWS      AWSConfig
	MinIO    MinIOConfig
	Storage  StorageConfig
	Upload   UploadConfig
	Ingest   IngestConfig
	Watcher  WatcherConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	// RunWorkers runs the upload workers, auditor and watcher inside the API process.
	RunWorkers bool
}

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig selects and locates the durable store.
type DatabaseConfig struct {
	Driver     string
	URL        string // if set, used as-is (e.g. postgres://localhost:5432/recvault?sslmode=disable)
	Host       string
	Port       string
	User       string
	Password   string
	DBName     string
	SSLMode    string
	SQLitePath string
}

// RedisConfig holds Redis connection settings. An empty Addr disables cross-process wake-ups.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AWSConfig holds AWS credentials and the recordings bucket.
type AWSConfig struct {
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	RecordingsBucket string
	Endpoint         string
	UsePathStyle     bool
	PartSizeMB       int
}

// MinIOConfig holds settings for an S3-compatible MinIO deployment.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
}

// StorageConfig locates recordings on local disk.
type StorageConfig struct {
	Root           string
	LegacyPrefixes []string
	// CollapseMinRun is the shortest repeated run of path segments collapsed during
	// normalization. 2 keeps dated layouts such as 2025/01/01 intact.
	CollapseMinRun int
}

// Upload backends.
const (
	BackendS3    = "s3"
	BackendMinIO = "minio"
)

// UploadConfig holds queue retry policy and worker sizing.
type UploadConfig struct {
	Backend          string
	MaxRetries       int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	LivenessDeadline time.Duration
	WorkerPoolSize   int
	AuditInterval    time.Duration
	PollInterval     time.Duration
	UploadTimeout    time.Duration
	BreakerFailures  int
	BreakerTimeout   time.Duration
}

// IngestConfig tunes deduplication.
type IngestConfig struct {
	DedupBucket time.Duration
}

// WatcherConfig holds the filesystem fallback settings.
type WatcherConfig struct {
	Enabled         bool
	Extensions      []string
	StabilityWindow time.Duration
	CameraSegment   int
	ScanOnStart     bool
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
			RunWorkers:         getEnvBool("RUN_WORKERS", false),
		},
		Database: DatabaseConfig{
			Driver:     strings.ToLower(getEnv("DB_DRIVER", DriverPostgres)),
			URL:        getEnv("DATABASE_URL", ""),
			Host:       getEnv("DB_HOST", "localhost"),
			Port:       getEnv("DB_PORT", "5432"),
			User:       getEnv("DB_USER", "postgres"),
			Password:   getEnv("DB_PASSWORD", "postgres"),
			DBName:     getEnv("DB_NAME", "recvault"),
			SSLMode:    getEnv("DB_SSLMODE", "disable"),
			SQLitePath: getEnv("SQLITE_PATH", "recvault.db"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		AWS: AWSConfig{
			Region:           getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
			RecordingsBucket: getEnv("AWS_S3_RECORDINGS_BUCKET", "recvault-recordings"),
			Endpoint:         getEnv("AWS_S3_ENDPOINT", ""),
			UsePathStyle:     getEnvBool("AWS_S3_USE_PATH_STYLE", false),
			PartSizeMB:       getEnvInt("AWS_S3_PART_SIZE_MB", 16),
		},
		MinIO: MinIOConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "recordings"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			Region:    getEnv("MINIO_REGION", ""),
		},
		Storage: StorageConfig{
			Root:           getEnv("STORAGE_ROOT", "/recordings"),
			LegacyPrefixes: splitTrim(getEnv("LEGACY_PATH_PREFIXES", ""), ","),
			CollapseMinRun: getEnvInt("PATH_COLLAPSE_MIN_RUN", 2),
		},
		Upload: UploadConfig{
			Backend:          strings.ToLower(getEnv("UPLOAD_BACKEND", BackendS3)),
			MaxRetries:       getEnvInt("MAX_RETRIES", 5),
			BaseBackoff:      getEnvDuration("BASE_BACKOFF", 5*time.Second),
			MaxBackoff:       getEnvDuration("MAX_BACKOFF", 10*time.Minute),
			LivenessDeadline: getEnvDuration("LIVENESS_DEADLINE", 30*time.Minute),
			WorkerPoolSize:   getEnvInt("WORKER_POOL_SIZE", 4),
			AuditInterval:    getEnvDuration("AUDIT_INTERVAL", time.Minute),
			PollInterval:     getEnvDuration("POLL_INTERVAL", 5*time.Second),
			UploadTimeout:    getEnvDuration("UPLOAD_TIMEOUT", 15*time.Minute),
			BreakerFailures:  getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerTimeout:   getEnvDuration("BREAKER_TIMEOUT", 30*time.Second),
		},
		Ingest: IngestConfig{
			DedupBucket: time.Duration(getEnvInt("DEDUP_BUCKET_SECONDS", 1)) * time.Second,
		},
		Watcher: WatcherConfig{
			Enabled:         getEnvBool("WATCHER_ENABLED", false),
			Extensions:      splitTrim(getEnv("WATCH_EXTENSIONS", ".mp4,.fmp4,.ts,.mkv"), ","),
			StabilityWindow: getEnvDuration("WATCH_STABILITY_WINDOW", 10*time.Second),
			CameraSegment:   getEnvInt("WATCH_CAMERA_SEGMENT", 1),
			ScanOnStart:     getEnvBool("WATCH_SCAN_ON_START", true),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER: unknown driver %q", c.Database.Driver))
	}
	switch c.Upload.Backend {
	case BackendS3, BackendMinIO:
	default:
		errs = append(errs, fmt.Errorf("UPLOAD_BACKEND: unknown backend %q", c.Upload.Backend))
	}
	if strings.TrimSpace(c.Storage.Root) == "" {
		errs = append(errs, errors.New("STORAGE_ROOT: required"))
	}
	if c.Storage.CollapseMinRun < 1 {
		errs = append(errs, errors.New("PATH_COLLAPSE_MIN_RUN: must be at least 1"))
	}
	if c.Upload.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("WORKER_POOL_SIZE: must be positive"))
	}
	if c.Upload.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES: must not be negative"))
	}
	if c.Upload.BaseBackoff <= 0 {
		errs = append(errs, errors.New("BASE_BACKOFF: must be positive"))
	}
	if c.Upload.BaseBackoff > c.Upload.MaxBackoff {
		errs = append(errs, errors.New("BASE_BACKOFF: must not exceed MAX_BACKOFF"))
	}
	if c.Upload.LivenessDeadline <= 0 {
		errs = append(errs, errors.New("LIVENESS_DEADLINE: must be positive"))
	}
	if c.Upload.AuditInterval <= 0 {
		errs = append(errs, errors.New("AUDIT_INTERVAL: must be positive"))
	}
	if c.Ingest.DedupBucket < time.Second {
		errs = append(errs, errors.New("DEDUP_BUCKET_SECONDS: must be at least 1"))
	}
	if c.Watcher.Enabled && c.Watcher.CameraSegment < 0 {
		errs = append(errs, errors.New("WATCH_CAMERA_SEGMENT: must not be negative"))
	}
	return errors.Join(errs...)
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
