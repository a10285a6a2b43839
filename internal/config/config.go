package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Paths     PathConfig
	RemoveBG  RemoveBGConfig
	Upload    UploadConfig
	Tracing   TracingConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr       string
	PresignTTL time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency   int
	MaxActiveJobs int
	MetricsAddr   string
}

type StorageConfig struct {
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

// PathConfig holds the flat-file layout used by the exporter, the catalog
// and the batch runner.
type PathConfig struct {
	BackgroundsDir string
	ProductsDir    string
	OutputDir      string
}

type RemoveBGConfig struct {
	Endpoint   string
	HealthPath string
	Timeout    time.Duration
	Tolerance  int
}

type UploadConfig struct {
	MaxFileSizeMB int
	MaxPixels     int64
}

func (u UploadConfig) MaxBytes() int64 {
	return int64(u.MaxFileSizeMB) * 1024 * 1024
}

type TracingConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type RateLimitConfig struct {
	Enabled      bool
	Capacity     int
	Window       time.Duration
	UserIDHeader string
	ComposeCost  int
}

type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:       env("THUMBFORGE_API_ADDR", ":8080"),
			PresignTTL: envDuration("THUMBFORGE_PRESIGN_TTL", 15*time.Minute),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs: envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			MetricsAddr:   env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Enabled:   envBool("MINIO_ENABLED", false),
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "thumbforge"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Paths: PathConfig{
			BackgroundsDir: env("BACKGROUNDS_DIR", "backgrounds"),
			ProductsDir:    env("PRODUCTS_DIR", "products"),
			OutputDir:      env("OUTPUT_DIR", "thumbnails"),
		},
		RemoveBG: RemoveBGConfig{
			Endpoint:   env("REMOVEBG_ENDPOINT", ""),
			HealthPath: env("REMOVEBG_HEALTH_PATH", "/health"),
			Timeout:    envDuration("REMOVEBG_TIMEOUT", 30*time.Second),
			Tolerance:  envInt("REMOVEBG_LOCAL_TOLERANCE", 40),
		},
		Upload: UploadConfig{
			MaxFileSizeMB: envInt("MAX_FILE_SIZE_MB", 10),
			MaxPixels:     int64(envInt("MAX_IMAGE_PIXELS", 50_000_000)),
		},
		Tracing: TracingConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:      envBool("RATE_LIMIT_ENABLED", false),
			Capacity:     envInt("RATE_LIMIT_CAPACITY", 60),
			Window:       envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader: env("RATE_LIMIT_USER_HEADER", "X-User-ID"),
			ComposeCost:  envInt("RATE_LIMIT_COMPOSE_COST", 5),
		},
		Log: LogConfig{
			Level:  env("LOG_LEVEL", "info"),
			Format: env("LOG_FORMAT", "json"),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
