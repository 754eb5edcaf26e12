package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every process-wide setting. It is built once by Load at
// startup and passed down explicitly; nothing in this package holds state.
type Config struct {
	// HTTP server
	Port string

	// Redis connection and key namespace shared by the API and workers.
	RedisHost string
	RedisPort int
	RedisDB   int
	KeyPrefix string

	// MetaTTL bounds the advisory metadata cache. LockTTL bounds the
	// per-user active lock; it must cover the longest plausible download
	// so the lock is not lost mid-transfer.
	MetaTTL time.Duration
	LockTTL time.Duration

	// JobTimeout is the advisory upper bound a worker grants one task.
	JobTimeout time.Duration

	// Filesystem and external tooling.
	DownloadRoot string
	FFmpegPath   string

	// Provider credentials.
	InstagramCookieFile string

	// Preview sink (S3/R2). Empty bucket disables re-hosting.
	S3Region      string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3EndpointURL string
	S3BaseURL     string
	S3PublicRead  bool
}

// Load reads the configuration from the environment and prepares the
// download root directory.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      getEnvWithDefault("PORT", "8080"),
		RedisHost: getEnvWithDefault("REDIS_HOST", "localhost"),
		RedisPort: getEnvInt("REDIS_PORT", 6379),
		RedisDB:   getEnvInt("REDIS_DB", 0),
		KeyPrefix: getEnvWithDefault("REDIS_PREFIX", "vdl:"),

		MetaTTL:    getEnvDuration("META_TTL", 10*time.Minute),
		LockTTL:    getEnvDuration("LOCK_TTL", time.Hour),
		JobTimeout: getEnvDuration("JOB_TIMEOUT", time.Hour),

		DownloadRoot: getEnvWithDefault("DOWNLOAD_FOLDER", "downloads"),
		FFmpegPath:   getEnvWithDefault("FFMPEG_PATH", "ffmpeg"),

		InstagramCookieFile: os.Getenv("INSTAGRAM_COOKIE_FILE"),

		S3Region:      getEnvWithDefault("AWS_REGION", "auto"),
		S3Bucket:      os.Getenv("S3_BUCKET"),
		S3AccessKey:   os.Getenv("AWS_ACCESS_KEY_ID"),
		S3SecretKey:   os.Getenv("AWS_SECRET_ACCESS_KEY"),
		S3EndpointURL: os.Getenv("AWS_ENDPOINT_URL"),
		S3BaseURL:     os.Getenv("S3_BASE_URL"),
		S3PublicRead:  getEnvWithDefault("S3_PUBLIC_READ", "true") == "true",
	}

	if err := os.MkdirAll(cfg.DownloadRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create download folder: %w", err)
	}
	return cfg, nil
}

// RedisAddr returns the host:port pair for the Redis client.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
