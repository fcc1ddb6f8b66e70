package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendS3         = "s3"
	BackendFilesystem = "filesystem"
)

type RateLimit struct {
	Limit  int
	Window time.Duration
}

type Config struct {
	Port        string
	BaseURL     string
	DatabaseURL string
	RedisURL    string

	StorageBackend string
	StoragePath    string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKey    string
	S3SecretKey    string
	S3PathStyle    bool

	DefaultExpiry       time.Duration
	CleanupInterval     time.Duration
	OrphanGrace         time.Duration
	SweepRate           float64
	SignedURLTTL        time.Duration
	CacheArchives       bool
	ArchiveBuildTimeout time.Duration

	DownloadRateLimit RateLimit
	APIRateLimit      RateLimit
	UploadRateLimit   RateLimit

	AdminToken    string
	SQSQueueURL   string
	MaxUploadSize int64
	CORSOrigins   []string

	// TrustedProxies lists the CIDRs whose X-Forwarded-For is believed.
	// Empty means the client address is the connection's peer.
	TrustedProxies []string
}

// Load reads the configuration from the environment, after loading a .env
// file from the working directory if there is one.
func Load() *Config {
	_ = godotenv.Load()
	return fromEnv()
}

// LoadFile is Load with an explicit env file, which must exist.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return fromEnv(), nil
}

func fromEnv() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		BaseURL:     strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		StorageBackend: getEnv("STORAGE_BACKEND", BackendFilesystem),
		StoragePath:    getEnv("STORAGE_PATH", "./storage/blobs"),
		S3Bucket:       getEnv("S3_BUCKET", ""),
		S3Region:       getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:     getEnv("S3_ENDPOINT", ""),
		S3AccessKey:    getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:    getEnv("S3_SECRET_ACCESS_KEY", ""),
		S3PathStyle:    getEnvBool("S3_FORCE_PATH_STYLE", false),

		DefaultExpiry:       getEnvDuration("DEFAULT_EXPIRY_HOURS", 30*24*time.Hour),
		CleanupInterval:     getEnvDuration("CLEANUP_INTERVAL_HOURS", 1*time.Hour),
		OrphanGrace:         getEnvDuration("ORPHAN_GRACE_HOURS", 24*time.Hour),
		SweepRate:           getEnvFloat64("SWEEP_DELETES_PER_SECOND", 5),
		SignedURLTTL:        getEnvDuration("SIGNED_URL_TTL", 15*time.Minute),
		CacheArchives:       getEnvBool("CACHE_ARCHIVES", true),
		ArchiveBuildTimeout: getEnvDuration("ARCHIVE_BUILD_TIMEOUT", 30*time.Minute),

		DownloadRateLimit: RateLimit{
			Limit:  getEnvInt("RATE_LIMIT_DOWNLOAD", 30),
			Window: getEnvDuration("RATE_LIMIT_DOWNLOAD_WINDOW", time.Hour),
		},
		APIRateLimit: RateLimit{
			Limit:  getEnvInt("RATE_LIMIT_API", 120),
			Window: getEnvDuration("RATE_LIMIT_API_WINDOW", time.Minute),
		},
		UploadRateLimit: RateLimit{
			Limit:  getEnvInt("RATE_LIMIT_UPLOAD", 10),
			Window: getEnvDuration("RATE_LIMIT_UPLOAD_WINDOW", time.Hour),
		},

		AdminToken:    getEnv("ADMIN_TOKEN", ""),
		SQSQueueURL:   getEnv("SQS_QUEUE_URL", ""),
		MaxUploadSize: getEnvInt64("MAX_UPLOAD_SIZE", 5*1024*1024*1024), // 5GB
		CORSOrigins:   getEnvList("CORS_ORIGINS", []string{"*"}),

		TrustedProxies: getEnvList("TRUSTED_PROXIES", nil),
	}
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	switch c.StorageBackend {
	case BackendS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required for the s3 backend"))
		}
		if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
			errs = append(errs, errors.New("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together"))
		}
	case BackendFilesystem:
		if c.StoragePath == "" {
			errs = append(errs, errors.New("STORAGE_PATH is required for the filesystem backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend))
	}
	for name, rl := range map[string]RateLimit{
		"download": c.DownloadRateLimit,
		"api":      c.APIRateLimit,
		"upload":   c.UploadRateLimit,
	} {
		if rl.Limit <= 0 || rl.Window <= 0 {
			errs = append(errs, fmt.Errorf("%s rate limit needs a positive limit and window", name))
		}
	}
	if _, err := c.TrustedProxyRanges(); err != nil {
		errs = append(errs, err)
	}
	if c.DefaultExpiry <= 0 {
		errs = append(errs, errors.New("DEFAULT_EXPIRY_HOURS must be positive"))
	}
	return errors.Join(errs...)
}

// TrustedProxyRanges parses TrustedProxies. Bare addresses are taken as
// single-host ranges.
func (c *Config) TrustedProxyRanges() ([]*net.IPNet, error) {
	var ranges []*net.IPNet
	for _, entry := range c.TrustedProxies {
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, fmt.Errorf("TRUSTED_PROXIES: invalid address %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				bits = 32
			}
			entry = fmt.Sprintf("%s/%d", entry, bits)
		}
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("TRUSTED_PROXIES: invalid range %q", entry)
		}
		ranges = append(ranges, ipnet)
	}
	return ranges, nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat64(key string, fallback float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s", "15m") or a bare number of hours.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if hours, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(hours * float64(time.Hour))
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
