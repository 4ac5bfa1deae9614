package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"` // empty runs on in-memory stores
	AssetsPath  string `yaml:"assets_path"`
	ChunksPath  string `yaml:"chunks_path"`
	BaseURL     string `yaml:"base_url"`

	MaxFileSize  int64 `yaml:"max_file_size"`
	MaxChunkSize int64 `yaml:"max_chunk_size"`
	MaxChunks    int   `yaml:"max_chunks"`

	TokenSecret    string        `yaml:"token_secret"`
	JWTSecret      string        `yaml:"jwt_secret"`
	StreamTokenTTL time.Duration `yaml:"stream_token_ttl"`
	PageTokenTTL   time.Duration `yaml:"page_token_ttl"`

	RateLimitPerMinute  int           `yaml:"rate_limit_per_minute"`
	EntitlementCacheTTL time.Duration `yaml:"entitlement_cache_ttl"`
	AbuseThreshold      int           `yaml:"abuse_threshold"`

	SessionTTL         time.Duration `yaml:"session_ttl"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`

	AccessLogBuffer  int `yaml:"access_log_buffer"`
	RangeBufferSize  int `yaml:"range_buffer_size"`
	WindowBufferSize int `yaml:"window_buffer_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:        "8080",
		AssetsPath:  "./storage/assets",
		ChunksPath:  "./storage/chunks",
		BaseURL:     "http://localhost:8080",
		MaxFileSize: 10 * 1024 * 1024 * 1024, // 10GB

		MaxChunkSize: 16 * 1024 * 1024,
		MaxChunks:    10000,

		StreamTokenTTL: time.Hour,
		PageTokenTTL:   24 * time.Hour,

		RateLimitPerMinute:  60,
		EntitlementCacheTTL: 15 * time.Minute,
		AbuseThreshold:      10,

		SessionTTL:         48 * time.Hour,
		CompletedRetention: 24 * time.Hour,
		CleanupInterval:    time.Hour,

		AccessLogBuffer:  1024,
		RangeBufferSize:  8 * 1024,
		WindowBufferSize: 1024 * 1024,
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.AssetsPath = getEnv("ASSETS_PATH", c.AssetsPath)
	c.ChunksPath = getEnv("CHUNKS_PATH", c.ChunksPath)
	c.BaseURL = strings.TrimRight(getEnv("BASE_URL", c.BaseURL), "/")

	c.MaxFileSize = getEnvInt64("MAX_FILE_SIZE", c.MaxFileSize)
	c.MaxChunkSize = getEnvInt64("MAX_CHUNK_SIZE", c.MaxChunkSize)
	c.MaxChunks = getEnvInt("MAX_CHUNKS", c.MaxChunks)

	c.TokenSecret = getEnv("TOKEN_SECRET", c.TokenSecret)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)
	c.StreamTokenTTL = getEnvParsedDuration("STREAM_TOKEN_TTL", c.StreamTokenTTL)
	c.PageTokenTTL = getEnvParsedDuration("PAGE_TOKEN_TTL", c.PageTokenTTL)

	c.RateLimitPerMinute = getEnvInt("RATE_LIMIT_PER_MINUTE", c.RateLimitPerMinute)
	c.EntitlementCacheTTL = getEnvParsedDuration("ENTITLEMENT_CACHE_TTL", c.EntitlementCacheTTL)
	c.AbuseThreshold = getEnvInt("ABUSE_THRESHOLD", c.AbuseThreshold)

	c.SessionTTL = getEnvDuration("SESSION_TTL_HOURS", c.SessionTTL)
	c.CompletedRetention = getEnvParsedDuration("COMPLETED_RETENTION", c.CompletedRetention)
	c.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL_HOURS", c.CleanupInterval)

	c.AccessLogBuffer = getEnvInt("ACCESS_LOG_BUFFER", c.AccessLogBuffer)
	c.RangeBufferSize = getEnvInt("RANGE_BUFFER_SIZE", c.RangeBufferSize)
	c.WindowBufferSize = getEnvInt("WINDOW_BUFFER_SIZE", c.WindowBufferSize)
}

// Validate rejects configurations the server cannot run safely with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.TokenSecret) < 16 {
		errs = append(errs, errors.New("TOKEN_SECRET must be at least 16 bytes"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.AssetsPath == "" || c.ChunksPath == "" {
		errs = append(errs, errors.New("ASSETS_PATH and CHUNKS_PATH are required"))
	} else if overlaps(c.AssetsPath, c.ChunksPath) {
		errs = append(errs, errors.New("ASSETS_PATH and CHUNKS_PATH must not contain one another"))
	}

	for name, v := range map[string]int64{
		"MAX_FILE_SIZE":         c.MaxFileSize,
		"MAX_CHUNK_SIZE":        c.MaxChunkSize,
		"MAX_CHUNKS":            int64(c.MaxChunks),
		"RATE_LIMIT_PER_MINUTE": int64(c.RateLimitPerMinute),
		"STREAM_TOKEN_TTL":      int64(c.StreamTokenTTL),
		"PAGE_TOKEN_TTL":        int64(c.PageTokenTTL),
		"SESSION_TTL_HOURS":     int64(c.SessionTTL),
		"CLEANUP_INTERVAL":      int64(c.CleanupInterval),
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	return errors.Join(errs...)
}

func overlaps(a, b string) bool {
	a, errA := filepath.Abs(a)
	b, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return true
	}
	within := func(parent, child string) bool {
		rel, err := filepath.Rel(parent, child)
		return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
	}
	return within(a, b) || within(b, a)
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

// getEnvDuration reads a number of hours.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if hours, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(hours * float64(time.Hour))
		}
	}
	return fallback
}

// getEnvParsedDuration reads a Go duration string such as "15m".
func getEnvParsedDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}
