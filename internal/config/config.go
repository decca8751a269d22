package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for visionwatch.
type Config struct {
	Vision VisionConfig `yaml:"vision"`
	Poll   PollConfig   `yaml:"poll"`
	Redis  RedisConfig  `yaml:"redis"`
	Watch  WatchConfig  `yaml:"watch"`
	Log    LogConfig    `yaml:"log"`
}

type VisionConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
}

type PollConfig struct {
	Interval     time.Duration `yaml:"interval"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	MaxNotFound  int           `yaml:"max_not_found"`
}

// RedisConfig is optional; an empty URL disables update fan-out and API rate limiting.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type WatchConfig struct {
	Port            int    `yaml:"port"`
	Env             string `yaml:"env"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	MaxUploadBytes  int64  `yaml:"max_upload_bytes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Vision: VisionConfig{
			RequestTimeout: 30 * time.Second,
			RateLimitRPS:   5,
			RateLimitBurst: 5,
		},
		Poll: PollConfig{
			Interval:     2 * time.Second,
			FetchTimeout: 10 * time.Second,
			MaxNotFound:  5,
		},
		Watch: WatchConfig{
			Port:            8090,
			Env:             "development",
			RateLimitPerMin: 120,
			MaxUploadBytes:  10 << 20,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// VISIONWATCH_CONFIG_FILE, and environment variables, in increasing precedence.
// Returns an error with a descriptive message if any value is missing or invalid.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("VISIONWATCH_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Vision.BaseURL = envString("VISION_API_BASE_URL", cfg.Vision.BaseURL)
	cfg.Vision.RequestTimeout = envDuration("VISION_REQUEST_TIMEOUT", cfg.Vision.RequestTimeout)
	cfg.Vision.RateLimitRPS = envFloat("VISION_RATE_LIMIT_RPS", cfg.Vision.RateLimitRPS)
	cfg.Vision.RateLimitBurst = envInt("VISION_RATE_LIMIT_BURST", cfg.Vision.RateLimitBurst)

	cfg.Poll.Interval = envDuration("POLL_INTERVAL", cfg.Poll.Interval)
	cfg.Poll.FetchTimeout = envDuration("POLL_FETCH_TIMEOUT", cfg.Poll.FetchTimeout)
	cfg.Poll.MaxNotFound = envInt("POLL_MAX_NOT_FOUND", cfg.Poll.MaxNotFound)

	cfg.Redis.URL = envString("REDIS_URL", cfg.Redis.URL)

	cfg.Watch.Port = envInt("WATCH_PORT", cfg.Watch.Port)
	cfg.Watch.Env = envString("WATCH_ENV", cfg.Watch.Env)
	cfg.Watch.RateLimitPerMin = envInt("WATCH_RATE_LIMIT_PER_MIN", cfg.Watch.RateLimitPerMin)
	cfg.Watch.MaxUploadBytes = int64(envInt("WATCH_MAX_UPLOAD_BYTES", int(cfg.Watch.MaxUploadBytes)))

	cfg.Log.Level = strings.ToLower(envString("LOG_LEVEL", cfg.Log.Level))

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.Vision.BaseURL == "" {
		return fmt.Errorf("VISION_API_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Vision.BaseURL, "http://") && !strings.HasPrefix(c.Vision.BaseURL, "https://") {
		return fmt.Errorf("VISION_API_BASE_URL must start with http:// or https://, got %q", c.Vision.BaseURL)
	}
	if c.Vision.RequestTimeout <= 0 {
		return fmt.Errorf("VISION_REQUEST_TIMEOUT must be positive, got %s", c.Vision.RequestTimeout)
	}

	if c.Poll.Interval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.Poll.Interval)
	}
	if c.Poll.FetchTimeout <= 0 {
		return fmt.Errorf("POLL_FETCH_TIMEOUT must be positive, got %s", c.Poll.FetchTimeout)
	}
	if c.Poll.MaxNotFound < 0 {
		return fmt.Errorf("POLL_MAX_NOT_FOUND must be zero or positive, got %d", c.Poll.MaxNotFound)
	}

	if c.Redis.URL != "" && !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if c.Watch.Port <= 0 || c.Watch.Port > 65535 {
		return fmt.Errorf("WATCH_PORT must be between 1 and 65535, got %d", c.Watch.Port)
	}

	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Log.Level)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
