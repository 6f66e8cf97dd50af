package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the topiclane service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogFormat        string

	AllowAnyOrigin bool
	// AuthJWTSecret enables HS256 bearer auth on /v1 routes when set.
	AuthJWTSecret string

	DatabaseURL  string
	TodoBoltPath string

	TodoBusyRetryDelay      time.Duration
	TodoRateLimitRetryDelay time.Duration
	TodoSendTimeout         time.Duration
	LaneTaskTimeout         time.Duration

	RateLimitPerMinute int
	RateLimitBurst     int

	MessageSenderMode string
	MessageSenderURL  string

	TopicGenerationTimeout time.Duration
	DriveResyncInterval    time.Duration

	AutoActivateOwners []string

	// TracingEndpoint is an OTLP/HTTP host:port. Empty disables export.
	TracingEndpoint string
	TracingInsecure bool
}

// fileConfig is the optional YAML layer named by APP_CONFIG_FILE. Unset
// fields keep the built-in defaults; environment variables win over both.
type fileConfig struct {
	BindAddr         string         `yaml:"bind_addr"`
	ShutdownTimeout  *time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string         `yaml:"metrics_namespace"`
	Log              struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	AllowAnyOrigin *bool `yaml:"allow_any_origin"`
	Auth           struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Store struct {
		DatabaseURL string `yaml:"database_url"`
		BoltPath    string `yaml:"bolt_path"`
	} `yaml:"store"`
	Todo struct {
		BusyRetryDelay      *time.Duration `yaml:"busy_retry_delay"`
		RateLimitRetryDelay *time.Duration `yaml:"rate_limit_retry_delay"`
		SendTimeout         *time.Duration `yaml:"send_timeout"`
	} `yaml:"todo"`
	Lanes struct {
		TaskTimeout *time.Duration `yaml:"task_timeout"`
	} `yaml:"lanes"`
	RateLimit struct {
		PerMinute *int `yaml:"per_minute"`
		Burst     *int `yaml:"burst"`
	} `yaml:"rate_limit"`
	Sender struct {
		Mode string `yaml:"mode"`
		URL  string `yaml:"url"`
	} `yaml:"sender"`
	Topics struct {
		GenerationTimeout *time.Duration `yaml:"generation_timeout"`
	} `yaml:"topics"`
	Drive struct {
		ResyncInterval *time.Duration `yaml:"resync_interval"`
	} `yaml:"drive"`
	AutoActivate []string `yaml:"auto_activate"`
	Tracing      struct {
		Endpoint string `yaml:"endpoint"`
		Insecure *bool  `yaml:"insecure"`
	} `yaml:"tracing"`
}

func defaults() Config {
	return Config{
		BindAddr:                ":8080",
		ShutdownTimeout:         15 * time.Second,
		MetricsNamespace:        "topiclane",
		LogLevel:                "info",
		LogFormat:               "json",
		MessageSenderMode:       "auto",
		TodoBusyRetryDelay:      300 * time.Millisecond,
		TodoRateLimitRetryDelay: 2 * time.Second,
		TodoSendTimeout:         2 * time.Minute,
		RateLimitPerMinute:      20,
		RateLimitBurst:          5,
		TopicGenerationTimeout:  2 * time.Minute,
		DriveResyncInterval:     30 * time.Second,
		TracingInsecure:         true,
	}
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := defaults()
	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("APP_LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("APP_LOG_FORMAT", cfg.LogFormat))
	cfg.AuthJWTSecret = envOrDefault("APP_JWT_SECRET", cfg.AuthJWTSecret)
	cfg.DatabaseURL = strings.TrimSpace(envOrDefault("DATABASE_URL", cfg.DatabaseURL))
	cfg.TodoBoltPath = strings.TrimSpace(envOrDefault("TODO_BOLT_PATH", cfg.TodoBoltPath))
	cfg.MessageSenderMode = strings.ToLower(strings.TrimSpace(envOrDefault("MESSAGE_SENDER_MODE", cfg.MessageSenderMode)))
	cfg.MessageSenderURL = strings.TrimSpace(envOrDefault("MESSAGE_SENDER_URL", cfg.MessageSenderURL))
	cfg.TracingEndpoint = strings.TrimSpace(envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.TracingEndpoint))
	if v := stringsTrimSpace("APP_AUTO_ACTIVATE"); v != "" {
		cfg.AutoActivateOwners = splitList(v)
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"TODO_BUSY_RETRY_DELAY", &cfg.TodoBusyRetryDelay},
		{"TODO_RATE_LIMIT_RETRY_DELAY", &cfg.TodoRateLimitRetryDelay},
		{"TODO_SEND_TIMEOUT", &cfg.TodoSendTimeout},
		{"LANE_TASK_TIMEOUT", &cfg.LaneTaskTimeout},
		{"TOPIC_GENERATION_TIMEOUT", &cfg.TopicGenerationTimeout},
		{"DRIVE_RESYNC_INTERVAL", &cfg.DriveResyncInterval},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.RateLimitPerMinute, err = intFromEnv("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitBurst, err = intFromEnv("RATE_LIMIT_BURST", cfg.RateLimitBurst)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.TracingInsecure, err = boolFromEnv("OTEL_EXPORTER_OTLP_INSECURE", cfg.TracingInsecure)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints on a loaded config.
func (cfg Config) Validate() error {
	if cfg.TodoBusyRetryDelay <= 0 {
		return fmt.Errorf("TODO_BUSY_RETRY_DELAY must be positive")
	}
	if cfg.TodoRateLimitRetryDelay <= 0 {
		return fmt.Errorf("TODO_RATE_LIMIT_RETRY_DELAY must be positive")
	}
	if cfg.TodoSendTimeout < 0 {
		return fmt.Errorf("TODO_SEND_TIMEOUT must be >= 0")
	}
	if cfg.LaneTaskTimeout < 0 {
		return fmt.Errorf("LANE_TASK_TIMEOUT must be >= 0")
	}
	if cfg.RateLimitPerMinute < 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be >= 0")
	}
	if cfg.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive")
	}
	if cfg.TopicGenerationTimeout < time.Second {
		return fmt.Errorf("TOPIC_GENERATION_TIMEOUT must be at least 1s")
	}
	if cfg.DriveResyncInterval < time.Second {
		return fmt.Errorf("DRIVE_RESYNC_INTERVAL must be at least 1s")
	}
	switch cfg.MessageSenderMode {
	case "auto", "http", "mock":
	default:
		return fmt.Errorf("MESSAGE_SENDER_MODE must be one of auto, http, mock")
	}
	if cfg.MessageSenderMode == "http" && cfg.MessageSenderURL == "" {
		return fmt.Errorf("MESSAGE_SENDER_URL is required when MESSAGE_SENDER_MODE=http")
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("APP_LOG_FORMAT must be json or text")
	}
	if cfg.AuthJWTSecret != "" && len(cfg.AuthJWTSecret) < 32 {
		return fmt.Errorf("APP_JWT_SECRET must be at least 32 characters")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.BindAddr, fc.BindAddr)
	setString(&cfg.MetricsNamespace, fc.MetricsNamespace)
	setString(&cfg.LogLevel, strings.ToLower(fc.Log.Level))
	setString(&cfg.LogFormat, strings.ToLower(fc.Log.Format))
	setString(&cfg.AuthJWTSecret, fc.Auth.JWTSecret)
	setString(&cfg.DatabaseURL, fc.Store.DatabaseURL)
	setString(&cfg.TodoBoltPath, fc.Store.BoltPath)
	setString(&cfg.MessageSenderMode, strings.ToLower(fc.Sender.Mode))
	setString(&cfg.MessageSenderURL, fc.Sender.URL)
	setString(&cfg.TracingEndpoint, fc.Tracing.Endpoint)
	if len(fc.AutoActivate) > 0 {
		cfg.AutoActivateOwners = splitList(strings.Join(fc.AutoActivate, ","))
	}
	if fc.Tracing.Insecure != nil {
		cfg.TracingInsecure = *fc.Tracing.Insecure
	}
	if fc.AllowAnyOrigin != nil {
		cfg.AllowAnyOrigin = *fc.AllowAnyOrigin
	}
	if fc.RateLimit.PerMinute != nil {
		cfg.RateLimitPerMinute = *fc.RateLimit.PerMinute
	}
	if fc.RateLimit.Burst != nil {
		cfg.RateLimitBurst = *fc.RateLimit.Burst
	}
	setDuration(&cfg.ShutdownTimeout, fc.ShutdownTimeout)
	setDuration(&cfg.TodoBusyRetryDelay, fc.Todo.BusyRetryDelay)
	setDuration(&cfg.TodoRateLimitRetryDelay, fc.Todo.RateLimitRetryDelay)
	setDuration(&cfg.TodoSendTimeout, fc.Todo.SendTimeout)
	setDuration(&cfg.LaneTaskTimeout, fc.Lanes.TaskTimeout)
	setDuration(&cfg.TopicGenerationTimeout, fc.Topics.GenerationTimeout)
	setDuration(&cfg.DriveResyncInterval, fc.Drive.ResyncInterval)
	return nil
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v *time.Duration) {
	if v != nil {
		*dst = *v
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
