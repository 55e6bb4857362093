package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/engine"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "netbridge.db"
	defaultBackend    = "nethttp"
	defaultEnvFile    = ".env"

	envConfigFile = "NETBRIDGE_CONFIG"
	envEnvFile    = "NETBRIDGE_ENV_FILE"

	envListenAddr          = "NETBRIDGE_LISTEN_ADDR"
	envDBPath              = "NETBRIDGE_DB_PATH"
	envLogLevel            = "NETBRIDGE_LOG_LEVEL"
	envBackend             = "NETBRIDGE_BACKEND"
	envUserAgent           = "NETBRIDGE_USER_AGENT"
	envProxyRules          = "NETBRIDGE_PROXY_RULES"
	envCacheMode           = "NETBRIDGE_CACHE_MODE"
	envEnableQUIC          = "NETBRIDGE_ENABLE_QUIC"
	envEnableHTTP2         = "NETBRIDGE_ENABLE_HTTP2"
	envReadBufferSize      = "NETBRIDGE_READ_BUFFER_SIZE"
	envQueueCapacity       = "NETBRIDGE_QUEUE_CAPACITY"
	envRequestTimeout      = "NETBRIDGE_REQUEST_TIMEOUT"
	envRequestsPerSecond   = "NETBRIDGE_REQUESTS_PER_SECOND"
	envBurst               = "NETBRIDGE_BURST"
	envDisableUploadRewind = "NETBRIDGE_DISABLE_UPLOAD_REWIND"
	envMaxRedirects        = "NETBRIDGE_MAX_REDIRECTS"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	// Backend names the engine backend: nethttp or fasthttp.
	Backend string

	UserAgent           string
	ProxyRules          string
	CacheMode           backend.CacheMode
	EnableQUIC          bool
	EnableHTTP2         bool
	ReadBufferSize      int
	QueueCapacity       int
	RequestTimeout      time.Duration
	RequestsPerSecond   float64
	Burst               int
	DisableUploadRewind bool
	MaxRedirects        int
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	ec := engine.DefaultConfig()
	return Config{
		ListenAddr:     defaultListenAddr,
		DBPath:         defaultDBPath,
		LogLevel:       slog.LevelInfo,
		Backend:        defaultBackend,
		UserAgent:      ec.UserAgent,
		CacheMode:      ec.CacheMode,
		EnableHTTP2:    ec.EnableHTTP2,
		ReadBufferSize: ec.ReadBufferSize,
		QueueCapacity:  ec.QueueCapacity,
		RequestTimeout: ec.RequestTimeout,
		MaxRedirects:   20,
	}
}

// setting binds one configuration key to its environment variable and its
// YAML key. Both sources go through the same parser.
type setting struct {
	env  string
	yaml string
	set  func(*Config, string) error
}

var settings = []setting{
	{envListenAddr, "listen_addr", func(c *Config, v string) error { c.ListenAddr = v; return nil }},
	{envDBPath, "db_path", func(c *Config, v string) error { c.DBPath = v; return nil }},
	{envLogLevel, "log_level", func(c *Config, v string) error { c.LogLevel = parseLogLevel(v); return nil }},
	{envBackend, "backend", func(c *Config, v string) error { c.Backend = strings.ToLower(v); return nil }},
	{envUserAgent, "user_agent", func(c *Config, v string) error { c.UserAgent = v; return nil }},
	{envProxyRules, "proxy_rules", func(c *Config, v string) error { c.ProxyRules = v; return nil }},
	{envCacheMode, "cache_mode", func(c *Config, v string) (err error) {
		c.CacheMode, err = backend.ParseCacheMode(v)
		return err
	}},
	{envEnableQUIC, "enable_quic", func(c *Config, v string) (err error) {
		c.EnableQUIC, err = strconv.ParseBool(v)
		return err
	}},
	{envEnableHTTP2, "enable_http2", func(c *Config, v string) (err error) {
		c.EnableHTTP2, err = strconv.ParseBool(v)
		return err
	}},
	{envReadBufferSize, "read_buffer_size", func(c *Config, v string) (err error) {
		c.ReadBufferSize, err = parseSize(v)
		return err
	}},
	{envQueueCapacity, "queue_capacity", func(c *Config, v string) (err error) {
		c.QueueCapacity, err = parsePositive(v)
		return err
	}},
	{envRequestTimeout, "request_timeout", func(c *Config, v string) (err error) {
		c.RequestTimeout, err = time.ParseDuration(v)
		if err == nil && c.RequestTimeout <= 0 {
			err = fmt.Errorf("must be positive, got %s", v)
		}
		return err
	}},
	{envRequestsPerSecond, "requests_per_second", func(c *Config, v string) (err error) {
		c.RequestsPerSecond, err = strconv.ParseFloat(v, 64)
		if err == nil && c.RequestsPerSecond < 0 {
			err = fmt.Errorf("must not be negative, got %s", v)
		}
		return err
	}},
	{envBurst, "burst", func(c *Config, v string) (err error) {
		c.Burst, err = parsePositive(v)
		return err
	}},
	{envDisableUploadRewind, "disable_upload_rewind", func(c *Config, v string) (err error) {
		c.DisableUploadRewind, err = strconv.ParseBool(v)
		return err
	}},
	{envMaxRedirects, "max_redirects", func(c *Config, v string) (err error) {
		c.MaxRedirects, err = parsePositive(v)
		return err
	}},
}

// Load builds the configuration from defaults, then the YAML file named by
// NETBRIDGE_CONFIG, then environment variables. A .env file (or the one named
// by NETBRIDGE_ENV_FILE) is loaded into the environment first; variables that
// are already set win over it.
func Load() (Config, error) {
	envFile := os.Getenv(envEnvFile)
	if envFile == "" {
		envFile = defaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
	}

	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return Config{}, err
		}
	}

	for _, s := range settings {
		v := os.Getenv(s.env)
		if v == "" {
			continue
		}
		if err := s.set(&cfg, v); err != nil {
			return Config{}, fmt.Errorf("%s: %w", s.env, err)
		}
	}

	return cfg, nil
}

// applyFile overlays the YAML file at path. Unknown keys are rejected so a
// typo does not silently fall back to a default.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	byKey := make(map[string]setting, len(settings))
	for _, s := range settings {
		byKey[s.yaml] = s
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		s, ok := byKey[k]
		if !ok {
			return fmt.Errorf("config file %s: unknown key %q", path, k)
		}
		if raw[k] == nil {
			continue
		}
		if err := s.set(c, fmt.Sprint(raw[k])); err != nil {
			return fmt.Errorf("config file %s: %s: %w", path, k, err)
		}
	}
	return nil
}

// EngineConfig returns the engine settings.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		UserAgent:           c.UserAgent,
		ProxyRules:          c.ProxyRules,
		CacheMode:           c.CacheMode,
		EnableQUIC:          c.EnableQUIC,
		EnableHTTP2:         c.EnableHTTP2,
		ReadBufferSize:      c.ReadBufferSize,
		QueueCapacity:       c.QueueCapacity,
		RequestTimeout:      c.RequestTimeout,
		RequestsPerSecond:   c.RequestsPerSecond,
		Burst:               c.Burst,
		DisableUploadRewind: c.DisableUploadRewind,
	}
}

// parseSize accepts plain byte counts and humanized sizes such as 32KiB.
func parseSize(s string) (int, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n == 0 || n > 1<<30 {
		return 0, fmt.Errorf("size %s out of range", s)
	}
	return int(n), nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
