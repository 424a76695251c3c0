package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is passed explicitly to every subscription; nothing here is
// package state.
type Config struct {
	Stream struct {
		URL          string        `yaml:"url"`
		Ticker       string        `yaml:"ticker"`
		DialTimeout  time.Duration `yaml:"dial_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		PingInterval time.Duration `yaml:"ping_interval"`
		ReadLimit    int64         `yaml:"read_limit"`
	} `yaml:"stream"`

	Book struct {
		Limit     int           `yaml:"limit"`
		Highlight time.Duration `yaml:"highlight"`
	} `yaml:"book"`

	Orders struct {
		CancelTimeout time.Duration `yaml:"cancel_timeout"`
	} `yaml:"orders"`

	Reconnect struct {
		MinBackoff time.Duration `yaml:"min_backoff"`
		MaxBackoff time.Duration `yaml:"max_backoff"`
	} `yaml:"reconnect"`

	Auth struct {
		Token  string `yaml:"token"`
		APIKey string `yaml:"api_key"`
	} `yaml:"auth"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Default returns a config pointing at a local venue.
func Default() Config {
	var c Config
	c.Stream.URL = "ws://localhost:8000/ws/orders"
	c.Stream.Ticker = "QNTX"
	c.Stream.DialTimeout = 10 * time.Second
	c.Stream.WriteTimeout = 5 * time.Second
	c.Stream.PingInterval = 15 * time.Second
	c.Stream.ReadLimit = 1 << 20
	c.Book.Limit = 50
	c.Book.Highlight = 3 * time.Second
	c.Reconnect.MinBackoff = 250 * time.Millisecond
	c.Reconnect.MaxBackoff = 8 * time.Second
	c.Logging.Level = "info"
	c.Logging.Format = "text"
	return c
}

// Load reads a YAML file over the defaults, then applies environment
// overrides and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	overrideWithEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// FromEnv is Default plus environment overrides, for running without a
// file.
func FromEnv() (*Config, error) {
	cfg := Default()
	overrideWithEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("BOOKFEED_STREAM_URL"); v != "" {
		cfg.Stream.URL = v
	}
	if v := os.Getenv("BOOKFEED_TICKER"); v != "" {
		cfg.Stream.Ticker = v
	}
	if v := os.Getenv("BOOKFEED_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("BOOKFEED_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
	}
	if v := os.Getenv("BOOKFEED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	u := c.Stream.URL
	if u == "" || (!strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://")) {
		return fmt.Errorf("invalid stream url: %q", u)
	}
	if c.Book.Limit <= 0 {
		return fmt.Errorf("book limit must be positive")
	}
	if c.Book.Highlight < 0 || c.Orders.CancelTimeout < 0 || c.Stream.PingInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.Stream.ReadLimit < 0 {
		return fmt.Errorf("read limit must not be negative")
	}
	if c.Reconnect.MaxBackoff < c.Reconnect.MinBackoff {
		return fmt.Errorf("max backoff %s below min backoff %s", c.Reconnect.MaxBackoff, c.Reconnect.MinBackoff)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds the process logger from the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
