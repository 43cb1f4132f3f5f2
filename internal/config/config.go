// Package config loads and validates rpipe's configuration: the
// connection target, the coalescing queue's size/time thresholds, and
// the expansion knobs (rate limiting, diagnostic trace, multi-shard
// pool, dashboard) that ride alongside the core client.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the client's full configuration surface.
type Config struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	DB            int    `yaml:"db"`
	Password      string `yaml:"password"`
	SocketTimeout string `yaml:"socketTimeout"`

	Encoding        string `yaml:"encoding"`
	EncodingErrors  string `yaml:"encodingErrors"`
	DecodeResponses bool   `yaml:"decodeResponses"`

	CmdMaxSize int    `yaml:"cmdMaxSize"`
	CmdTimeout string `yaml:"cmdTimeout"`
	Parser     string `yaml:"parser"`

	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Trace     TraceConfig     `yaml:"trace"`
	Shards    []string        `yaml:"shards"`
	Dashboard DashboardConfig `yaml:"dashboard"`

	LogDir   string `yaml:"logDir"`
	LogLevel string `yaml:"logLevel"`

	path string
}

// RateLimitConfig throttles batch dispatch. PerSecond <= 0 disables
// the limiter entirely.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"perSecond"`
	Burst     int     `yaml:"burst"`
}

// TraceConfig configures the diagnostic batch trace writer.
type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Codec   string `yaml:"codec"` // "zstd" | "lz4" | "lzf"
	Path    string `yaml:"path"`
}

// DashboardConfig configures the optional live status page.
type DashboardConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and parses a YAML configuration file, applies defaults,
// and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config: path is empty")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", absPath, err)
	}

	cfg.path = absPath
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills in every field the spec names a default for.
func (c *Config) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.Encoding == "" {
		c.Encoding = "utf-8"
	}
	if c.EncodingErrors == "" {
		c.EncodingErrors = "strict"
	}
	if c.CmdMaxSize <= 0 {
		c.CmdMaxSize = 500
	}
	if c.CmdTimeout == "" {
		c.CmdTimeout = "10ms"
	}
	if c.Parser == "" {
		c.Parser = "byte"
	}
	if c.Trace.Codec == "" {
		c.Trace.Codec = "zstd"
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
}

// Validate reports configuration errors that ApplyDefaults cannot
// resolve on its own.
func (c *Config) Validate() error {
	var errs []string

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, "port must be in 1-65535")
	}
	if c.DB < 0 {
		errs = append(errs, "db must be >= 0")
	}
	if c.CmdMaxSize <= 0 {
		errs = append(errs, "cmdMaxSize must be > 0")
	}
	if _, err := c.CmdTimeoutDuration(); err != nil {
		errs = append(errs, fmt.Sprintf("cmdTimeout: %v", err))
	}
	if _, err := c.SocketTimeoutDuration(); err != nil {
		errs = append(errs, fmt.Sprintf("socketTimeout: %v", err))
	}
	switch strings.ToLower(c.Parser) {
	case "", "byte", "native":
	default:
		errs = append(errs, fmt.Sprintf("parser %q is not recognised", c.Parser))
	}
	if c.Trace.Enabled {
		switch c.Trace.Codec {
		case "zstd", "lz4", "lzf":
		default:
			errs = append(errs, fmt.Sprintf("trace.codec %q must be one of zstd, lz4, lzf", c.Trace.Codec))
		}
		if c.Trace.Path == "" {
			errs = append(errs, "trace.path is required when trace.enabled is true")
		}
	}
	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, "rateLimit.perSecond must be >= 0")
	}

	if len(errs) > 0 {
		return &ValidationError{Path: c.path, Errors: errs}
	}
	return nil
}

// ValidationError collects configuration issues found during Validate.
type ValidationError struct {
	Path   string
	Errors []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("config validation failed")
	if e.Path != "" {
		b.WriteString(": ")
		b.WriteString(e.Path)
	}
	for _, err := range e.Errors {
		b.WriteString("\n - ")
		b.WriteString(err)
	}
	return b.String()
}

// Addr returns the "host:port" dial target.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CmdTimeoutDuration parses CmdTimeout, defaulting to 10ms on an empty
// string (ApplyDefaults should already have filled it in).
func (c *Config) CmdTimeoutDuration() (time.Duration, error) {
	if c.CmdTimeout == "" {
		return 10 * time.Millisecond, nil
	}
	return time.ParseDuration(c.CmdTimeout)
}

// SocketTimeoutDuration parses SocketTimeout; an empty string means no
// per-I/O deadline.
func (c *Config) SocketTimeoutDuration() (time.Duration, error) {
	if c.SocketTimeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.SocketTimeout)
}

// RateLimitEnabled reports whether the dispatch-rate limiter should be
// installed.
func (c *Config) RateLimitEnabled() bool {
	return c.RateLimit.PerSecond > 0
}

// Summary returns a one-line overview suitable for startup logging.
func (c *Config) Summary() string {
	return fmt.Sprintf("addr=%s db=%d cmdMaxSize=%d cmdTimeout=%s shards=%d trace=%t dashboard=%q",
		c.Addr(), c.DB, c.CmdMaxSize, c.CmdTimeout, len(c.Shards), c.Trace.Enabled, c.Dashboard.Addr)
}
