// Package agent wires a debugging session to its front-end: configuration,
// condition evaluation, hit capture, metrics, the hit journal and the
// command protocol.
package agent

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aivorynet/ipa-go/pkg/breakpoint"
	"github.com/aivorynet/ipa-go/pkg/capture"
	"github.com/aivorynet/ipa-go/pkg/luaeval"
)

// Config holds the agent configuration.
type Config struct {
	APIKey      string `yaml:"api_key"`
	BackendURL  string `yaml:"backend_url"`
	Environment string `yaml:"environment"`
	Debug       bool   `yaml:"debug"`

	// SamplingRate applies to captures sent to the front-end. Stop decisions
	// are never sampled.
	SamplingRate float64 `yaml:"sampling_rate"`

	PageSize int `yaml:"page_size"`
	Capacity int `yaml:"capacity"`

	CatchCalls      string `yaml:"catch_calls"`
	CatchExceptions string `yaml:"catch_exceptions"`

	JournalPath string        `yaml:"journal_path"`
	EvalTimeout time.Duration `yaml:"eval_timeout"`

	MaxStackDepth     int `yaml:"max_stack_depth"`
	MaxCaptureDepth   int `yaml:"max_capture_depth"`
	MaxStringLength   int `yaml:"max_string_length"`
	MaxCollectionSize int `yaml:"max_collection_size"`

	Hostname string `yaml:"-"`
	AgentID  string `yaml:"-"`
}

// NewConfig creates a new configuration with defaults from environment variables.
func NewConfig(options ...ConfigOption) *Config {
	limits := capture.DefaultLimits()
	cfg := &Config{
		APIKey:            getEnvOrDefault("IPA_API_KEY", ""),
		BackendURL:        getEnvOrDefault("IPA_BACKEND_URL", ""),
		Environment:       getEnvOrDefault("IPA_ENVIRONMENT", "development"),
		Debug:             getEnvOrDefault("IPA_DEBUG", "false") == "true",
		SamplingRate:      getEnvFloatOrDefault("IPA_SAMPLING_RATE", 1.0),
		PageSize:          getEnvIntOrDefault("IPA_PAGE_SIZE", breakpoint.DefaultPageSize),
		Capacity:          getEnvIntOrDefault("IPA_CAPACITY", breakpoint.DefaultCapacity),
		CatchCalls:        getEnvOrDefault("IPA_CATCH_CALLS", ""),
		CatchExceptions:   getEnvOrDefault("IPA_CATCH_EXCEPTIONS", ""),
		JournalPath:       getEnvOrDefault("IPA_JOURNAL_PATH", ""),
		EvalTimeout:       getEnvDurationOrDefault("IPA_EVAL_TIMEOUT", luaeval.DefaultTimeout),
		MaxStackDepth:     getEnvIntOrDefault("IPA_MAX_STACK_DEPTH", limits.MaxStackDepth),
		MaxCaptureDepth:   getEnvIntOrDefault("IPA_MAX_DEPTH", limits.MaxVariableDepth),
		MaxStringLength:   getEnvIntOrDefault("IPA_MAX_STRING_LENGTH", limits.MaxStringLength),
		MaxCollectionSize: getEnvIntOrDefault("IPA_MAX_COLLECTION_SIZE", limits.MaxCollectionSize),
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cfg.Hostname = hostname
	cfg.AgentID = generateAgentID()

	for _, opt := range options {
		opt(cfg)
	}

	return cfg
}

// LoadConfigFile reads a YAML file over the environment defaults, then
// applies options. Unknown keys are rejected.
func LoadConfigFile(path string, options ...ConfigOption) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := NewConfig()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	for _, opt := range options {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the registry geometry and the limits.
func (c *Config) Validate() error {
	switch {
	case c.PageSize <= 0:
		return fmt.Errorf("invalid config: page_size must be positive, got %d", c.PageSize)
	case c.Capacity < c.PageSize:
		return fmt.Errorf("invalid config: capacity %d is smaller than page_size %d", c.Capacity, c.PageSize)
	case c.EvalTimeout <= 0:
		return fmt.Errorf("invalid config: eval_timeout must be positive, got %s", c.EvalTimeout)
	case c.SamplingRate < 0 || c.SamplingRate > 1:
		return fmt.Errorf("invalid config: sampling_rate must be within [0, 1], got %g", c.SamplingRate)
	}
	return nil
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithBackendURL sets the front-end URL. An empty URL runs the agent without
// a front-end link.
func WithBackendURL(url string) ConfigOption {
	return func(c *Config) {
		c.BackendURL = url
	}
}

// WithEnvironment sets the environment name.
func WithEnvironment(env string) ConfigOption {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithSamplingRate sets the sampling rate.
func WithSamplingRate(rate float64) ConfigOption {
	return func(c *Config) {
		c.SamplingRate = rate
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) {
		c.Debug = debug
	}
}

// WithRegistryGeometry sets the breakpoint table page size and capacity.
func WithRegistryGeometry(pageSize, capacity int) ConfigOption {
	return func(c *Config) {
		c.PageSize = pageSize
		c.Capacity = capacity
	}
}

// WithWatchlists sets the call and exception watch-lists.
func WithWatchlists(calls, exceptions string) ConfigOption {
	return func(c *Config) {
		c.CatchCalls = calls
		c.CatchExceptions = exceptions
	}
}

// WithJournalPath enables the hit journal.
func WithJournalPath(path string) ConfigOption {
	return func(c *Config) {
		c.JournalPath = path
	}
}

// WithEvalTimeout bounds condition evaluation.
func WithEvalTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.EvalTimeout = d
	}
}

// ShouldSample returns true if the current capture should be sent.
func (c *Config) ShouldSample() bool {
	if c.SamplingRate >= 1.0 {
		return true
	}
	if c.SamplingRate <= 0.0 {
		return false
	}

	var b [8]byte
	rand.Read(b[:])
	r := float64(b[0]) / 256.0
	return r < c.SamplingRate
}

// Limits returns the capture limits.
func (c *Config) Limits() capture.Limits {
	return capture.Limits{
		MaxStackDepth:     c.MaxStackDepth,
		MaxVariableDepth:  c.MaxCaptureDepth,
		MaxStringLength:   c.MaxStringLength,
		MaxCollectionSize: c.MaxCollectionSize,
	}
}

// LogLevel returns the level matching Debug.
func (c *Config) LogLevel() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func generateAgentID() string {
	timestamp := fmt.Sprintf("%x", time.Now().Unix())
	random := make([]byte, 4)
	rand.Read(random)
	return fmt.Sprintf("agent-%s-%s", timestamp, hex.EncodeToString(random))
}
