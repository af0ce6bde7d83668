// Package config loads pipeline settings from flags, environment and
// per-form profile files.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix namespaces every environment variable, e.g. PAFILL_CONCURRENCY.
	EnvPrefix = "PAFILL"

	TruncationWindow = "window"
	TruncationHead   = "head"
	TruncationFail   = "fail"

	DefaultLogLevel = "info"
)

// Config holds all pipeline configuration
type Config struct {
	// Resolution
	ConfidenceThreshold float64
	ConflictMargin      float64
	DefaultConfidence   float64
	TruncationPolicy    string
	MaxSourceChars      int
	WindowChars         int
	WindowOverlap       int

	// Validation and filling
	AllowTextTruncation bool
	FillPlaceholder     string

	// Collaborator calls
	MaxAttempts    int
	CallTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Concurrency
	Concurrency      int
	FieldConcurrency int
	QueueSize        int

	// Paths
	ProfilesDir string
	OutputDir   string

	// Text generation service
	LLMEndpoint string
	LLMModel    string
	LLMAPIKey   string

	// Infrastructure
	DatabaseURL  string
	Brokers      []string
	HTTPAddr     string
	OTLPEndpoint string
	LogLevel     string

	// HTTP API
	APIKeys        []string
	MaxUploadBytes int64
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		ConfidenceThreshold: 0.5,
		ConflictMargin:      0.15,
		DefaultConfidence:   0.7,
		TruncationPolicy:    TruncationWindow,
		MaxSourceChars:      24000,
		WindowChars:         2000,
		WindowOverlap:       200,
		MaxAttempts:         3,
		CallTimeout:         30 * time.Second,
		BackoffInitial:      500 * time.Millisecond,
		BackoffMax:          8 * time.Second,
		Concurrency:         4,
		FieldConcurrency:    4,
		QueueSize:           256,
		OutputDir:           "./out",
		LLMEndpoint:         "https://api.openai.com/v1",
		LLMModel:            "gpt-4o-mini",
		Brokers:             []string{"localhost:9092"},
		HTTPAddr:            ":8081",
		LogLevel:            DefaultLogLevel,
		MaxUploadBytes:      32 << 20,
	}
}

// Load parses args and the environment. extra may register command specific
// flags on the returned FlagSet before parsing.
func Load(name string, args []string, extra func(fs *pflag.FlagSet)) (*Config, *pflag.FlagSet, error) {
	cfg := DefaultConfig()
	v := viper.New()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	setupViperEnvironment(v, cfg)
	defineCommandLineFlags(fs, cfg)
	if extra != nil {
		extra(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, nil, fmt.Errorf("bind flags: %w", err)
	}

	populateConfigFromViper(v, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, fs, nil
}

// setupViperEnvironment configures viper with environment variables and defaults
func setupViperEnvironment(v *viper.Viper, cfg *Config) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Environment only; there is no flag for the API key.
	v.SetDefault("llm-api-key", "")
	v.SetDefault("database-url", cfg.DatabaseURL)
	v.SetDefault("api-keys", cfg.APIKeys)
}

// defineCommandLineFlags sets up all command line flags
func defineCommandLineFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.Float64("confidence-threshold", cfg.ConfidenceThreshold, "Answers below this confidence are ambiguous")
	fs.Float64("conflict-margin", cfg.ConflictMargin, "Competing values within this confidence of the winner make an answer ambiguous")
	fs.Float64("default-confidence", cfg.DefaultConfidence, "Confidence assumed when the service reports none")
	fs.String("truncation-policy", cfg.TruncationPolicy, "Oversized referral handling: window, head or fail")
	fs.Int("max-source-chars", cfg.MaxSourceChars, "Maximum referral characters sent per extraction")
	fs.Int("window-chars", cfg.WindowChars, "Window size used when ranking referral text")
	fs.Int("window-overlap", cfg.WindowOverlap, "Characters shared by adjacent windows")
	fs.Bool("allow-text-truncation", cfg.AllowTextTruncation, "Cut text answers to the field's max length instead of rejecting them")
	fs.String("fill-placeholder", cfg.FillPlaceholder, "Text written into unanswered text fields (empty leaves them blank)")
	fs.Int("max-attempts", cfg.MaxAttempts, "Attempts per collaborator call, including the first")
	fs.Duration("call-timeout", cfg.CallTimeout, "Timeout for a single collaborator call")
	fs.Duration("backoff-initial", cfg.BackoffInitial, "First retry delay")
	fs.Duration("backoff-max", cfg.BackoffMax, "Largest retry delay")
	fs.Int("concurrency", cfg.Concurrency, "Cases processed at once")
	fs.Int("field-concurrency", cfg.FieldConcurrency, "Fields processed at once within a case stage")
	fs.Int("queue-size", cfg.QueueSize, "Pending case capacity")
	fs.String("profiles", cfg.ProfilesDir, "Directory of per-form profile YAML files")
	fs.String("output-dir", cfg.OutputDir, "Directory artifacts are published to")
	fs.String("llm-endpoint", cfg.LLMEndpoint, "Base URL of the OpenAI-compatible text-generation service")
	fs.String("llm-model", cfg.LLMModel, "Model requested from the text-generation service")
	fs.StringSlice("brokers", cfg.Brokers, "Kafka-compatible broker addresses")
	fs.String("http-addr", cfg.HTTPAddr, "HTTP listen address")
	fs.String("otlp-endpoint", cfg.OTLPEndpoint, "OTLP gRPC endpoint (empty disables tracing export)")
	fs.String("log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.Int64("max-upload-bytes", cfg.MaxUploadBytes, "Largest accepted case upload")
}

// populateConfigFromViper fills the config struct with values from viper
func populateConfigFromViper(v *viper.Viper, cfg *Config) {
	cfg.ConfidenceThreshold = v.GetFloat64("confidence-threshold")
	cfg.ConflictMargin = v.GetFloat64("conflict-margin")
	cfg.DefaultConfidence = v.GetFloat64("default-confidence")
	cfg.TruncationPolicy = strings.ToLower(v.GetString("truncation-policy"))
	cfg.MaxSourceChars = v.GetInt("max-source-chars")
	cfg.WindowChars = v.GetInt("window-chars")
	cfg.WindowOverlap = v.GetInt("window-overlap")
	cfg.AllowTextTruncation = v.GetBool("allow-text-truncation")
	cfg.FillPlaceholder = v.GetString("fill-placeholder")
	cfg.MaxAttempts = v.GetInt("max-attempts")
	cfg.CallTimeout = v.GetDuration("call-timeout")
	cfg.BackoffInitial = v.GetDuration("backoff-initial")
	cfg.BackoffMax = v.GetDuration("backoff-max")
	cfg.Concurrency = v.GetInt("concurrency")
	cfg.FieldConcurrency = v.GetInt("field-concurrency")
	cfg.QueueSize = v.GetInt("queue-size")
	cfg.ProfilesDir = v.GetString("profiles")
	cfg.OutputDir = v.GetString("output-dir")
	cfg.LLMEndpoint = v.GetString("llm-endpoint")
	cfg.LLMModel = v.GetString("llm-model")
	cfg.LLMAPIKey = v.GetString("llm-api-key")
	cfg.DatabaseURL = v.GetString("database-url")
	cfg.Brokers = v.GetStringSlice("brokers")
	cfg.HTTPAddr = v.GetString("http-addr")
	cfg.OTLPEndpoint = v.GetString("otlp-endpoint")
	cfg.LogLevel = v.GetString("log-level")
	cfg.APIKeys = v.GetStringSlice("api-keys")
	cfg.MaxUploadBytes = v.GetInt64("max-upload-bytes")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("confidence-threshold must be within [0,1]"))
	}
	if c.DefaultConfidence < 0 || c.DefaultConfidence > 1 {
		errs = append(errs, errors.New("default-confidence must be within [0,1]"))
	}
	if c.ConflictMargin < 0 {
		errs = append(errs, errors.New("conflict-margin cannot be negative"))
	}
	switch c.TruncationPolicy {
	case TruncationWindow, TruncationHead, TruncationFail:
	default:
		errs = append(errs, fmt.Errorf("unknown truncation-policy %q", c.TruncationPolicy))
	}
	if c.MaxSourceChars <= 0 {
		errs = append(errs, errors.New("max-source-chars must be positive"))
	}
	if c.WindowChars <= 0 || c.WindowChars > c.MaxSourceChars {
		errs = append(errs, errors.New("window-chars must be positive and no larger than max-source-chars"))
	}
	if c.WindowOverlap < 0 || c.WindowOverlap >= c.WindowChars {
		errs = append(errs, errors.New("window-overlap must be smaller than window-chars"))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max-attempts must be at least 1"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("call-timeout must be positive"))
	}
	if c.Concurrency < 1 || c.FieldConcurrency < 1 {
		errs = append(errs, errors.New("concurrency limits must be at least 1"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("max-upload-bytes must be positive"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output-dir cannot be empty"))
	}

	return errors.Join(errs...)
}

// String renders the configuration with secrets redacted.
func (c *Config) String() string {
	key := ""
	if c.LLMAPIKey != "" {
		key = "[redacted]"
	}
	return fmt.Sprintf("Config{threshold=%.2f, truncation=%s, attempts=%d, timeout=%s, concurrency=%d, output=%s, llm=%s, model=%s, key=%s}",
		c.ConfidenceThreshold, c.TruncationPolicy, c.MaxAttempts, c.CallTimeout,
		c.Concurrency, c.OutputDir, c.LLMEndpoint, c.LLMModel, key)
}
