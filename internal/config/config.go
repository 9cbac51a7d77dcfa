// Package config provides configuration loading from environment variables.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrInvalidPort is returned when PORT is outside 1-65535.
	ErrInvalidPort = errors.New("config: PORT must be between 1 and 65535")
	// ErrNegativeTimeout is returned when FFMPEG_TIMEOUT is negative.
	ErrNegativeTimeout = errors.New("config: FFMPEG_TIMEOUT must not be negative")
	// ErrInvalidSweepInterval is returned when SWEEP_INTERVAL is not positive.
	ErrInvalidSweepInterval = errors.New("config: SWEEP_INTERVAL must be positive")
	// ErrInvalidMaxUpload is returned when MAX_UPLOAD_MB is not positive.
	ErrInvalidMaxUpload = errors.New("config: MAX_UPLOAD_MB must be positive")
	// ErrS3RegionRequired is returned when S3_BUCKET is set without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required when S3_BUCKET is set")
	// ErrS3CredentialsIncomplete is returned when only one of the AWS keys is set.
	ErrS3CredentialsIncomplete = errors.New("config: AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY must be set together")
	// ErrInvalidLogFormat is returned for LOG_FORMAT values other than text or json.
	ErrInvalidLogFormat = errors.New("config: LOG_FORMAT must be text or json")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port            int           `env:"PORT, default=8080" json:"port"`
	MaxUploadMB     int64         `env:"MAX_UPLOAD_MB, default=200" json:"max_upload_mb"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT, default=30s" json:"shutdown_timeout"`
	AllowedOrigins  string        `env:"ALLOWED_ORIGINS" json:"allowed_origins,omitempty"`

	// Storage settings
	TempDir   string `env:"TEMP_DIR, default=/tmp/imagereel" json:"temp_dir"`
	MusicDir  string `env:"MUSIC_DIR, default=./music" json:"music_dir"`
	JobDBPath string `env:"JOB_DB_PATH" json:"job_db_path,omitempty"` // empty keeps jobs in memory

	// Encoder settings
	FFmpegPath       string        `env:"FFMPEG_PATH" json:"ffmpeg_path,omitempty"`
	FFprobePath      string        `env:"FFPROBE_PATH" json:"ffprobe_path,omitempty"`
	FFmpegCandidates string        `env:"FFMPEG_CANDIDATES" json:"ffmpeg_candidates,omitempty"`
	FFmpegTimeout    time.Duration `env:"FFMPEG_TIMEOUT, default=10m" json:"ffmpeg_timeout"` // 0 disables
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL, default=1m" json:"sweep_interval"`
	CollationLang    string        `env:"COLLATION_LANG, default=und" json:"collation_lang"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format"` // "json" or "text"
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"`   // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// Load reads configuration from environment variables using go-envconfig
// and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := envconfig.Process(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.FFmpegTimeout < 0 {
		return ErrNegativeTimeout
	}
	if c.SweepInterval <= 0 {
		return ErrInvalidSweepInterval
	}
	if c.MaxUploadMB <= 0 {
		return ErrInvalidMaxUpload
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		return ErrS3RegionRequired
	}
	if (c.AWSAccessKeyID == "") != (c.AWSSecretAccessKey == "") {
		return ErrS3CredentialsIncomplete
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		return ErrInvalidLogFormat
	}
	return nil
}

// MaxUploadBytes returns the request body limit for uploads.
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// Candidates returns FFMPEG_CANDIDATES split on commas with blanks dropped.
func (c *Config) Candidates() []string {
	return splitList(c.FFmpegCandidates)
}

// Origins returns ALLOWED_ORIGINS split on commas with blanks dropped.
func (c *Config) Origins() []string {
	return splitList(c.AllowedOrigins)
}

// NewLogger creates a structured logger writing to stdout.
func (c *Config) NewLogger() *slog.Logger {
	return c.NewLoggerTo(os.Stdout)
}

// NewLoggerTo creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLoggerTo(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(c.LogLevel)}

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Port: %d, TempDir: %s, MusicDir: %s, JobDBPath: %s, FFmpegPath: %s, FFprobePath: %s, FFmpegTimeout: %s, SweepInterval: %s, MaxUploadMB: %d, CollationLang: %s, S3Bucket: %s, S3Region: %s, S3Endpoint: %s, AWSAccessKeyID: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.TempDir,
		c.MusicDir,
		c.JobDBPath,
		c.FFmpegPath,
		c.FFprobePath,
		c.FFmpegTimeout,
		c.SweepInterval,
		c.MaxUploadMB,
		c.CollationLang,
		c.S3Bucket,
		c.S3Region,
		c.S3Endpoint,
		mask(c.AWSAccessKeyID),
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
