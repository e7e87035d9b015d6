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

	"github.com/go-playground/validator/v10"
	"github.com/sethvargo/go-envconfig"
)

// Static errors for configuration validation.
var (
	// ErrRunPodAPIKeyRequired is returned when a RunPod endpoint is set without RUNPOD_API_KEY.
	ErrRunPodAPIKeyRequired = errors.New("config: RUNPOD_API_KEY is required when RUNPOD_ENDPOINT_ID is set")
	// ErrInvalid is returned when a value fails validation.
	ErrInvalid = errors.New("config: invalid value")
)

// Config holds all configuration for the pipeline. Command-line flags
// override these values.
type Config struct {
	// Directories and naming
	ManifestDir    string `env:"SPEECHPREP_MANIFEST_DIR, default=data/manifests" json:"manifest_dir" validate:"required"`
	FbankDir       string `env:"SPEECHPREP_FBANK_DIR, default=data/fbank" json:"fbank_dir" validate:"required"`
	ManifestPrefix string `env:"SPEECHPREP_MANIFEST_PREFIX, default=spa_cuts" json:"manifest_prefix" validate:"required,excludesall=/\\"`
	FeatsPrefix    string `env:"SPEECHPREP_FEATS_PREFIX, default=spa_feats" json:"feats_prefix" validate:"required,excludesall=/\\"`
	Language       string `env:"SPEECHPREP_LANGUAGE, default=Spanish" json:"language" validate:"required"`

	// Manifest building
	ProbeJobs int     `env:"SPEECHPREP_PROBE_JOBS, default=15" json:"probe_jobs" validate:"min=1"`
	Tolerance float64 `env:"SPEECHPREP_TOLERANCE, default=0.001" json:"tolerance" validate:"gte=0"`

	// Feature extraction
	Workers       int           `env:"SPEECHPREP_WORKERS, default=0" json:"workers" validate:"min=0"` // 0 picks a default
	CutTimeout    time.Duration `env:"SPEECHPREP_CUT_TIMEOUT, default=5m" json:"cut_timeout" validate:"gte=0"`
	PerturbSpeed  bool          `env:"SPEECHPREP_PERTURB_SPEED, default=true" json:"perturb_speed"`
	BPEModel      string        `env:"SPEECHPREP_BPE_MODEL" json:"bpe_model,omitempty"`
	MinDuration   float64       `env:"SPEECHPREP_MIN_DURATION, default=0" json:"min_duration" validate:"gte=0"`
	MaxDuration   float64       `env:"SPEECHPREP_MAX_DURATION, default=0" json:"max_duration" validate:"gte=0"`
	SampleRate    int           `env:"SPEECHPREP_SAMPLE_RATE, default=16000" json:"sample_rate" validate:"min=1"`
	NumMelBins    int           `env:"SPEECHPREP_NUM_MEL_BINS, default=80" json:"num_mel_bins" validate:"min=3"`
	ChunkFrames   int           `env:"SPEECHPREP_CHUNK_FRAMES, default=100" json:"chunk_frames" validate:"min=1"`
	MaxShardMB    int           `env:"SPEECHPREP_MAX_SHARD_MB, default=1024" json:"max_shard_mb" validate:"min=1"`
	FFmpegPath    string        `env:"SPEECHPREP_FFMPEG, default=ffmpeg" json:"ffmpeg"`
	FFprobePath   string        `env:"SPEECHPREP_FFPROBE, default=ffprobe" json:"ffprobe"`
	FFmpegThreads int           `env:"SPEECHPREP_FFMPEG_THREADS, default=1" json:"ffmpeg_threads" validate:"min=0"`
	MetricsFile   string        `env:"SPEECHPREP_METRICS_FILE" json:"metrics_file,omitempty"`

	// Optional RunPod executor
	RunPodAPIKey       string        `env:"RUNPOD_API_KEY" json:"-"` // Masked in JSON
	RunPodEndpointID   string        `env:"RUNPOD_ENDPOINT_ID" json:"runpod_endpoint_id,omitempty"`
	RunPodPollInterval time.Duration `env:"RUNPOD_POLL_INTERVAL, default=2s" json:"runpod_poll_interval" validate:"gt=0"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty" validate:"omitempty,url"`
	S3Prefix           string `env:"S3_PREFIX" json:"s3_prefix,omitempty"`
	AWSAccessKeyID     string `env:"AWS_ACCESS_KEY_ID" json:"-"`     // Masked in JSON
	AWSSecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY" json:"-"` // Masked in JSON

	// Logging settings
	LogFormat string `env:"LOG_FORMAT, default=text" json:"log_format" validate:"oneof=text json"`
	LogLevel  string `env:"LOG_LEVEL, default=info" json:"log_level"` // "debug", "info", "warn", "error"
}

// S3Enabled returns true if S3 configuration is provided.
func (c *Config) S3Enabled() bool {
	return c.S3Bucket != "" && c.S3Region != ""
}

// RemoteEnabled returns true if features are computed on RunPod.
func (c *Config) RemoteEnabled() bool {
	return c.RunPodEndpointID != ""
}

// MaxShardBytes returns the shard rollover size in bytes.
func (c *Config) MaxShardBytes() int64 {
	return int64(c.MaxShardMB) << 20
}

// Load reads configuration from environment variables using go-envconfig.
func Load() (*Config, error) {
	return LoadFrom(context.Background(), nil)
}

// LoadFrom reads configuration through lookuper, or the process
// environment when lookuper is nil.
func LoadFrom(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: lookuper,
	}); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Validate checks field constraints and cross-field requirements.
// Call it after flags have been applied.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalid, fe.Field(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.RemoteEnabled() && c.RunPodAPIKey == "" {
		return ErrRunPodAPIKeyRequired
	}
	if c.MaxDuration > 0 && c.MaxDuration < c.MinDuration {
		return fmt.Errorf("%w: max duration %.2f below min duration %.2f", ErrInvalid, c.MaxDuration, c.MinDuration)
	}
	return nil
}

// NewLogger creates a structured logger on stderr based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	return c.NewLoggerTo(os.Stderr)
}

// NewLoggerTo creates a structured logger writing to w.
func (c *Config) NewLoggerTo(w io.Writer) *slog.Logger {
	level := parseLogLevel(c.LogLevel)

	var handler slog.Handler
	if strings.ToLower(c.LogFormat) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level: level,
		})
	}

	return slog.New(handler)
}

// String returns a string representation of the config with sensitive values masked.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{ManifestDir: %s, FbankDir: %s, ManifestPrefix: %s, Workers: %d, CutTimeout: %s, PerturbSpeed: %t, BPEModel: %s, NumMelBins: %d, RunPodEndpointID: %s, RunPodAPIKey: %s, S3Bucket: %s, S3Region: %s, AWSSecretAccessKey: %s, LogFormat: %s, LogLevel: %s}",
		c.ManifestDir,
		c.FbankDir,
		c.ManifestPrefix,
		c.Workers,
		c.CutTimeout,
		c.PerturbSpeed,
		c.BPEModel,
		c.NumMelBins,
		c.RunPodEndpointID,
		mask(c.RunPodAPIKey),
		c.S3Bucket,
		c.S3Region,
		mask(c.AWSSecretAccessKey),
		c.LogFormat,
		c.LogLevel,
	)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "****"
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
