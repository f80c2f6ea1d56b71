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

	"github.com/sethvargo/go-envconfig"

	"github.com/maauso/clipstitch/internal/planner"
	"github.com/maauso/clipstitch/internal/storage"
)

// Static errors for configuration validation.
var (
	// ErrInvalidPort is returned when PORT is outside 1..65535.
	ErrInvalidPort = errors.New("config: PORT must be between 1 and 65535")
	// ErrInvalidCRF is returned when VIDEO_CRF is outside the encoder range.
	ErrInvalidCRF = errors.New("config: VIDEO_CRF must be between 0 and 51")
	// ErrInvalidFPS is returned when OUTPUT_FPS is not positive.
	ErrInvalidFPS = errors.New("config: OUTPUT_FPS must be between 1 and 120")
	// ErrInvalidMaxClips is returned when MAX_CLIPS is below two.
	ErrInvalidMaxClips = errors.New("config: MAX_CLIPS must be 0 (unlimited) or at least 2")
	// ErrInvalidMaxUpload is returned when MAX_UPLOAD_MB is not positive.
	ErrInvalidMaxUpload = errors.New("config: MAX_UPLOAD_MB must be positive")
	// ErrS3RegionRequired is returned when S3_BUCKET is set without S3_REGION.
	ErrS3RegionRequired = errors.New("config: S3_REGION is required when S3_BUCKET is set")
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	Port        int `env:"PORT, default=8080" json:"port"`
	MaxUploadMB int `env:"MAX_UPLOAD_MB, default=256" json:"max_upload_mb"`

	// Storage settings
	TempDir string `env:"TEMP_DIR, default=/tmp/clipstitch" json:"temp_dir"`
	// DBPath enables the SQLite job repository; empty keeps jobs in memory.
	DBPath string `env:"DB_PATH" json:"db_path,omitempty"`

	// Engine settings
	FFmpegPath  string `env:"FFMPEG_PATH, default=ffmpeg" json:"ffmpeg_path"`
	FFprobePath string `env:"FFPROBE_PATH, default=ffprobe" json:"ffprobe_path"`

	// Encoding settings
	VideoCodec   string `env:"VIDEO_CODEC, default=libx264" json:"video_codec"`
	VideoPreset  string `env:"VIDEO_PRESET, default=fast" json:"video_preset"`
	VideoCRF     int    `env:"VIDEO_CRF, default=23" json:"video_crf"`
	AudioCodec   string `env:"AUDIO_CODEC, default=aac" json:"audio_codec"`
	AudioBitrate string `env:"AUDIO_BITRATE, default=128k" json:"audio_bitrate"`
	OutputFPS    int    `env:"OUTPUT_FPS, default=30" json:"output_fps"`

	// Processing settings
	MaxClips int `env:"MAX_CLIPS, default=20" json:"max_clips"`

	// Optional S3 settings
	S3Bucket           string `env:"S3_BUCKET" json:"s3_bucket,omitempty"`
	S3Region           string `env:"S3_REGION" json:"s3_region,omitempty"`
	S3Endpoint         string `env:"S3_ENDPOINT" json:"s3_endpoint,omitempty"`
	S3Prefix           string `env:"S3_PREFIX" json:"s3_prefix,omitempty"`
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

// S3Config returns the storage configuration for S3 publishing.
func (c *Config) S3Config() storage.S3Config {
	return storage.S3Config{
		Bucket:          c.S3Bucket,
		Region:          c.S3Region,
		Endpoint:        c.S3Endpoint,
		Prefix:          c.S3Prefix,
		AccessKeyID:     c.AWSAccessKeyID,
		SecretAccessKey: c.AWSSecretAccessKey,
	}
}

// Settings returns the encoder settings. Fields not configurable through the
// environment keep their defaults.
func (c *Config) Settings() planner.Settings {
	s := planner.DefaultSettings()
	if c.VideoCodec != "" {
		s.VideoCodec = c.VideoCodec
	}
	if c.VideoPreset != "" {
		s.Preset = c.VideoPreset
	}
	if c.VideoCRF > 0 {
		s.CRF = c.VideoCRF
	}
	if c.AudioCodec != "" {
		s.AudioCodec = c.AudioCodec
	}
	if c.AudioBitrate != "" {
		s.AudioBitrate = c.AudioBitrate
	}
	if c.OutputFPS > 0 {
		s.FrameRate = c.OutputFPS
	}
	return s
}

// MaxUploadBytes returns MAX_UPLOAD_MB in bytes.
func (c *Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

// Load reads configuration from environment variables using go-envconfig
// and validates it.
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

// Validate checks value ranges and setting combinations.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ErrInvalidPort)
	}
	if c.VideoCRF < 0 || c.VideoCRF > 51 {
		errs = append(errs, ErrInvalidCRF)
	}
	if c.OutputFPS < 1 || c.OutputFPS > 120 {
		errs = append(errs, ErrInvalidFPS)
	}
	if c.MaxClips != 0 && c.MaxClips < 2 {
		errs = append(errs, ErrInvalidMaxClips)
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, ErrInvalidMaxUpload)
	}
	if c.S3Bucket != "" && c.S3Region == "" {
		errs = append(errs, ErrS3RegionRequired)
	}
	return errors.Join(errs...)
}

// NewLogger creates a structured logger based on the configuration.
// When LogFormat is "json", it outputs JSON logs suitable for production.
// Otherwise, it outputs human-readable text logs.
func (c *Config) NewLogger() *slog.Logger {
	return c.NewLoggerTo(os.Stdout)
}

// NewLoggerTo is NewLogger writing to w.
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
		"Config{Port: %d, TempDir: %s, DBPath: %s, FFmpegPath: %s, VideoCodec: %s, VideoPreset: %s, VideoCRF: %d, OutputFPS: %d, MaxClips: %d, S3Bucket: %s, S3Region: %s, LogFormat: %s, LogLevel: %s}",
		c.Port,
		c.TempDir,
		c.DBPath,
		c.FFmpegPath,
		c.VideoCodec,
		c.VideoPreset,
		c.VideoCRF,
		c.OutputFPS,
		c.MaxClips,
		c.S3Bucket,
		c.S3Region,
		c.LogFormat,
		c.LogLevel,
	)
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
