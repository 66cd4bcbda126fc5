// Package config provides configuration loading and management for smlmproc.
// It handles loading configuration from YAML files, environment overrides
// and provides default values.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment variables that override file
// settings, e.g. SMLM_DRIFT_FRAMESTOCOMBINE.
const EnvPrefix = "SMLM"

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores" validate:"gte=1"`
	} `yaml:"processing"`

	// Drift estimation parameters
	Drift struct {
		// FramesToCombine is the number of consecutive frames per chunk
		FramesToCombine int `yaml:"framesToCombine" validate:"gte=1"`

		// TargetSuperPixelNm is the desired histogram pixel size in nm
		TargetSuperPixelNm float64 `yaml:"targetSuperPixelNm" validate:"gt=0"`

		// MaxHistogramBytes bounds memory for all chunk histograms at once
		MaxHistogramBytes int64 `yaml:"maxHistogramBytes" validate:"gt=0"`

		// PeakSearchRadius limits the correlation peak search in histogram
		// pixels; 0 searches the whole canvas
		PeakSearchRadius int `yaml:"peakSearchRadius" validate:"gte=0"`

		// CentroidRadius is the half-size of the peak centroid window
		CentroidRadius int `yaml:"centroidRadius" validate:"gte=0"`
	} `yaml:"drift"`

	// Channel registration parameters
	Registration struct {
		// MaxMatchDistanceNm is the largest distance accepted for a pair
		MaxMatchDistanceNm float64 `yaml:"maxMatchDistanceNm" validate:"gt=0"`

		// MinPairs is the minimum number of pairs for a calibration
		MinPairs int `yaml:"minPairs" validate:"gte=3"`

		// Neighbors per local fit
		Neighbors int `yaml:"neighbors" validate:"gte=2"`

		// PolynomialOrder of the local fits
		PolynomialOrder int `yaml:"polynomialOrder" validate:"oneof=1 2"`
	} `yaml:"registration"`

	// Linking parameters
	Linking struct {
		// ProgressEvery is the number of pixel cells between progress reports
		ProgressEvery int `yaml:"progressEvery" validate:"gte=1"`
	} `yaml:"linking"`

	// Logging parameters
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `yaml:"level" validate:"oneof=debug info warn error"`

	// Format is text or json
	Format string `yaml:"format" validate:"oneof=text json"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumCores = runtime.NumCPU()

	cfg.Drift.FramesToCombine = 200
	cfg.Drift.TargetSuperPixelNm = 40
	cfg.Drift.MaxHistogramBytes = 512 << 20
	cfg.Drift.PeakSearchRadius = 0
	cfg.Drift.CentroidRadius = 1

	cfg.Registration.MaxMatchDistanceNm = 1000
	cfg.Registration.MinPairs = 6
	cfg.Registration.Neighbors = 6
	cfg.Registration.PolynomialOrder = 1

	cfg.Linking.ProgressEvery = 256

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"

	return cfg
}

// LoadConfig loads configuration from a YAML file and applies
// environment overrides. If the file doesn't exist, the defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("error reading config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error reading environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field against its constraints
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// NewLogger builds a slog logger writing to w as configured. Unknown
// levels fall back to info.
func NewLogger(cfg LoggingConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
