// Package config loads application configuration from an optional yaml file
// and GLUCOGRAPH_-prefixed environment variables, with defaults for every
// clinically sensitive threshold.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/glucograph/glucograph/internal/patterns"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig     `yaml:"store" mapstructure:"store"`
	Image    ImageConfig     `yaml:"image" mapstructure:"image"`
	Extract  ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Patterns patterns.Config `yaml:"patterns" mapstructure:"patterns"`
	Range    RangeConfig     `yaml:"range" mapstructure:"range"`
	Batch    BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Log      LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the reading store.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ImageConfig configures image normalization.
type ImageConfig struct {
	MinWidth            int     `yaml:"min_width" mapstructure:"min_width"`
	MinHeight           int     `yaml:"min_height" mapstructure:"min_height"`
	DeskewToleranceDeg  float64 `yaml:"deskew_tolerance_deg" mapstructure:"deskew_tolerance_deg"`
	CropConfidenceFloor float64 `yaml:"crop_confidence_floor" mapstructure:"crop_confidence_floor"`
	OCRLanguage         string  `yaml:"ocr_language" mapstructure:"ocr_language"`
}

// ExtractConfig configures reading reconstruction.
type ExtractConfig struct {
	MergeWindow    time.Duration `yaml:"merge_window" mapstructure:"merge_window"`
	ValueTolerance float64       `yaml:"value_tolerance" mapstructure:"value_tolerance"`
	LookbackDays   int           `yaml:"lookback_days" mapstructure:"lookback_days"`
}

// RangeConfig configures time-in-range aggregation.
type RangeConfig struct {
	TargetLow       float64 `yaml:"target_low" mapstructure:"target_low"`
	TargetHigh      float64 `yaml:"target_high" mapstructure:"target_high"`
	ConfidenceFloor float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
}

// BatchConfig configures batch image analysis.
type BatchConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml (optional) and the
// environment, layered over defaults.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("GLUCOGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := patterns.DefaultConfig()

	v.SetDefault("store.path", "glucograph.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("image.min_width", 200)
	v.SetDefault("image.min_height", 150)
	v.SetDefault("image.deskew_tolerance_deg", 0.5)
	v.SetDefault("image.crop_confidence_floor", 0.5)
	v.SetDefault("image.ocr_language", "eng")
	v.SetDefault("extract.merge_window", "10m")
	v.SetDefault("extract.value_tolerance", 10.0)
	v.SetDefault("extract.lookback_days", 14)
	v.SetDefault("patterns.dawn_baseline_start_min", def.DawnBaselineStartMin)
	v.SetDefault("patterns.dawn_baseline_end_min", def.DawnBaselineEndMin)
	v.SetDefault("patterns.dawn_wake_start_min", def.DawnWakeStartMin)
	v.SetDefault("patterns.dawn_wake_end_min", def.DawnWakeEndMin)
	v.SetDefault("patterns.dawn_delta", def.DawnDelta)
	v.SetDefault("patterns.recurrence_fraction", def.RecurrenceFraction)
	v.SetDefault("patterns.min_recurrence", def.MinRecurrence)
	v.SetDefault("patterns.post_meal_interval", def.PostMealInterval.String())
	v.SetDefault("patterns.spike_ceiling", def.SpikeCeiling)
	v.SetDefault("patterns.overnight_start_min", def.OvernightStartMin)
	v.SetDefault("patterns.overnight_end_min", def.OvernightEndMin)
	v.SetDefault("patterns.hypo_floor", def.HypoFloor)
	v.SetDefault("patterns.variability_window", def.VariabilityWindow.String())
	v.SetDefault("patterns.stddev_threshold", def.StdDevThreshold)
	v.SetDefault("patterns.cv_threshold", def.CVThreshold)
	v.SetDefault("patterns.caution_factor", def.CautionFactor)
	v.SetDefault("patterns.urgent_factor", def.UrgentFactor)
	v.SetDefault("range.target_low", 70.0)
	v.SetDefault("range.target_high", 180.0)
	v.SetDefault("range.confidence_floor", 0.3)
	v.SetDefault("batch.workers", 4)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
