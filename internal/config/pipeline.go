package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PipelineConfig holds the hot-reloadable tunables of the generation pipeline.
type PipelineConfig struct {
	Poll              PollConfig     `mapstructure:"poll"`
	Dispatch          DispatchConfig `mapstructure:"dispatch"`
	Finalize          FinalizeConfig `mapstructure:"finalize"`
	Watermark         string         `mapstructure:"watermark"`
	RecoveryThreshold time.Duration  `mapstructure:"recoveryThreshold"`
	ViewCacheTTL      time.Duration  `mapstructure:"viewCacheTTL"`
}

type PollConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	MaxAttempts      int           `mapstructure:"maxAttempts"`
	DispatchDeadline time.Duration `mapstructure:"dispatchDeadline"`
	MaxConcurrent    int           `mapstructure:"maxConcurrent"`
	MaxPerSecond     float64       `mapstructure:"maxPerSecond"`
}

type DispatchConfig struct {
	MaxConcurrent    int           `mapstructure:"maxConcurrent"`
	MaxPerSecond     float64       `mapstructure:"maxPerSecond"`
	DispatchDeadline time.Duration `mapstructure:"dispatchDeadline"`
}

type FinalizeConfig struct {
	MaxAttempts      int           `mapstructure:"maxAttempts"`
	MinBackoff       time.Duration `mapstructure:"minBackoff"`
	MaxBackoff       time.Duration `mapstructure:"maxBackoff"`
	DispatchDeadline time.Duration `mapstructure:"dispatchDeadline"`
	MaxConcurrent    int           `mapstructure:"maxConcurrent"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Poll: PollConfig{
			Interval:         30 * time.Second,
			MaxAttempts:      40,
			DispatchDeadline: 60 * time.Second,
			MaxConcurrent:    20,
			MaxPerSecond:     10,
		},
		Dispatch: DispatchConfig{
			MaxConcurrent:    5,
			MaxPerSecond:     2,
			DispatchDeadline: 5 * time.Minute,
		},
		Finalize: FinalizeConfig{
			MaxAttempts:      5,
			MinBackoff:       10 * time.Second,
			MaxBackoff:       5 * time.Minute,
			DispatchDeadline: 5 * time.Minute,
			MaxConcurrent:    10,
		},
		Watermark:         "Created with Songforge",
		RecoveryThreshold: 30 * time.Minute,
		ViewCacheTTL:      5 * time.Minute,
	}
}

type PipelineConfigHolder struct {
	current atomic.Value // holds PipelineConfig
}

// NewStaticPipelineConfig returns a holder that never reloads.
func NewStaticPipelineConfig(cfg PipelineConfig) *PipelineConfigHolder {
	holder := &PipelineConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPipelineConfigHolder(log *zap.Logger) (*PipelineConfigHolder, error) {
	log = log.Named("config.pipeline")
	v := viper.New()

	v.SetConfigName("pipeline")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/songforge")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SONGFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setPipelineDefaults(v, DefaultPipelineConfig())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		log.Info("pipeline config file not found, using defaults")
	}

	cfg, err := decodePipelineConfig(v)
	if err != nil {
		return nil, err
	}
	if err := validatePipelineConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticPipelineConfig(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePipelineConfig(v)
		if err != nil {
			log.Warn("pipeline config reload failed", zap.Error(err))
			return
		}
		if err := validatePipelineConfig(updated); err != nil {
			log.Warn("invalid pipeline config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("pipeline config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *PipelineConfigHolder) Get() PipelineConfig {
	return h.current.Load().(PipelineConfig)
}

// decodePipelineConfig goes through AllSettings so file values are merged
// over defaults key by key.
func decodePipelineConfig(v *viper.Viper) (PipelineConfig, error) {
	var wrapper struct {
		Pipeline PipelineConfig `mapstructure:"pipeline"`
	}
	if err := v.Unmarshal(&wrapper); err != nil {
		return PipelineConfig{}, err
	}
	return wrapper.Pipeline, nil
}

func setPipelineDefaults(v *viper.Viper, d PipelineConfig) {
	v.SetDefault("pipeline.poll.interval", d.Poll.Interval)
	v.SetDefault("pipeline.poll.maxAttempts", d.Poll.MaxAttempts)
	v.SetDefault("pipeline.poll.dispatchDeadline", d.Poll.DispatchDeadline)
	v.SetDefault("pipeline.poll.maxConcurrent", d.Poll.MaxConcurrent)
	v.SetDefault("pipeline.poll.maxPerSecond", d.Poll.MaxPerSecond)
	v.SetDefault("pipeline.dispatch.maxConcurrent", d.Dispatch.MaxConcurrent)
	v.SetDefault("pipeline.dispatch.maxPerSecond", d.Dispatch.MaxPerSecond)
	v.SetDefault("pipeline.dispatch.dispatchDeadline", d.Dispatch.DispatchDeadline)
	v.SetDefault("pipeline.finalize.maxAttempts", d.Finalize.MaxAttempts)
	v.SetDefault("pipeline.finalize.minBackoff", d.Finalize.MinBackoff)
	v.SetDefault("pipeline.finalize.maxBackoff", d.Finalize.MaxBackoff)
	v.SetDefault("pipeline.finalize.dispatchDeadline", d.Finalize.DispatchDeadline)
	v.SetDefault("pipeline.finalize.maxConcurrent", d.Finalize.MaxConcurrent)
	v.SetDefault("pipeline.watermark", d.Watermark)
	v.SetDefault("pipeline.recoveryThreshold", d.RecoveryThreshold)
	v.SetDefault("pipeline.viewCacheTTL", d.ViewCacheTTL)
}

func validatePipelineConfig(cfg PipelineConfig) error {
	if cfg.Poll.Interval <= 0 {
		return errors.New("pipeline.poll.interval must be positive")
	}
	if cfg.Poll.MaxAttempts <= 0 {
		return errors.New("pipeline.poll.maxAttempts must be positive")
	}
	if cfg.Dispatch.MaxPerSecond <= 0 {
		return errors.New("pipeline.dispatch.maxPerSecond must be positive")
	}
	if cfg.Finalize.MaxAttempts <= 0 {
		return errors.New("pipeline.finalize.maxAttempts must be positive")
	}
	if strings.TrimSpace(cfg.Watermark) == "" {
		return errors.New("pipeline.watermark cannot be empty")
	}
	return nil
}
