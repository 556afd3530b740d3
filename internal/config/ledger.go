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

// LedgerConfig carries the runtime tuning knobs of the ledger. It can be
// edited on disk while the process runs.
type LedgerConfig struct {
	CacheTTL          time.Duration `mapstructure:"cacheTTL"`
	CaptureLockTTL    time.Duration `mapstructure:"captureLockTTL"`
	SweepInterval     time.Duration `mapstructure:"sweepInterval"`
	SweepBatchSize    int           `mapstructure:"sweepBatchSize"`
	SweepJobTimeout   time.Duration `mapstructure:"sweepJobTimeout"`
	MaxCatchUpPeriods int           `mapstructure:"maxCatchUpPeriods"`
}

func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{
		CacheTTL:          20 * time.Second,
		CaptureLockTTL:    30 * time.Second,
		SweepInterval:     time.Minute,
		SweepBatchSize:    100,
		SweepJobTimeout:   2 * time.Minute,
		MaxCatchUpPeriods: 24,
	}
}

type LedgerConfigHolder struct {
	current atomic.Value // holds LedgerConfig
}

// NewStaticLedgerConfigHolder returns a holder that never reloads.
func NewStaticLedgerConfigHolder(cfg LedgerConfig) *LedgerConfigHolder {
	holder := &LedgerConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func NewLedgerConfigHolder(log *zap.Logger) (*LedgerConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.ledger")

	v := viper.New()

	v.SetConfigName("ledger")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/tokenledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TOKENLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultLedgerConfig()
	v.SetDefault("ledger.cacheTTL", defaults.CacheTTL)
	v.SetDefault("ledger.captureLockTTL", defaults.CaptureLockTTL)
	v.SetDefault("ledger.sweepInterval", defaults.SweepInterval)
	v.SetDefault("ledger.sweepBatchSize", defaults.SweepBatchSize)
	v.SetDefault("ledger.sweepJobTimeout", defaults.SweepJobTimeout)
	v.SetDefault("ledger.maxCatchUpPeriods", defaults.MaxCatchUpPeriods)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeLedgerConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &LedgerConfigHolder{}
	holder.current.Store(cfg)

	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeLedgerConfig(v)
		if err != nil {
			log.Warn("ledger config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("ledger config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *LedgerConfigHolder) Get() LedgerConfig {
	if h == nil {
		return DefaultLedgerConfig()
	}
	cfg, ok := h.current.Load().(LedgerConfig)
	if !ok {
		return DefaultLedgerConfig()
	}
	return cfg
}

func decodeLedgerConfig(v *viper.Viper) (LedgerConfig, error) {
	var cfg LedgerConfig
	if err := v.UnmarshalKey("ledger", &cfg); err != nil {
		return LedgerConfig{}, err
	}
	if err := validateLedgerConfig(cfg); err != nil {
		return LedgerConfig{}, err
	}
	return cfg.withDefaults(), nil
}

func validateLedgerConfig(cfg LedgerConfig) error {
	if cfg.CacheTTL < 0 {
		return errors.New("ledger.cacheTTL cannot be negative")
	}
	if cfg.CaptureLockTTL < 0 {
		return errors.New("ledger.captureLockTTL cannot be negative")
	}
	if cfg.SweepBatchSize < 0 {
		return errors.New("ledger.sweepBatchSize cannot be negative")
	}
	if cfg.MaxCatchUpPeriods < 0 {
		return errors.New("ledger.maxCatchUpPeriods cannot be negative")
	}
	return nil
}

func (cfg LedgerConfig) withDefaults() LedgerConfig {
	defaults := DefaultLedgerConfig()
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.CaptureLockTTL == 0 {
		cfg.CaptureLockTTL = defaults.CaptureLockTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.SweepBatchSize == 0 {
		cfg.SweepBatchSize = defaults.SweepBatchSize
	}
	if cfg.SweepJobTimeout <= 0 {
		cfg.SweepJobTimeout = defaults.SweepJobTimeout
	}
	if cfg.MaxCatchUpPeriods == 0 {
		cfg.MaxCatchUpPeriods = defaults.MaxCatchUpPeriods
	}
	return cfg
}
