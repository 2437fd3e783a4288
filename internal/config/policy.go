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

// Policy tunes the reconciliation cycle. Values are hot reloaded from
// waterstats.yml.
type Policy struct {
	// HourlyBuffer is the minimum age of an hourly bucket before it is
	// reported; upstream keeps revising the newest hours.
	HourlyBuffer time.Duration `mapstructure:"hourlyBuffer"`
	DailyBuffer  time.Duration `mapstructure:"dailyBuffer"`
	// HourlyLookback caps the hourly fetch window.
	HourlyLookback time.Duration `mapstructure:"hourlyLookback"`
	DailyLookback  time.Duration `mapstructure:"dailyLookback"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxConcurrent  int           `mapstructure:"maxConcurrent"`
	PassTimeout    time.Duration `mapstructure:"passTimeout"`
	// MeterRefresh is how long the meter directory is cached.
	MeterRefresh time.Duration `mapstructure:"meterRefresh"`
}

func DefaultPolicy() Policy {
	return Policy{
		HourlyBuffer:   2 * time.Hour,
		DailyBuffer:    24 * time.Hour,
		HourlyLookback: 7 * 24 * time.Hour,
		DailyLookback:  45 * 24 * time.Hour,
		Interval:       4 * time.Hour,
		MaxConcurrent:  4,
		PassTimeout:    5 * time.Minute,
		MeterRefresh:   24 * time.Hour,
	}
}

type PolicyHolder struct {
	current atomic.Value // holds Policy
}

// NewStaticPolicyHolder returns a holder that never reloads.
func NewStaticPolicyHolder(p Policy) *PolicyHolder {
	holder := &PolicyHolder{}
	holder.current.Store(p)
	return holder
}

func NewPolicyHolder(log *zap.Logger) (*PolicyHolder, error) {
	return LoadPolicyHolder(log, "/var/lib/waterstats/config", "/etc/waterstats", ".")
}

// LoadPolicyHolder reads waterstats.yml from the first matching path and
// watches it for changes.
func LoadPolicyHolder(log *zap.Logger, paths ...string) (*PolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.policy")

	v := viper.New()
	v.SetConfigName("waterstats")
	v.SetConfigType("yml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("WATERSTATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPolicy()
	v.SetDefault("reconcile.hourlyBuffer", defaults.HourlyBuffer)
	v.SetDefault("reconcile.dailyBuffer", defaults.DailyBuffer)
	v.SetDefault("reconcile.hourlyLookback", defaults.HourlyLookback)
	v.SetDefault("reconcile.dailyLookback", defaults.DailyLookback)
	v.SetDefault("reconcile.interval", defaults.Interval)
	v.SetDefault("reconcile.maxConcurrent", defaults.MaxConcurrent)
	v.SetDefault("reconcile.passTimeout", defaults.PassTimeout)
	v.SetDefault("reconcile.meterRefresh", defaults.MeterRefresh)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileFound = false
	}

	cfg, err := unmarshalPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticPolicyHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalPolicy(v)
		if err != nil {
			log.Warn("reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *PolicyHolder) Get() Policy {
	return h.current.Load().(Policy)
}

type policyFile struct {
	Reconcile Policy `mapstructure:"reconcile"`
}

func unmarshalPolicy(v *viper.Viper) (Policy, error) {
	var file policyFile
	if err := v.Unmarshal(&file); err != nil {
		return Policy{}, err
	}
	if err := ValidatePolicy(file.Reconcile); err != nil {
		return Policy{}, err
	}
	return file.Reconcile, nil
}

func ValidatePolicy(p Policy) error {
	var errs []error
	if p.HourlyBuffer < 0 || p.DailyBuffer < 0 {
		errs = append(errs, errors.New("reconcile buffers cannot be negative"))
	}
	if p.HourlyLookback <= 0 || p.HourlyLookback > 7*24*time.Hour {
		errs = append(errs, errors.New("reconcile.hourlyLookback must be within (0, 168h]"))
	}
	if p.DailyLookback <= 0 {
		errs = append(errs, errors.New("reconcile.dailyLookback must be positive"))
	}
	if p.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be positive"))
	}
	if p.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("reconcile.maxConcurrent must be positive"))
	}
	if p.PassTimeout <= 0 {
		errs = append(errs, errors.New("reconcile.passTimeout must be positive"))
	}
	return errors.Join(errs...)
}
