// Package config loads the solve_z parameter table of §6 into a Params struct, following the same
// viper-based pattern niceyeti-tabular's reinforcement package uses for its TrainingConfig: defaults
// set in code, overridable by an optional YAML file and by environment variables, unmarshalled with
// mapstructure tags. It is the only part of this module that touches the environment (§6's
// "Environment" note: only HOSTFILE is environment-coupled).
package config

import (
	"path/filepath"
	"time"

	"github.com/inria-thoth/dicod/dicoderr"
	"github.com/inria-thoth/dicod/internal/strategy"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DebugFlags bundles the construction-time CHECK_* assertions of §7. They are ordinary fields set once
// when Params is built, not mutable globals (Design Notes §9).
type DebugFlags struct {
	CheckWarmBeta        bool    `mapstructure:"check_warm_beta"`
	CheckBeta            bool    `mapstructure:"check_beta"`
	CheckActiveSegments  bool    `mapstructure:"check_active_segments"`
	CheckUpdateContained bool    `mapstructure:"check_update_contained"`
	WarmBetaTol          float64 `mapstructure:"warm_beta_tol"`
	BetaTol              float64 `mapstructure:"beta_tol"`
}

// Params mirrors the "Recognized params" table of §6 exactly, plus the debug flags of §7.
type Params struct {
	NJobs            int           `mapstructure:"n_jobs"`
	WWorld           []int         `mapstructure:"w_world"` // empty means "auto" (topology.FindGridSize)
	Strategy         string        `mapstructure:"strategy"`
	NSeg             int           `mapstructure:"n_seg"` // <= 0 means "auto"
	Tol              float64       `mapstructure:"tol"`
	MaxIter          int           `mapstructure:"max_iter"` // <= 0 means no cap
	Timeout          time.Duration `mapstructure:"timeout"`
	ZPositive        bool          `mapstructure:"z_positive"`
	UseSoftLock      bool          `mapstructure:"use_soft_lock"`
	SoftLockSlack    float64       `mapstructure:"soft_lock_slack"`
	FreezeSupport    bool          `mapstructure:"freeze_support"`
	ReturnZtZ        bool          `mapstructure:"return_ztz"`
	Timing           bool          `mapstructure:"timing"`
	RandomSeed       int64         `mapstructure:"random_state"`
	Hostfile         string        `mapstructure:"hostfile"`
	MaxReactivations int           `mapstructure:"max_reactivations"` // the `patience` open question, §9
	Verbose          int           `mapstructure:"verbose"`
	Debug            DebugFlags    `mapstructure:"debug"`
}

// Default returns the parameter set solve_z uses when the caller supplies none: a single worker
// running LGCD, soft-lock on, no iteration or wall-clock cap.
func Default() Params {
	return Params{
		NJobs:            1,
		Strategy:         "lgcd",
		Tol:              1e-8,
		UseSoftLock:      true,
		SoftLockSlack:    1e-6,
		MaxReactivations: 64,
		Debug: DebugFlags{
			WarmBetaTol: 1e-9,
			BetaTol:     1e-6,
		},
	}
}

// Load builds a Params starting from Default, overridden by an optional YAML file at path (ignored if
// path == "") and then by environment variables, and validates the result. HOSTFILE is the one
// environment variable read outside of an explicit config file (§6).
func Load(path string) (Params, error) {
	defaults := Default()
	vp := viper.New()
	bindDefaults(vp, defaults)
	vp.SetEnvPrefix("dicod")
	if err := vp.BindEnv("hostfile", "HOSTFILE"); err != nil {
		return Params{}, errors.Wrap(err, "config: binding HOSTFILE")
	}

	if path != "" {
		vp.SetConfigFile(path)
		vp.SetConfigType("yaml")
		vp.AddConfigPath(filepath.Dir(path))
		if err := vp.ReadInConfig(); err != nil {
			return Params{}, errors.Wrapf(err, "config: reading %s", path)
		}
	}

	p := defaults
	if err := vp.Unmarshal(&p); err != nil {
		return Params{}, errors.Wrap(err, "config: unmarshalling params")
	}
	if err := Validate(p); err != nil {
		return Params{}, err
	}
	return p, nil
}

func bindDefaults(vp *viper.Viper, p Params) {
	vp.SetDefault("n_jobs", p.NJobs)
	vp.SetDefault("strategy", p.Strategy)
	vp.SetDefault("n_seg", p.NSeg)
	vp.SetDefault("tol", p.Tol)
	vp.SetDefault("max_iter", p.MaxIter)
	vp.SetDefault("timeout", p.Timeout)
	vp.SetDefault("z_positive", p.ZPositive)
	vp.SetDefault("use_soft_lock", p.UseSoftLock)
	vp.SetDefault("soft_lock_slack", p.SoftLockSlack)
	vp.SetDefault("freeze_support", p.FreezeSupport)
	vp.SetDefault("return_ztz", p.ReturnZtZ)
	vp.SetDefault("timing", p.Timing)
	vp.SetDefault("random_state", p.RandomSeed)
	vp.SetDefault("hostfile", p.Hostfile)
	vp.SetDefault("max_reactivations", p.MaxReactivations)
	vp.SetDefault("verbose", p.Verbose)
	vp.SetDefault("debug.warm_beta_tol", p.Debug.WarmBetaTol)
	vp.SetDefault("debug.beta_tol", p.Debug.BetaTol)
}

// Validate checks the fields of Params that don't depend on a particular problem's shapes (§7
// "configuration errors, raised at setup, before spawn"). Shape-dependent checks -- worker count not
// divisible by the grid dimension, a tile too small for its atoms -- are raised by segmentation and
// types/topology once the problem shape is known, at coordinator.Dispatch.
func Validate(p Params) error {
	if p.NJobs < 1 {
		return &dicoderr.ConfigError{Reason: errors.Errorf("n_jobs must be >= 1, got %d", p.NJobs).Error()}
	}
	if _, err := strategy.Parse(p.Strategy); err != nil {
		return &dicoderr.ConfigError{Reason: err.Error()}
	}
	if p.Tol < 0 {
		return &dicoderr.ConfigError{Reason: errors.Errorf("tol must be >= 0, got %g", p.Tol).Error()}
	}
	if p.SoftLockSlack < 0 {
		return &dicoderr.ConfigError{Reason: errors.Errorf("soft_lock_slack must be >= 0, got %g", p.SoftLockSlack).Error()}
	}
	if len(p.WWorld) > 0 {
		total := 1
		for _, a := range p.WWorld {
			if a < 1 {
				return &dicoderr.ConfigError{Reason: errors.Errorf("w_world entries must be >= 1, got %v", p.WWorld).Error()}
			}
			total *= a
		}
		if total != p.NJobs {
			return &dicoderr.ConfigError{Reason: errors.Errorf(
				"w_world %v has product %d, does not match n_jobs %d", p.WWorld, total, p.NJobs).Error()}
		}
	}
	return nil
}
