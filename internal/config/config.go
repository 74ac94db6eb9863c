// Package config loads the closed configuration set from spec.md §6 (plus
// the additional knobs original_source/src/config.rs registers as GUCs)
// through viper, the way the teacher's internal/config loads BD_/BEADS_
// environment variables and bd.toml. Here the prefix is TRICKLE_ and the
// file is trickle.toml.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// UserTriggerMode selects how the refresh executor applies deltas when the
// stream table storage has user-defined row triggers attached.
type UserTriggerMode string

const (
	UserTriggersAuto UserTriggerMode = "auto"
	UserTriggersOn   UserTriggerMode = "on"
	UserTriggersOff  UserTriggerMode = "off"
)

// DiamondConsistencyMode selects whether diamond fan-in consistency groups
// refresh atomically in one transaction (one SAVEPOINT per member).
type DiamondConsistencyMode string

const (
	DiamondConsistencyNone   DiamondConsistencyMode = "none"
	DiamondConsistencyAtomic DiamondConsistencyMode = "atomic"
)

// CDCMode selects the change-capture mechanism. Only "trigger" is
// implemented by this build; "wal" and "auto" are accepted by config
// parsing (matching the original prototype's GUC) but rejected at load
// time, per SPEC_FULL.md §2.14 / §3.
type CDCMode string

const (
	CDCModeTrigger CDCMode = "trigger"
	CDCModeAuto    CDCMode = "auto"
	CDCModeWAL     CDCMode = "wal"
)

// Config is the resolved, validated configuration for one trickled process.
type Config struct {
	Enabled                    bool
	SchedulerInterval          time.Duration
	MinScheduleSeconds         int
	MaxConsecutiveErrors       int
	DifferentialMaxChangeRatio float64
	CleanupUseTruncate         bool
	MergePlannerHints          bool
	MergeWorkMemMB             int
	UsePreparedStatements      bool
	UserTriggers               UserTriggerMode
	BlockSourceDDL             bool
	BufferAlertThreshold       int64
	MaxConcurrentRefreshes     int
	CDCMode                    CDCMode
	DiamondConsistency         DiamondConsistencyMode

	DatabaseURL string
}

const envPrefix = "TRICKLE"

// New builds a *viper.Viper pre-populated with defaults and wired to read
// TRICKLE_* environment variables and a trickle.toml config file from the
// current directory or /etc/trickled, in that precedence order (flags,
// set by the caller via BindPFlags, take priority over both).
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("trickle")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/trickled")

	v.SetDefault("enabled", true)
	v.SetDefault("scheduler_interval_ms", 1000)
	v.SetDefault("min_schedule_seconds", 60)
	v.SetDefault("max_consecutive_errors", 3)
	v.SetDefault("differential_max_change_ratio", 0.15)
	v.SetDefault("cleanup_use_truncate", true)
	v.SetDefault("merge_planner_hints", true)
	v.SetDefault("merge_work_mem_mb", 64)
	v.SetDefault("use_prepared_statements", true)
	v.SetDefault("user_triggers", string(UserTriggersAuto))
	v.SetDefault("block_source_ddl", false)
	v.SetDefault("buffer_alert_threshold", 1_000_000)
	v.SetDefault("max_concurrent_refreshes", 4)
	v.SetDefault("cdc_mode", string(CDCModeTrigger))
	v.SetDefault("diamond_consistency", string(DiamondConsistencyNone))
	v.SetDefault("database_url", "")

	return v
}

// Load reads config from v (merging any trickle.toml found on the search
// path) and validates the closed set, returning a ready-to-use Config.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read trickle.toml: %w", err)
		}
	}

	cfg := &Config{
		Enabled:                    v.GetBool("enabled"),
		SchedulerInterval:          time.Duration(v.GetInt("scheduler_interval_ms")) * time.Millisecond,
		MinScheduleSeconds:         v.GetInt("min_schedule_seconds"),
		MaxConsecutiveErrors:       v.GetInt("max_consecutive_errors"),
		DifferentialMaxChangeRatio: v.GetFloat64("differential_max_change_ratio"),
		CleanupUseTruncate:         v.GetBool("cleanup_use_truncate"),
		MergePlannerHints:          v.GetBool("merge_planner_hints"),
		MergeWorkMemMB:             v.GetInt("merge_work_mem_mb"),
		UsePreparedStatements:      v.GetBool("use_prepared_statements"),
		UserTriggers:               UserTriggerMode(v.GetString("user_triggers")),
		BlockSourceDDL:             v.GetBool("block_source_ddl"),
		BufferAlertThreshold:       v.GetInt64("buffer_alert_threshold"),
		MaxConcurrentRefreshes:     v.GetInt("max_concurrent_refreshes"),
		CDCMode:                    CDCMode(v.GetString("cdc_mode")),
		DiamondConsistency:         DiamondConsistencyMode(v.GetString("diamond_consistency")),
		DatabaseURL:                v.GetString("database_url"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.UserTriggers {
	case UserTriggersAuto, UserTriggersOn, UserTriggersOff:
	default:
		return fmt.Errorf("invalid user_triggers value %q", c.UserTriggers)
	}
	switch c.DiamondConsistency {
	case DiamondConsistencyNone, DiamondConsistencyAtomic:
	default:
		return fmt.Errorf("invalid diamond_consistency value %q", c.DiamondConsistency)
	}
	switch c.CDCMode {
	case CDCModeTrigger:
	case CDCModeAuto, CDCModeWAL:
		return fmt.Errorf("cdc_mode %q is not supported in this build: only trigger-based CDC is implemented", c.CDCMode)
	default:
		return fmt.Errorf("invalid cdc_mode value %q", c.CDCMode)
	}
	if c.DifferentialMaxChangeRatio < 0 || c.DifferentialMaxChangeRatio > 1 {
		return fmt.Errorf("differential_max_change_ratio must be in [0,1], got %v", c.DifferentialMaxChangeRatio)
	}
	if c.MinScheduleSeconds < 1 {
		return fmt.Errorf("min_schedule_seconds must be >= 1, got %d", c.MinScheduleSeconds)
	}
	return nil
}
