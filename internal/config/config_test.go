package config

import (
	"os"
	"testing"
)

func withEnv(t *testing.T, key, val string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	if err := os.Setenv(key, val); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Enabled {
		t.Error("enabled should default true")
	}
	if cfg.MinScheduleSeconds != 60 {
		t.Errorf("min_schedule_seconds default = %d, want 60", cfg.MinScheduleSeconds)
	}
	if cfg.DifferentialMaxChangeRatio != 0.15 {
		t.Errorf("differential_max_change_ratio default = %v, want 0.15", cfg.DifferentialMaxChangeRatio)
	}
	if cfg.CDCMode != CDCModeTrigger {
		t.Errorf("cdc_mode default = %v, want trigger", cfg.CDCMode)
	}
	if cfg.UserTriggers != UserTriggersAuto {
		t.Errorf("user_triggers default = %v, want auto", cfg.UserTriggers)
	}
}

func TestEnvOverride(t *testing.T) {
	withEnv(t, "TRICKLE_MIN_SCHEDULE_SECONDS", "30")
	withEnv(t, "TRICKLE_ENABLED", "false")
	cfg, err := Load(New())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinScheduleSeconds != 30 {
		t.Errorf("env override min_schedule_seconds = %d, want 30", cfg.MinScheduleSeconds)
	}
	if cfg.Enabled {
		t.Error("env override should have disabled engine")
	}
}

func TestCDCModeWALRejected(t *testing.T) {
	withEnv(t, "TRICKLE_CDC_MODE", "wal")
	if _, err := Load(New()); err == nil {
		t.Fatal("expected cdc_mode=wal to be rejected at load time")
	}
}

func TestInvalidUserTriggers(t *testing.T) {
	withEnv(t, "TRICKLE_USER_TRIGGERS", "sometimes")
	if _, err := Load(New()); err == nil {
		t.Fatal("expected invalid user_triggers to be rejected")
	}
}

func TestDifferentialMaxChangeRatioOutOfRange(t *testing.T) {
	withEnv(t, "TRICKLE_DIFFERENTIAL_MAX_CHANGE_RATIO", "1.5")
	if _, err := Load(New()); err == nil {
		t.Fatal("expected out-of-range ratio to be rejected")
	}
}
