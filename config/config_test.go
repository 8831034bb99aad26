package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Policy.MinStake != 10 || cfg.Policy.MaxStake != 100 {
		t.Errorf("unexpected stake bounds: %+v", cfg.Policy)
	}
	if cfg.Policy.WindowDuration != 24*time.Hour {
		t.Errorf("expected 24h voting period, got %s", cfg.Policy.WindowDuration)
	}
	if cfg.Policy.VerifyThreshold != 0.66 {
		t.Errorf("expected 0.66 threshold, got %f", cfg.Policy.VerifyThreshold)
	}
	if cfg.Policy.InitialTokenGrant != 1000 {
		t.Errorf("expected 1000 token grant, got %d", cfg.Policy.InitialTokenGrant)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("expected 30s sweep interval, got %s", cfg.SweepInterval)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MIN_STAKE_AMOUNT", "5")
	t.Setenv("MAX_STAKE_AMOUNT", "500")
	t.Setenv("VOTING_PERIOD", "1h")
	t.Setenv("VERIFY_THRESHOLD", "0.75")
	t.Setenv("SWEEP_INTERVAL", "5s")

	cfg := Load()
	if cfg.Policy.MinStake != 5 || cfg.Policy.MaxStake != 500 {
		t.Errorf("unexpected stake bounds: %+v", cfg.Policy)
	}
	if cfg.Policy.WindowDuration != time.Hour {
		t.Errorf("expected 1h voting period, got %s", cfg.Policy.WindowDuration)
	}
	if cfg.Policy.VerifyThreshold != 0.75 {
		t.Errorf("expected 0.75 threshold, got %f", cfg.Policy.VerifyThreshold)
	}
	if cfg.SweepInterval != 5*time.Second {
		t.Errorf("expected 5s sweep interval, got %s", cfg.SweepInterval)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("MIN_STAKE_AMOUNT", "lots")
	t.Setenv("VOTING_PERIOD", "soon")
	t.Setenv("VERIFY_THRESHOLD", "most")

	cfg := Load()
	def := DefaultPolicy()
	if cfg.Policy.MinStake != def.MinStake {
		t.Errorf("expected default min stake, got %d", cfg.Policy.MinStake)
	}
	if cfg.Policy.WindowDuration != def.WindowDuration {
		t.Errorf("expected default voting period, got %s", cfg.Policy.WindowDuration)
	}
	if cfg.Policy.VerifyThreshold != def.VerifyThreshold {
		t.Errorf("expected default threshold, got %f", cfg.Policy.VerifyThreshold)
	}
}
