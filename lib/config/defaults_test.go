package config

import (
	"path/filepath"
	"testing"
	"time"
)

// TestDefaults verifies that Defaults() returns a complete configuration
// with all expected default values set.
func TestDefaults(t *testing.T) {
	cfg := Defaults()

	// Router defaults
	if cfg.Router.BaseDir == "" || !filepath.IsAbs(cfg.Router.BaseDir) {
		t.Errorf("Router.BaseDir should be an absolute path, got: %q", cfg.Router.BaseDir)
	}
	if cfg.Router.WorkingDir == "" {
		t.Error("Router.WorkingDir should not be empty")
	}

	// Tunnel defaults
	if cfg.Tunnel.TunnelLength != 3 {
		t.Errorf("Tunnel.TunnelLength = %d, want 3", cfg.Tunnel.TunnelLength)
	}
	if cfg.Tunnel.ExploratoryLength != 2 {
		t.Errorf("Tunnel.ExploratoryLength = %d, want 2", cfg.Tunnel.ExploratoryLength)
	}
	if cfg.Tunnel.TunnelLifetime != 10*time.Minute {
		t.Errorf("Tunnel.TunnelLifetime = %v, want 10m", cfg.Tunnel.TunnelLifetime)
	}
	if cfg.Tunnel.RebuildLead != 150*time.Second || cfg.Tunnel.ExploratoryRebuildLead != 90*time.Second {
		t.Errorf("rebuild leads = %v/%v, want 150s/90s", cfg.Tunnel.RebuildLead, cfg.Tunnel.ExploratoryRebuildLead)
	}
	if cfg.Tunnel.IPRestriction != 2 {
		t.Errorf("Tunnel.IPRestriction = %d, want 2", cfg.Tunnel.IPRestriction)
	}
	if cfg.Tunnel.AllowZeroHop {
		t.Error("Tunnel.AllowZeroHop should be false by default")
	}

	// Executor defaults
	if cfg.Executor.MinConcurrentBuilds != 2 || cfg.Executor.MaxConcurrentBuilds != 13 {
		t.Errorf("concurrent builds = %d..%d, want 2..13",
			cfg.Executor.MinConcurrentBuilds, cfg.Executor.MaxConcurrentBuilds)
	}
	if cfg.Executor.RequestTimeout != 13*time.Second {
		t.Errorf("Executor.RequestTimeout = %v, want 13s", cfg.Executor.RequestTimeout)
	}
	if cfg.Executor.GracePeriod != time.Minute {
		t.Errorf("Executor.GracePeriod = %v, want 1m", cfg.Executor.GracePeriod)
	}

	// Handler defaults
	if cfg.Handler.MaxHandleAtOnce != 5 {
		t.Errorf("Handler.MaxHandleAtOnce = %d, want 5", cfg.Handler.MaxHandleAtOnce)
	}
	if cfg.Handler.NextHopLookupTimeout != 5*time.Second {
		t.Errorf("Handler.NextHopLookupTimeout = %v, want 5s", cfg.Handler.NextHopLookupTimeout)
	}

	// Throttle defaults
	p := cfg.Throttle.Participating
	if p.Min != 20 || p.Max != 100 || p.Percent != 3 || p.ResetPeriod != 11*time.Minute {
		t.Errorf("Throttle.Participating = %+v", p)
	}
	r := cfg.Throttle.Request
	if r.Min != 45 || r.Max != 165 || r.Percent != 12 || r.ResetPeriod != 2*time.Minute {
		t.Errorf("Throttle.Request = %+v", r)
	}

	// Admission defaults
	if cfg.Admission.MaxParticipatingTunnels != 15000 {
		t.Errorf("Admission.MaxParticipatingTunnels = %d, want 15000", cfg.Admission.MaxParticipatingTunnels)
	}
	if cfg.Admission.SoftLimit() != 7500 {
		t.Errorf("Admission.SoftLimit() = %d, want 7500", cfg.Admission.SoftLimit())
	}

	// Replay defaults
	if cfg.Replay.LongPeriod != 10*time.Minute || cfg.Replay.ShortPeriod != 5*time.Minute {
		t.Errorf("replay periods = %v/%v, want 10m/5m", cfg.Replay.LongPeriod, cfg.Replay.ShortPeriod)
	}

	// Clock defaults
	if len(cfg.Clock.NTPServers) != 0 {
		t.Errorf("Clock.NTPServers should be empty by default, got %v", cfg.Clock.NTPServers)
	}
}

// TestValidate_ValidConfig verifies that valid configurations pass validation
func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()

	if err := Validate(cfg); err != nil {
		t.Errorf("Validate() failed for default config: %v", err)
	}
}

// TestValidate_Invalid verifies that each section rejects out of range values
func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TunnelBuildDefaults)
	}{
		{"tunnel length too long", func(c *TunnelBuildDefaults) { c.Tunnel.TunnelLength = 8 }},
		{"negative exploratory length", func(c *TunnelBuildDefaults) { c.Tunnel.ExploratoryLength = -1 }},
		{"zero quantity", func(c *TunnelBuildDefaults) { c.Tunnel.Quantity = 0 }},
		{"negative backup", func(c *TunnelBuildDefaults) { c.Tunnel.BackupQuantity = -1 }},
		{"short lifetime", func(c *TunnelBuildDefaults) { c.Tunnel.TunnelLifetime = 30 * time.Second }},
		{"rebuild lead past lifetime", func(c *TunnelBuildDefaults) { c.Tunnel.RebuildLead = 11 * time.Minute }},
		{"peer percent zero", func(c *TunnelBuildDefaults) { c.Tunnel.MaxPeerTunnelPercent = 0 }},
		{"max builds below min", func(c *TunnelBuildDefaults) { c.Executor.MaxConcurrentBuilds = 1 }},
		{"zero bandwidth quantum", func(c *TunnelBuildDefaults) { c.Executor.BandwidthQuantumKBps = 0 }},
		{"first hop timeout too long", func(c *TunnelBuildDefaults) { c.Executor.FirstHopTimeout = 20 * time.Second }},
		{"zero sends per pass", func(c *TunnelBuildDefaults) { c.Executor.MaxSendsPerPass = 0 }},
		{"queue bounds inverted", func(c *TunnelBuildDefaults) { c.Handler.MaxQueue = 1 }},
		{"zero handle at once", func(c *TunnelBuildDefaults) { c.Handler.MaxHandleAtOnce = 0 }},
		{"zero lookup rate", func(c *TunnelBuildDefaults) { c.Handler.LookupsPerSecond = 0 }},
		{"throttle percent", func(c *TunnelBuildDefaults) { c.Throttle.Request.Percent = 101 }},
		{"throttle bounds", func(c *TunnelBuildDefaults) { c.Throttle.Participating.Max = 10 }},
		{"throttle reset", func(c *TunnelBuildDefaults) { c.Throttle.Participating.ResetPeriod = 0 }},
		{"admission limit too low", func(c *TunnelBuildDefaults) { c.Admission.MaxParticipatingTunnels = 10 }},
		{"replay shorter than request age", func(c *TunnelBuildDefaults) { c.Replay.ShortPeriod = time.Minute }},
		{"negative replay capacity", func(c *TunnelBuildDefaults) { c.Replay.Capacity = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if _, ok := err.(*validationError); !ok {
				t.Errorf("Validate() should return validationError, got %T", err)
			}
		})
	}
}

// TestValidate_AdmissionDisabled verifies the participating limit is only
// checked when limits are enabled
func TestValidate_AdmissionDisabled(t *testing.T) {
	cfg := Defaults()
	cfg.Admission.LimitsEnabled = false
	cfg.Admission.MaxParticipatingTunnels = 0

	if err := Validate(cfg); err != nil {
		t.Errorf("Validate() failed with limits disabled: %v", err)
	}
}

// TestValidationErrorMessage verifies the error prefix
func TestValidationErrorMessage(t *testing.T) {
	err := newValidationError("Tunnel.Quantity must be at least 1")
	want := "configuration validation failed: Tunnel.Quantity must be at least 1"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
