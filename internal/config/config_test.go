package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleYAML = `
mode: stdio
dry_run: false
venues:
  - name: SIMULATED
snapshot:
  dir: /tmp/core-snapshots
  max_snapshots: 5
risk:
  max_order_notional: 10000
  max_position_notional: 50000
  max_leverage: 3
strategy:
  gamma: 0.1
  order_size_usd: 100
`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	t.Parallel()
	path := writeTempConfig(t, sampleYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(cfg.Venues) != 1 || cfg.Venues[0].Name != "SIMULATED" {
		t.Errorf("venues not parsed: %+v", cfg.Venues)
	}
	if cfg.Risk.MaxLeverage != 3 {
		t.Errorf("risk.max_leverage=%v, want 3", cfg.Risk.MaxLeverage)
	}
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, sampleYAML)
	t.Setenv("CORE_VENUE_API_KEY", "env-key")
	t.Setenv("CORE_VENUE_API_SECRET", "env-secret")
	t.Setenv("CORE_DRY_RUN", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Venues[0].APIKey != "env-key" || cfg.Venues[0].APISecret != "env-secret" {
		t.Errorf("env credential override not applied: %+v", cfg.Venues[0])
	}
	if !cfg.DryRun {
		t.Error("CORE_DRY_RUN=true should set DryRun")
	}
}

func TestValidateRejectsMissingVenues(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Mode:     "stdio",
		Risk:     RiskConfig{MaxOrderNotional: 1, MaxPositionNotional: 1, MaxLeverage: 1},
		Strategy: StrategyConfig{Gamma: 0.1, OrderSizeUSD: 1},
		Snapshot: SnapshotConfig{Dir: "/tmp", MaxSnapshots: 1},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty venues")
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Mode:     "bogus",
		Venues:   []VenueConfig{{Name: "SIMULATED"}},
		Risk:     RiskConfig{MaxOrderNotional: 1, MaxPositionNotional: 1, MaxLeverage: 1},
		Strategy: StrategyConfig{Gamma: 0.1, OrderSizeUSD: 1},
		Snapshot: SnapshotConfig{Dir: "/tmp", MaxSnapshots: 1},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid mode")
	}
}

func TestValidateRejectsNonPositiveThresholds(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Mode:     "stdio",
			Venues:   []VenueConfig{{Name: "SIMULATED"}},
			Risk:     RiskConfig{MaxOrderNotional: 1, MaxPositionNotional: 1, MaxLeverage: 1},
			Strategy: StrategyConfig{Gamma: 0.1, OrderSizeUSD: 1},
			Snapshot: SnapshotConfig{Dir: "/tmp", MaxSnapshots: 1},
		}
	}

	cfg := base()
	cfg.Risk.MaxOrderNotional = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max_order_notional")
	}

	cfg = base()
	cfg.Strategy.Gamma = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero strategy.gamma")
	}

	cfg = base()
	cfg.Snapshot.MaxSnapshots = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero snapshot.max_snapshots")
	}
}
