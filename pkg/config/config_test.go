package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fortifleet/fortifleet/pkg/stores"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fortifleet.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	if cfg.Database.AuditRetention != stores.DefaultAuditRetention {
		t.Errorf("AuditRetention = %d", cfg.Database.AuditRetention)
	}
	if got := cfg.DatabasePath(); got != filepath.Join("data", "fortifleet.db") {
		t.Errorf("DatabasePath() = %q", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
data_dir: /srv/fleet
database:
  path: fleet.db
  audit_retention: 50
engine:
  max_parallel: 8
  target_timeout: 2m
device:
  light_timeout: 5s
  heavy_timeout: 45s
  insecure_tls: false
  read_retries: 1
naming:
  script: naming.star
policy:
  enabled: true
  paths: [policies]
  watch: true
inventory:
  path: inventory.yaml
  watch: true
telemetry:
  logging:
    level: debug
    format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Engine.MaxParallel != 8 || cfg.Engine.TargetTimeout != 2*time.Minute {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Device.LightTimeout != 5*time.Second || cfg.Device.HeavyTimeout != 45*time.Second {
		t.Errorf("device timeouts = %+v", cfg.Device)
	}
	if cfg.Device.InsecureTLS || cfg.Device.ReadRetries != 1 {
		t.Errorf("device = %+v", cfg.Device)
	}
	if cfg.DatabasePath() != "/srv/fleet/fleet.db" {
		t.Errorf("DatabasePath() = %q", cfg.DatabasePath())
	}
	if cfg.KeyFilePath() != "/srv/fleet/credentials.key" {
		t.Errorf("KeyFilePath() = %q", cfg.KeyFilePath())
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.ServiceName != "fortifleet" {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
	if sc := cfg.StoreConfig(); sc.AuditRetention != 50 || sc.Path != "/srv/fleet/fleet.db" {
		t.Errorf("StoreConfig() = %+v", sc)
	}
	if len(cfg.DeviceOptions()) != 3 {
		t.Errorf("DeviceOptions() returned %d options", len(cfg.DeviceOptions()))
	}
}

func TestLoadMissingDefaultFile(t *testing.T) {
	t.Chdir(t.TempDir())

	if _, err := Load(""); err != nil {
		t.Errorf("Load(\"\") without a file error = %v", err)
	}
	if _, err := Load("elsewhere.yaml"); err == nil {
		t.Error("expected error for missing explicit config")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDatabasePath, ":memory:")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load(writeConfig(t, "data_dir: /tmp/x\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatabasePath() != ":memory:" {
		t.Errorf("DatabasePath() = %q", cfg.DatabasePath())
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("log level = %q", cfg.Telemetry.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "engine: [", "failed to parse"},
		{"negative parallel", "engine:\n  max_parallel: -1\n", "MaxParallel"},
		{"zero retention", "database:\n  audit_retention: 0\n", "AuditRetention"},
		{"heavy shorter than light", "device:\n  light_timeout: 20s\n  heavy_timeout: 5s\n", "heavy_timeout"},
		{"watch without paths", "policy:\n  watch: true\n", "policy.paths"},
		{"inventory watch without path", "inventory:\n  watch: true\n", "inventory.path"},
		{"bad log level", "telemetry:\n  logging:\n    level: loud\n", "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxParallel = 3
	path := filepath.Join(t.TempDir(), "nested", "fortifleet.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Engine.MaxParallel != 3 || loaded.Device.HeavyTimeout != cfg.Device.HeavyTimeout {
		t.Errorf("loaded %+v", loaded.Engine)
	}
}
