package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pandora/internal/bargen"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pandora.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// clearEnv unsets every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"DATA_DIR", "SQLITE_PATH", "STORAGE_DRIVER", "PANDORA_TIMEZONE",
		"LOG_LEVEL", "LOG_FORMAT",
		"ALPACA_API_KEY", "ALPACA_API_SECRET", "ALPACA_DATA_URL", "ALPACA_STREAM_URL", "ALPACA_FEED",
		"APCA_API_KEY_ID", "APCA_API_SECRET_KEY",
		"METRICS_ADDR", "GRPC_ADDR",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
storage:
  driver: "sqlite"
  data_dir: "/tmp/pandora/data"
  sqlite_path: "/tmp/pandora/pandora.db"
  timezone: "UTC"
logging:
  level: "debug"
  format: "text"
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
  feed: "sip"
recorder:
  windows: [5, 15]
  flush_interval: "2s"
  sessions:
    - {start: "09:00", end: "11:30"}
  metrics_addr: ":9000"
rebuild:
  policy: "5m"
  workers: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverSQLite)
	}
	if cfg.Storage.SQLitePath != "/tmp/pandora/pandora.db" {
		t.Errorf("Storage.SQLitePath = %q", cfg.Storage.SQLitePath)
	}

	// -- Logging --
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want debug/text", cfg.Logging)
	}

	// -- Alpaca --
	if cfg.Alpaca.APIKey != "test-key" || cfg.Alpaca.Feed != "sip" {
		t.Errorf("Alpaca = %+v", cfg.Alpaca)
	}
	if cfg.Alpaca.RateLimitPerMin != 200 {
		t.Errorf("Alpaca.RateLimitPerMin = %d, want default 200", cfg.Alpaca.RateLimitPerMin)
	}

	// -- Recorder --
	if cfg.Recorder.FlushInterval != 2*time.Second {
		t.Errorf("Recorder.FlushInterval = %s, want 2s", cfg.Recorder.FlushInterval)
	}
	policies := cfg.Recorder.Policies()
	if len(policies) != 2 || policies[0] != bargen.MinuteWindow(5) || policies[1] != bargen.MinuteWindow(15) {
		t.Errorf("Recorder.Policies() = %v", policies)
	}
	sessions, err := cfg.Recorder.ParseSessions()
	if err != nil {
		t.Fatalf("ParseSessions() returned error: %v", err)
	}
	if len(sessions) != 1 || sessions.String() != "09:00-11:30" {
		t.Errorf("sessions = %v", sessions)
	}
	if cfg.Recorder.MetricsAddr != ":9000" || cfg.Recorder.GRPCAddr != ":9103" {
		t.Errorf("Recorder addrs = %q %q", cfg.Recorder.MetricsAddr, cfg.Recorder.GRPCAddr)
	}

	// -- Rebuild --
	if cfg.Rebuild.Policy != "5m" || cfg.Rebuild.Workers != 2 {
		t.Errorf("Rebuild = %+v", cfg.Rebuild)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() on defaults returned error: %v", err)
	}

	if cfg.Storage.Driver != DriverParquet {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverParquet)
	}
	if len(cfg.Recorder.Windows) != len(bargen.RecorderWindows) {
		t.Errorf("Recorder.Windows = %v, want %v", cfg.Recorder.Windows, bargen.RecorderWindows)
	}
	if cfg.Recorder.FlushInterval != 10*time.Second {
		t.Errorf("Recorder.FlushInterval = %s, want 10s", cfg.Recorder.FlushInterval)
	}
	if len(cfg.Recorder.Sessions) != 2 {
		t.Errorf("Recorder.Sessions = %v, want day and night", cfg.Recorder.Sessions)
	}
	if cfg.Rebuild.Policy != "recorder" {
		t.Errorf("Rebuild.Policy = %q, want recorder", cfg.Rebuild.Policy)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
alpaca:
  api_key: "yaml-key"
  api_secret: "yaml-secret"
storage:
  data_dir: "/original/data"
`)

	t.Setenv("ALPACA_API_KEY", "env-key")
	t.Setenv("DATA_DIR", "/env/data")
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("LOG_FORMAT", "text")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Alpaca.APIKey != "env-key" {
		t.Errorf("Alpaca.APIKey = %q, want %q (env override)", cfg.Alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if cfg.Alpaca.APISecret != "yaml-secret" {
		t.Errorf("Alpaca.APISecret = %q, want %q (from YAML)", cfg.Alpaca.APISecret, "yaml-secret")
	}
	if cfg.Storage.DataDir != "/env/data" {
		t.Errorf("Storage.DataDir = %q, want %q (env override)", cfg.Storage.DataDir, "/env/data")
	}
	if cfg.Storage.Driver != DriverSQLite {
		t.Errorf("Storage.Driver = %q, want sqlite (env override)", cfg.Storage.Driver)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Logging.Format = %q, want text (env override)", cfg.Logging.Format)
	}

	// The SDK's canonical name wins over ours.
	t.Setenv("APCA_API_KEY_ID", "apca-key")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Alpaca.APIKey != "apca-key" {
		t.Errorf("Alpaca.APIKey = %q, want apca-key", cfg.Alpaca.APIKey)
	}
}

func TestValidateRejects(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"driver", func(c *Config) { c.Storage.Driver = "dolphindb" }, nil},
		{"timezone", func(c *Config) { c.Storage.Timezone = "Mars/Olympus" }, nil},
		{"window", func(c *Config) { c.Recorder.Windows = []int{7} }, bargen.ErrInvalidWindow},
		{"session", func(c *Config) { c.Recorder.Sessions = []Session{{Start: "9am", End: "11:30"}} }, nil},
		{"policy", func(c *Config) { c.Rebuild.Policy = "weekly" }, bargen.ErrUnknownPolicy},
		{"workers", func(c *Config) { c.Rebuild.Workers = -1 }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() accepted invalid config")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("Load() of a missing file returned nil error")
	}
}
