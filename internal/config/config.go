package config

import (
	"fmt"
	"os"
	"time"
	_ "time/tzdata" // storage.timezone must resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"

	"pandora/internal/bargen"
	"pandora/internal/domain"
	"pandora/internal/util"
)

// Storage drivers accepted in storage.driver.
const (
	DriverParquet = "parquet"
	DriverSQLite  = "sqlite"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for pandora.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Logging  Logging  `yaml:"logging"`
	Alpaca   Alpaca   `yaml:"alpaca"`
	Recorder Recorder `yaml:"recorder"`
	Rebuild  Rebuild  `yaml:"rebuild"`
}

// Storage selects the storage driver and its paths.
type Storage struct {
	Driver     string `yaml:"driver"`
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
	Timezone   string `yaml:"timezone"`
}

// Alpaca holds credentials and endpoints for the Alpaca market data API.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	DataURL         string `yaml:"data_url"`
	StreamURL       string `yaml:"stream_url"`
	Feed            string `yaml:"feed"`
	Exchange        string `yaml:"exchange"`
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Recorder configures live tick and bar recording.
type Recorder struct {
	SettingFile   string        `yaml:"setting_file"`
	Windows       []int         `yaml:"windows"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	FlushRetries  int           `yaml:"flush_retries"`
	QueueSize     int           `yaml:"queue_size"`
	Sessions      []Session     `yaml:"sessions"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	GRPCAddr      string        `yaml:"grpc_addr"`
}

// Session is one trading session as "HH:MM" clock times. End may be earlier
// than Start for sessions crossing midnight.
type Session struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Rebuild configures bar rebuilds in the data manager.
type Rebuild struct {
	Policy  string `yaml:"policy"`
	Workers int    `yaml:"workers"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, fills defaults and then applies environment variable
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverParquet
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "data"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/pandora.db"
	}
	if cfg.Storage.Timezone == "" {
		cfg.Storage.Timezone = "Asia/Shanghai"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Alpaca.Feed == "" {
		cfg.Alpaca.Feed = "iex"
	}
	if cfg.Alpaca.Exchange == "" {
		cfg.Alpaca.Exchange = string(domain.ExchangeSMART)
	}
	if cfg.Alpaca.RateLimitPerMin == 0 {
		cfg.Alpaca.RateLimitPerMin = 200
	}

	if cfg.Recorder.SettingFile == "" {
		cfg.Recorder.SettingFile = "config/recorder_setting.yaml"
	}
	if len(cfg.Recorder.Windows) == 0 {
		cfg.Recorder.Windows = append([]int(nil), bargen.RecorderWindows...)
	}
	if cfg.Recorder.FlushInterval == 0 {
		cfg.Recorder.FlushInterval = 10 * time.Second
	}
	if cfg.Recorder.FlushRetries == 0 {
		cfg.Recorder.FlushRetries = 3
	}
	if cfg.Recorder.QueueSize == 0 {
		cfg.Recorder.QueueSize = 10000
	}
	if len(cfg.Recorder.Sessions) == 0 {
		cfg.Recorder.Sessions = []Session{
			{Start: "08:45", End: "15:30"},
			{Start: "20:45", End: "23:45"},
		}
	}
	if cfg.Recorder.MetricsAddr == "" {
		cfg.Recorder.MetricsAddr = ":9102"
	}
	if cfg.Recorder.GRPCAddr == "" {
		cfg.Recorder.GRPCAddr = ":9103"
	}

	if cfg.Rebuild.Policy == "" {
		cfg.Rebuild.Policy = "recorder"
	}
	if cfg.Rebuild.Workers == 0 {
		cfg.Rebuild.Workers = 4
	}
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("PANDORA_TIMEZONE"); v != "" {
		cfg.Storage.Timezone = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}
	if v := os.Getenv("ALPACA_STREAM_URL"); v != "" {
		cfg.Alpaca.StreamURL = v
	}
	if v := os.Getenv("ALPACA_FEED"); v != "" {
		cfg.Alpaca.Feed = v
	}

	if v := os.Getenv("METRICS_ADDR"); v != "" {
		cfg.Recorder.MetricsAddr = v
	}
	if v := os.Getenv("GRPC_ADDR"); v != "" {
		cfg.Recorder.GRPCAddr = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate rejects settings the services cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverParquet, DriverSQLite:
	default:
		return fmt.Errorf("storage.driver %q: want %q or %q", c.Storage.Driver, DriverParquet, DriverSQLite)
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	for _, w := range c.Recorder.Windows {
		if err := bargen.MinuteWindow(w).Validate(); err != nil {
			return fmt.Errorf("recorder.windows: %w", err)
		}
	}
	if c.Recorder.FlushInterval <= 0 {
		return fmt.Errorf("recorder.flush_interval %s must be positive", c.Recorder.FlushInterval)
	}
	if _, err := c.Recorder.ParseSessions(); err != nil {
		return err
	}

	if c.Rebuild.Policy != string(domain.IntervalMinute) {
		if _, err := bargen.ParsePolicies(c.Rebuild.Policy); err != nil {
			return fmt.Errorf("rebuild.policy: %w", err)
		}
	}
	if c.Rebuild.Workers < 1 {
		return fmt.Errorf("rebuild.workers %d must be at least 1", c.Rebuild.Workers)
	}
	return nil
}

// Location loads the storage time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Storage.Timezone)
	if err != nil {
		return nil, fmt.Errorf("storage.timezone %q: %w", c.Storage.Timezone, err)
	}
	return loc, nil
}

// Policies returns the recorder's minute window policies.
func (r Recorder) Policies() []bargen.Policy {
	policies := make([]bargen.Policy, 0, len(r.Windows))
	for _, w := range r.Windows {
		policies = append(policies, bargen.MinuteWindow(w))
	}
	return policies
}

// ParseSessions converts the configured sessions to clock offsets.
func (r Recorder) ParseSessions() (util.Sessions, error) {
	sessions := make(util.Sessions, 0, len(r.Sessions))
	for i, s := range r.Sessions {
		parsed, err := util.ParseSession(s.Start, s.End)
		if err != nil {
			return nil, fmt.Errorf("recorder.sessions[%d]: %w", i, err)
		}
		sessions = append(sessions, parsed)
	}
	return sessions, nil
}
