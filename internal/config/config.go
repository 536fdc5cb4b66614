// Package config handles loading, validating, and applying defaults to the
// solmanager configuration. Configuration is read from a YAML file and
// may be overridden by environment variables.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a wrapper around time.Duration that implements yaml.Unmarshaler
// so that Go-style duration strings (e.g. "30s", "5m") can be used in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a YAML scalar as a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML serialises the duration back to a human-readable string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Version is a 4-tuple of integers (major, minor, patch, build), matching
// statspub.Version's shape without importing that package.
type Version [4]int

// Config is the top-level configuration for solmanager.
type Config struct {
	App        AppConfig        `yaml:"app"`
	Manager    ManagerConfig    `yaml:"manager"`
	JSON       JSONConfig       `yaml:"jsonserver"`
	ControlAPI ControlAPIConfig `yaml:"solmanager"`
	SolServer  SolServerConfig  `yaml:"solserver"`
	Periods    PeriodsConfig    `yaml:"periods"`
	State      StateConfig      `yaml:"state"`
	Disk       DiskConfig       `yaml:"disk"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Health     HealthConfig     `yaml:"health"`
	Versions   VersionsConfig   `yaml:"versions"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// ManagerConfig configures the Manager connector (spec.md §4.C, §6).
// ConnectionMode selects between the serial-port variant and the
// HTTP-server variant.
type ManagerConfig struct {
	SerialPort     string `yaml:"serialport"`
	ConnectionMode string `yaml:"managerconnectionmode"` // "serial" or "jsonserver"
}

// JSONConfig configures the HTTP-server Manager connector variant's peer
// (spec.md §6 "jsonserver_host").
type JSONConfig struct {
	Host string `yaml:"jsonserver_host"`
	Port int    `yaml:"solmanager_tcpport_jsonserver"`
}

// ControlAPIConfig configures the Control API's TLS listener (spec.md §4.J,
// §6).
type ControlAPIConfig struct {
	Port        int    `yaml:"solmanager_tcpport_solserver"`
	Certificate string `yaml:"solmanager_certificate"`
	PrivateKey  string `yaml:"solmanager_private_key"`
	Token       string `yaml:"solmanager_token"`
}

// SolServerConfig configures the outbound Server publisher's remote
// endpoint (spec.md §4.F, §6).
type SolServerConfig struct {
	Host  string `yaml:"solserver_host"`
	Token string `yaml:"solserver_token"`
}

// PeriodsConfig holds every component's cadence, in minutes (spec.md §6).
// Fractional minutes are allowed (e.g. 0.5 for a 30-second cadence).
type PeriodsConfig struct {
	PubfileMin   float64 `yaml:"period_pubfile_min"`
	PubserverMin float64 `yaml:"period_pubserver_min"`
	SnapshotMin  float64 `yaml:"period_snapshot_min"`
	StatsMin     float64 `yaml:"period_stats_min"`
	PollcmdsMin  float64 `yaml:"period_pollcmds_min"`
}

// The *Duration helpers convert a minutes value to a time.Duration.
func (p PeriodsConfig) pubfileDuration() time.Duration   { return minutesToDuration(p.PubfileMin) }
func (p PeriodsConfig) pubserverDuration() time.Duration { return minutesToDuration(p.PubserverMin) }
func (p PeriodsConfig) snapshotDuration() time.Duration  { return minutesToDuration(p.SnapshotMin) }
func (p PeriodsConfig) statsDuration() time.Duration     { return minutesToDuration(p.StatsMin) }
func (p PeriodsConfig) pollcmdsDuration() time.Duration  { return minutesToDuration(p.PollcmdsMin) }

// PubfileInterval returns the File publisher's cadence as a time.Duration.
func (c *Config) PubfileInterval() time.Duration { return c.Periods.pubfileDuration() }

// PubserverInterval returns the Server publisher's cadence as a time.Duration.
func (c *Config) PubserverInterval() time.Duration { return c.Periods.pubserverDuration() }

// SnapshotInterval returns the Snapshot collector's cadence as a time.Duration.
func (c *Config) SnapshotInterval() time.Duration { return c.Periods.snapshotDuration() }

// StatsInterval returns the Stats publisher's cadence as a time.Duration.
func (c *Config) StatsInterval() time.Duration { return c.Periods.statsDuration() }

// PollcmdsInterval returns the command-poll cadence as a time.Duration.
func (c *Config) PollcmdsInterval() time.Duration { return c.Periods.pollcmdsDuration() }

func minutesToDuration(min float64) time.Duration {
	return time.Duration(min * float64(time.Minute))
}

// StateConfig locates the persisted App state registry and the backup
// file (spec.md §4.A, §4.E, §6 "Persisted state").
type StateConfig struct {
	DBPath     string `yaml:"solmanager_state_db"`
	BackupPath string `yaml:"solmanager_backup_file"`
}

// DiskConfig configures the ambient disk-pressure watchdog
// (SPEC_FULL.md supplement, grounded on beacon's storage.Monitor).
type DiskConfig struct {
	VolumePath        string   `yaml:"volumePath"`
	CheckInterval     Duration `yaml:"checkInterval"`
	WarningThreshold  float64  `yaml:"warningThreshold"`
	CriticalThreshold float64  `yaml:"criticalThreshold"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// HealthConfig controls the health/readiness probe endpoints.
type HealthConfig struct {
	LivenessPath  string `yaml:"livenessPath"`
	ReadinessPath string `yaml:"readinessPath"`
}

// VersionsConfig carries the fixed version triple reported by the Stats
// publisher and the Control API's status endpoint (spec.md §4.I, §4.J).
type VersionsConfig struct {
	Sol        Version `yaml:"sol"`
	Solmanager Version `yaml:"solmanager"`
	SDK        Version `yaml:"sdk"`
}

// Load reads the YAML configuration file at path, applies defaults, applies
// environment-variable overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogFormat == "" {
		c.App.LogFormat = "json"
	}
	if c.App.Name == "" {
		c.App.Name = "solmanager"
	}

	if c.Manager.ConnectionMode == "" {
		c.Manager.ConnectionMode = "serial"
	}

	if c.ControlAPI.Port == 0 {
		c.ControlAPI.Port = 8443
	}
	if c.JSON.Port == 0 {
		c.JSON.Port = 8080
	}

	if c.Periods.PubfileMin == 0 {
		c.Periods.PubfileMin = 1
	}
	if c.Periods.PubserverMin == 0 {
		c.Periods.PubserverMin = 1
	}
	if c.Periods.SnapshotMin == 0 {
		c.Periods.SnapshotMin = 30
	}
	if c.Periods.StatsMin == 0 {
		c.Periods.StatsMin = 60
	}
	if c.Periods.PollcmdsMin == 0 {
		c.Periods.PollcmdsMin = 1
	}

	if c.State.DBPath == "" {
		c.State.DBPath = "/data/solmanager_state.db"
	}
	if c.State.BackupPath == "" {
		c.State.BackupPath = "/data/solmanager_backup.jsonl"
	}

	if c.Disk.VolumePath == "" {
		c.Disk.VolumePath = "/data"
	}
	if c.Disk.CheckInterval.Duration == 0 {
		c.Disk.CheckInterval.Duration = time.Minute
	}
	if c.Disk.WarningThreshold == 0 {
		c.Disk.WarningThreshold = 80
	}
	if c.Disk.CriticalThreshold == 0 {
		c.Disk.CriticalThreshold = 95
	}

	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Health.LivenessPath == "" {
		c.Health.LivenessPath = "/healthz"
	}
	if c.Health.ReadinessPath == "" {
		c.Health.ReadinessPath = "/ready"
	}
}

// applyEnvOverrides applies environment variable overrides to the
// configuration; tokens in particular are expected to come from the
// environment rather than a config file on disk.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SOLMANAGER_TOKEN"); v != "" {
		c.ControlAPI.Token = v
	}
	if v := os.Getenv("SOLSERVER_TOKEN"); v != "" {
		c.SolServer.Token = v
	}
	if v := os.Getenv("SOLMANAGER_STATE_DB"); v != "" {
		c.State.DBPath = v
	}
}

// validate checks that all required fields are populated and that enum
// values are within the allowed set.
func (c *Config) validate() error {
	switch c.Manager.ConnectionMode {
	case "serial", "jsonserver":
		// valid
	default:
		return fmt.Errorf("manager.managerconnectionmode must be one of: serial, jsonserver; got %q", c.Manager.ConnectionMode)
	}

	if c.Manager.ConnectionMode == "serial" && c.Manager.SerialPort == "" {
		return fmt.Errorf("manager.serialport is required when managerconnectionmode is serial")
	}
	if c.Manager.ConnectionMode == "jsonserver" && c.JSON.Host == "" {
		return fmt.Errorf("jsonserver.jsonserver_host is required when managerconnectionmode is jsonserver")
	}

	if c.SolServer.Host == "" {
		return fmt.Errorf("solserver.solserver_host is required")
	}
	if c.ControlAPI.Certificate == "" || c.ControlAPI.PrivateKey == "" {
		return fmt.Errorf("solmanager.solmanager_certificate and solmanager_private_key are required")
	}

	switch c.App.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return fmt.Errorf("app.logLevel must be one of: debug, info, warn, error; got %q", c.App.LogLevel)
	}

	switch c.App.LogFormat {
	case "json", "console":
		// valid
	default:
		return fmt.Errorf("app.logFormat must be one of: json, console; got %q", c.App.LogFormat)
	}

	return nil
}
