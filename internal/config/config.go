package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads from YAML strings like "250ms"
// or "5s" and writes back in the same form.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"250ms\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	Polling  PollingConfig `yaml:"polling"`
	Session  SessionConfig `yaml:"session"`
	Bridge   BridgeConfig  `yaml:"bridge"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the trainer and its connection behavior.
type DeviceConfig struct {
	// Address pins connection to a specific trainer. Empty means connect
	// to the first trainer found during scan.
	Address        string   `yaml:"address"`
	NamePrefix     string   `yaml:"name_prefix"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	OpTimeout      Duration `yaml:"op_timeout"`
}

// PollingConfig holds the telemetry poll intervals.
type PollingConfig struct {
	Monitor  Duration `yaml:"monitor"`
	Property Duration `yaml:"property"`
}

// SessionConfig holds session behavior settings.
type SessionConfig struct {
	WarmupReps       int      `yaml:"warmup_reps"`
	AutoStopDwell    Duration `yaml:"auto_stop_dwell"`
	StopRetries      int      `yaml:"stop_retries"`
	StopRetryBackoff Duration `yaml:"stop_retry_backoff"`
}

// BridgeConfig holds the websocket event bridge settings.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "freelift")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			NamePrefix:     "Vitruvian",
			ConnectTimeout: Duration(10 * time.Second),
			OpTimeout:      Duration(2 * time.Second),
		},
		Polling: PollingConfig{
			Monitor:  Duration(100 * time.Millisecond),
			Property: Duration(500 * time.Millisecond),
		},
		Session: SessionConfig{
			WarmupReps:       3,
			AutoStopDwell:    Duration(5 * time.Second),
			StopRetries:      3,
			StopRetryBackoff: Duration(100 * time.Millisecond),
		},
		Bridge: BridgeConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8338",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.ConnectTimeout <= 0 {
		return fmt.Errorf("device.connect_timeout must be > 0")
	}

	if c.Device.OpTimeout <= 0 {
		return fmt.Errorf("device.op_timeout must be > 0")
	}

	if c.Polling.Monitor <= 0 {
		return fmt.Errorf("polling.monitor must be > 0")
	}

	if c.Polling.Property <= 0 {
		return fmt.Errorf("polling.property must be > 0")
	}

	if c.Session.WarmupReps < 1 || c.Session.WarmupReps > 30 {
		return fmt.Errorf("session.warmup_reps must be in [1,30], got %d", c.Session.WarmupReps)
	}

	if c.Session.AutoStopDwell <= 0 {
		return fmt.Errorf("session.auto_stop_dwell must be > 0")
	}

	if c.Session.StopRetries < 1 {
		return fmt.Errorf("session.stop_retries must be >= 1")
	}

	if c.Session.StopRetryBackoff < 0 {
		return fmt.Errorf("session.stop_retry_backoff must not be negative")
	}

	if c.Bridge.Enabled && c.Bridge.Listen == "" {
		return fmt.Errorf("bridge.listen must not be empty when the bridge is enabled")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteDefault writes a commented default config to the default path if no
// config file exists yet. Returns the written path, or "" if a file was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(DefaultConfigDir(), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}
	content := append([]byte("# freelift configuration\n"), data...)

	if err := os.WriteFile(path, content, 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level string to a slog.Level. Unknown
// values default to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
