// Package config handles configuration loading, validation, and hot reload
// for keyrelay.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "KEYRELAY_"

// Source kinds.
const (
	SourceEvdev     = "evdev"
	SourceScript    = "script"
	SourceSimulated = "simulated"
)

// Config holds the complete daemon configuration.
type Config struct {
	Version int `toml:"version" json:"version" yaml:"version"`

	Engine  EngineConfig  `toml:"engine" json:"engine" yaml:"engine"`
	Source  SourceConfig  `toml:"source" json:"source" yaml:"source"`
	IPC     IPCConfig     `toml:"ipc" json:"ipc" yaml:"ipc"`
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// EngineConfig sizes the engine buffers.
type EngineConfig struct {
	// QueueCapacity bounds pending tokens; new tokens are dropped when full.
	QueueCapacity int `toml:"queue_capacity" json:"queue_capacity" yaml:"queue_capacity"`

	// RecordCapacity bounds the recording buffer.
	RecordCapacity int `toml:"record_capacity" json:"record_capacity" yaml:"record_capacity"`
}

// SourceConfig selects where scancodes come from.
type SourceConfig struct {
	// Kind is one of "evdev", "script" or "simulated".
	Kind string `toml:"kind" json:"kind" yaml:"kind"`

	// Devices lists evdev nodes to read. Empty means every detected keyboard.
	Devices []string `toml:"devices" json:"devices" yaml:"devices"`

	// Grab takes the devices exclusively while the daemon runs.
	Grab bool `toml:"grab" json:"grab" yaml:"grab"`

	// WatchDevices logs keyboards being plugged and unplugged.
	WatchDevices bool `toml:"watch_devices" json:"watch_devices" yaml:"watch_devices"`

	// Script is typed by the script source.
	Script string `toml:"script" json:"script" yaml:"script"`

	// IntervalMs is the delay between scripted scancodes.
	IntervalMs int `toml:"interval_ms" json:"interval_ms" yaml:"interval_ms"`
}

// IPCConfig configures the consumer socket.
type IPCConfig struct {
	Enabled         bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	SocketPath      string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`
	Permissions     string `toml:"permissions" json:"permissions" yaml:"permissions"`
	MaxConnections  int    `toml:"max_connections" json:"max_connections" yaml:"max_connections"`
	TimeoutSec      int    `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
	RequireSameUser bool   `toml:"require_same_user" json:"require_same_user" yaml:"require_same_user"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level: debug, info, warn, error
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format: text, json
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output: stderr, stdout, file, both
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" json:"listen" yaml:"listen"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()

	return &Config{
		Version: Version,
		Engine: EngineConfig{
			QueueCapacity:  256,
			RecordCapacity: 1024,
		},
		Source: SourceConfig{
			Kind:         SourceEvdev,
			Devices:      []string{},
			Grab:         true,
			WatchDevices: true,
			IntervalMs:   5,
		},
		IPC: IPCConfig{
			Enabled:         true,
			SocketPath:      paths.SocketPath,
			Permissions:     "0600",
			MaxConnections:  16,
			TimeoutSec:      60,
			RequireSameUser: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(paths.LogDir, "keyrelayd.log"),
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if v := os.Getenv(EnvPrefix + "CONFIG"); v != "" {
		return v
	}
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// IPCTimeout returns the idle timeout after which the server pings a client.
func (c *Config) IPCTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.IPC.TimeoutSec) * time.Second
}

// ScriptInterval returns the delay between scripted scancodes.
func (c *Config) ScriptInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Source.IntervalMs) * time.Millisecond
}

// SocketMode parses IPC.Permissions as an octal file mode.
func (c *Config) SocketMode() os.FileMode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	mode, err := strconv.ParseUint(c.IPC.Permissions, 8, 32)
	if err != nil {
		return 0o600
	}
	return os.FileMode(mode)
}

// ApplyEnvOverrides applies KEYRELAY_* environment variables. Values that
// do not parse are ignored.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	envInt := func(name string, dst *int) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(name string, dst *bool) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	envString := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}

	// Engine
	envInt("QUEUE_CAPACITY", &c.Engine.QueueCapacity)
	envInt("RECORD_CAPACITY", &c.Engine.RecordCapacity)

	// Source
	envString("SOURCE", &c.Source.Kind)
	envBool("GRAB", &c.Source.Grab)
	envString("SCRIPT", &c.Source.Script)
	if v := os.Getenv(EnvPrefix + "DEVICES"); v != "" {
		var devices []string
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				devices = append(devices, d)
			}
		}
		c.Source.Devices = devices
	}

	// IPC
	envString("SOCKET_PATH", &c.IPC.SocketPath)

	// Logging
	envString("LOG_LEVEL", &c.Logging.Level)
	envString("LOG_FORMAT", &c.Logging.Format)
	if v := os.Getenv(EnvPrefix + "LOG_PATH"); v != "" {
		c.Logging.FilePath = v
		if c.Logging.Output == "stderr" || c.Logging.Output == "stdout" {
			c.Logging.Output = "file"
		}
	}

	// Metrics
	if v := os.Getenv(EnvPrefix + "METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
		c.Metrics.Enabled = true
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version: c.Version,
		Engine:  c.Engine,
		Source:  c.Source,
		IPC:     c.IPC,
		Logging: c.Logging,
		Metrics: c.Metrics,
	}
	clone.Source.Devices = append([]string{}, c.Source.Devices...)
	return clone
}

// Save writes the configuration as TOML, creating parent directories.
func (c *Config) Save(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode TOML: %w", err)
	}
	return nil
}

func decodeJSON(data []byte, cfg *Config) error {
	return json.Unmarshal(data, cfg)
}

func decodeYAML(data []byte, cfg *Config) error {
	return yaml.Unmarshal(data, cfg)
}
