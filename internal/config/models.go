package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bryanchriswhite/surfacehost/internal/logger"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Surface backends
const (
	BackendMemory = "memory"
	BackendX11    = "x11"
)

// MetadataProducerSurface is the host metadata key that enables the producer
// surface strategy
const MetadataProducerSurface = "enable_surface_producer"

// Config represents the application configuration
type Config struct {
	ServerPort int    `json:"server_port" yaml:"server_port" mapstructure:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level" mapstructure:"log_level"`
	// Channel is the method channel name callers connect to
	Channel string        `json:"channel" yaml:"channel" mapstructure:"channel"`
	Surface SurfaceConfig `json:"surface" yaml:"surface" mapstructure:"surface"`
	Sink    SinkConfig    `json:"sink" yaml:"sink" mapstructure:"sink"`
	// Metadata is host application metadata, read once when the plugin attaches
	Metadata map[string]string `json:"metadata" yaml:"metadata" mapstructure:"metadata"`
}

// SurfaceConfig selects the platform surface allocator
type SurfaceConfig struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"`
	// Display is the X display for the x11 backend; empty uses $DISPLAY
	Display string `json:"display" yaml:"display" mapstructure:"display"`
}

// SinkConfig configures where bind notifications go
type SinkConfig struct {
	// Dedupe drops repeated identical binds on the event stream
	Dedupe bool `json:"dedupe" yaml:"dedupe" mapstructure:"dedupe"`
	// Log writes every bind to the log at debug level
	Log bool `json:"log" yaml:"log" mapstructure:"log"`
}

// ProducerSurface reports whether host metadata enables the producer strategy.
// Missing or unparsable values mean false.
func (c *Config) ProducerSurface() bool {
	raw, ok := c.Metadata[MetadataProducerSurface]
	if !ok {
		return false
	}
	enabled, err := cast.ToBoolE(strings.TrimSpace(raw))
	if err != nil {
		logger.WithComponent("config").Warn().
			Str("key", MetadataProducerSurface).
			Str("value", raw).
			Msg("Ignoring unparsable metadata flag")
		return false
	}
	return enabled
}

// Validate checks values the host cannot start without
func (c *Config) Validate() error {
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}
	if c.Channel == "" {
		return fmt.Errorf("channel name must not be empty")
	}
	switch c.Surface.Backend {
	case BackendMemory, BackendX11:
	default:
		return fmt.Errorf("unknown surface backend %q (use %s or %s)", c.Surface.Backend, BackendMemory, BackendX11)
	}
	return nil
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	v          *viper.Viper
	mu         sync.RWMutex
}

// DefaultConfigPath returns $HOME/.config/surfacehost/config.yaml
func DefaultConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "surfacehost", "config.yaml"), nil
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultConfigPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	// Create config directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: actualConfigPath,
		v:          newViper(actualConfigPath),
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	if err := m.load(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("backend", m.config.Surface.Backend).
		Msg("Config loaded")

	return m, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	d := defaults()
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("channel", d.Channel)
	v.SetDefault("surface.backend", d.Surface.Backend)
	v.SetDefault("surface.display", d.Surface.Display)
	v.SetDefault("sink.dedupe", d.Sink.Dedupe)
	v.SetDefault("sink.log", d.Sink.Log)
	return v
}

// defaults returns default configuration
func defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Channel:    "fvp",
		Surface: SurfaceConfig{
			Backend: BackendMemory,
		},
		Sink: SinkConfig{
			Dedupe: true,
		},
		Metadata: map[string]string{},
	}
}

// load reads the configuration from disk through viper
func (m *Manager) load() error {
	if err := m.v.ReadInConfig(); err != nil {
		return err
	}
	return m.syncFromViper()
}

func (m *Manager) syncFromViper() error {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]string{}
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return defaults()
	}

	cfg := *m.config
	cfg.Metadata = make(map[string]string, len(m.config.Metadata))
	for k, v := range m.config.Metadata {
		cfg.Metadata[k] = v
	}
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	cfg := m.Get()

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Set changes a dotted key in memory from its string form. The value is
// converted to the type of the key's current value.
func (m *Manager) Set(key, value string) error {
	key = strings.ToLower(key)

	previous := m.v.Get(key)
	var converted interface{}
	var err error
	switch previous.(type) {
	case int, int64:
		converted, err = cast.ToIntE(value)
	case bool:
		converted, err = cast.ToBoolE(value)
	case nil:
		if !strings.HasPrefix(key, "metadata.") {
			return fmt.Errorf("configuration key not found: %s", key)
		}
		converted = value
	default:
		converted = value
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if key == "log_level" {
		switch value {
		case "debug", "info", "warn", "error":
		default:
			return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", value)
		}
	}

	m.v.Set(key, converted)
	if err := m.syncFromViper(); err != nil {
		return err
	}
	if err := m.Get().Validate(); err != nil {
		m.v.Set(key, previous)
		if syncErr := m.syncFromViper(); syncErr != nil {
			return syncErr
		}
		return err
	}
	return nil
}

// SetValue is Set followed by Save
func (m *Manager) SetValue(key, value string) error {
	if err := m.Set(key, value); err != nil {
		return err
	}
	return m.Save()
}

// GetValue returns the value stored under a dotted key
func (m *Manager) GetValue(key string) (interface{}, error) {
	key = strings.ToLower(key)
	if !m.v.IsSet(key) {
		return nil, fmt.Errorf("configuration key not found: %s", key)
	}
	return m.v.Get(key), nil
}

// Keys lists every known configuration key
func (m *Manager) Keys() []string {
	keys := m.v.AllKeys()
	sort.Strings(keys)
	return keys
}

// SetPort overrides the server port for this process
func (m *Manager) SetPort(port int) error {
	return m.Set("server_port", cast.ToString(port))
}

// GetPort returns the server port
func (m *Manager) GetPort() int {
	return m.Get().ServerPort
}

// SetLogLevel overrides the log level for this process
func (m *Manager) SetLogLevel(level string) error {
	return m.Set("log_level", level)
}

// GetLogLevel returns the log level
func (m *Manager) GetLogLevel() string {
	return m.Get().LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
