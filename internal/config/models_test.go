package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	m, err := NewManager(path)
	require.NoError(t, err)
	return m
}

func TestNewManager_CreatesDefaults(t *testing.T) {
	m := newTestManager(t)

	_, err := os.Stat(m.GetConfigPath())
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "fvp", cfg.Channel)
	assert.Equal(t, BackendMemory, cfg.Surface.Backend)
	assert.True(t, cfg.Sink.Dedupe)
	assert.False(t, cfg.ProducerSurface())
	require.NoError(t, cfg.Validate())
}

func TestNewManager_ReadsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`server_port: 9191
log_level: debug
channel: video
surface:
  backend: x11
  display: ":1"
metadata:
  enable_surface_producer: "true"
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	m, err := NewManager(path)
	require.NoError(t, err)

	cfg := m.Get()
	assert.Equal(t, 9191, cfg.ServerPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "video", cfg.Channel)
	assert.Equal(t, BackendX11, cfg.Surface.Backend)
	assert.Equal(t, ":1", cfg.Surface.Display)
	// unset keys fall back to defaults
	assert.True(t, cfg.Sink.Dedupe)
	assert.True(t, cfg.ProducerSurface())
}

func TestConfig_ProducerSurface(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
		want     bool
	}{
		{"missing", map[string]string{}, false},
		{"nil map", nil, false},
		{"true", map[string]string{MetadataProducerSurface: "true"}, true},
		{"one", map[string]string{MetadataProducerSurface: "1"}, true},
		{"padded", map[string]string{MetadataProducerSurface: " TRUE "}, true},
		{"false", map[string]string{MetadataProducerSurface: "false"}, false},
		{"garbage", map[string]string{MetadataProducerSurface: "maybe"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Metadata: tt.metadata}
			assert.Equal(t, tt.want, cfg.ProducerSurface())
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config { return defaults() }

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.ServerPort = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Channel = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Surface.Backend = "vulkan"
	assert.Error(t, cfg.Validate())
}

func TestManager_SetValuePersists(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.SetValue("server_port", "9090"))
	require.NoError(t, m.SetValue("sink.dedupe", "false"))
	require.NoError(t, m.SetValue("metadata.enable_surface_producer", "true"))

	reloaded, err := NewManager(m.GetConfigPath())
	require.NoError(t, err)

	cfg := reloaded.Get()
	assert.Equal(t, 9090, cfg.ServerPort)
	assert.False(t, cfg.Sink.Dedupe)
	assert.True(t, cfg.ProducerSurface())

	v, err := reloaded.GetValue("server_port")
	require.NoError(t, err)
	assert.Equal(t, 9090, v)
}

func TestManager_SetRejectsBadValues(t *testing.T) {
	m := newTestManager(t)

	assert.Error(t, m.Set("server_port", "not-a-number"))
	assert.Error(t, m.Set("server_port", "70000"))
	assert.Error(t, m.Set("log_level", "loud"))
	assert.Error(t, m.Set("surface.backend", "vulkan"))
	assert.Error(t, m.Set("no_such_key", "x"))

	// failed sets leave the previous values in place
	cfg := m.Get()
	assert.Equal(t, 8080, cfg.ServerPort)
	assert.Equal(t, BackendMemory, cfg.Surface.Backend)
}

func TestManager_OverridesAreNotSaved(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.SetPort(7000))
	require.NoError(t, m.SetLogLevel("debug"))
	assert.Equal(t, 7000, m.GetPort())
	assert.Equal(t, "debug", m.GetLogLevel())

	reloaded, err := NewManager(m.GetConfigPath())
	require.NoError(t, err)
	assert.Equal(t, 8080, reloaded.GetPort())
	assert.Equal(t, "info", reloaded.GetLogLevel())
}

func TestManager_GetReturnsCopy(t *testing.T) {
	m := newTestManager(t)

	cfg := m.Get()
	cfg.Metadata[MetadataProducerSurface] = "true"
	cfg.ServerPort = 1

	fresh := m.Get()
	assert.False(t, fresh.ProducerSurface())
	assert.Equal(t, 8080, fresh.ServerPort)
}

func TestManager_Keys(t *testing.T) {
	m := newTestManager(t)
	keys := m.Keys()
	assert.Contains(t, keys, "server_port")
	assert.Contains(t, keys, "surface.backend")
	assert.Contains(t, keys, "sink.dedupe")
}
