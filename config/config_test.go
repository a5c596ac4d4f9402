package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, ModeLocal, cfg.Mode)
}

func TestValidateModes(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"local needs nothing", func(c *Config) { c.Mode = ModeLocal; c.NATS = NATSConfig{} }, false},
		{"unknown mode", func(c *Config) { c.Mode = "carrier-pigeon" }, true},
		{"nats without url", func(c *Config) { c.Mode = ModeNATS; c.NATS.URL = "" }, true},
		{"nats without prefix", func(c *Config) { c.Mode = ModeNATS; c.NATS.Prefix = "" }, true},
		{"nats bad prefix", func(c *Config) { c.Mode = ModeNATS; c.NATS.Prefix = "a.b" }, true},
		{"nats ok", func(c *Config) { c.Mode = ModeNATS }, false},
		{"ws hub without addr", func(c *Config) { c.Mode = ModeWSHub; c.WebSocket.Addr = "" }, true},
		{"ws client without url", func(c *Config) { c.Mode = ModeWSClient }, true},
		{"ws client bad scheme", func(c *Config) {
			c.Mode = ModeWSClient
			c.WebSocket.URL = "http://hub:8800/mesh"
		}, true},
		{"ws client ok", func(c *Config) {
			c.Mode = ModeWSClient
			c.WebSocket.URL = "ws://hub:8800/mesh"
		}, false},
		{"metrics enabled without addr", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Addr = ""
		}, true},
		{"negative query timeout", func(c *Config) { c.Session.QueryTimeout = -time.Second }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderLayersAndEnv(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.json")
	overlay := filepath.Join(dir, "overlay.json")
	require.NoError(t, os.WriteFile(base, []byte(`{"mode":"nats","nats":{"url":"nats://a:4222","prefix":"mesh"}}`), 0o600))
	require.NoError(t, os.WriteFile(overlay, []byte(`{"nats":{"url":"nats://b:4222","prefix":"mesh"}}`), 0o600))

	t.Setenv("KEYMESH_NATS_PREFIX", "envmesh")

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(overlay)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ModeNATS, cfg.Mode)
	assert.Equal(t, "nats://b:4222", cfg.NATS.URL)
	assert.Equal(t, "envmesh", cfg.NATS.Prefix)
}

func TestLoadFileMissing(t *testing.T) {
	l := NewLoader()
	_, err := l.LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestLoadInvalidRejectedUnlessDisabled(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"mode":"carrier-pigeon"}`), 0o600))

	l := NewLoader()
	_, err := l.LoadFile(path)
	assert.Error(t, err)

	l.EnableValidation(false)
	cfg, err := l.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "carrier-pigeon", cfg.Mode)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(Defaults())

	got := sc.Get()
	got.Mode = ModeNATS
	assert.Equal(t, ModeLocal, sc.Get().Mode)

	bad := Defaults()
	bad.Mode = "bogus"
	assert.Error(t, sc.Update(bad))
	assert.Error(t, sc.Update(nil))

	good := Defaults()
	good.Mode = ModeWSHub
	require.NoError(t, sc.Update(good))
	assert.Equal(t, ModeWSHub, sc.Get().Mode)
}

func TestClone(t *testing.T) {
	var nilCfg *Config
	assert.NotNil(t, nilCfg.Clone())

	cfg := Defaults()
	clone := cfg.Clone()
	clone.NATS.URL = "nats://other:4222"
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}
