package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ftpengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
timeout: 5s
bandwidth_limit: 65536
active_mode: true
idle_timeout: 45s
logging:
  level: info
  format: json
metrics:
  addr: 127.0.0.1:9100
`), 0o600))

	t.Setenv("FTPENGINE_LOGGING_LEVEL", "DEBUG")
	t.Setenv("FTPENGINE_DISABLE_EPSV", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, int64(65536), cfg.BandwidthLimit)
	assert.True(t, cfg.DisableEPSV)
	assert.True(t, cfg.ActiveMode)
	assert.Equal(t, 45*time.Second, cfg.IdleTimeout)
	assert.Equal(t, "DEBUG", cfg.Logging.Level, "environment wins over the file")
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "stderr", cfg.Logging.Output, "unset keys keep their defaults")
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"negative bandwidth", func(c *Config) { c.BandwidthLimit = -1 }, true},
		{"negative idle timeout", func(c *Config) { c.IdleTimeout = -time.Second }, true},
		{"idle timeout", func(c *Config) { c.IdleTimeout = time.Minute }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "LOUD" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad metrics addr", func(c *Config) { c.Metrics.Addr = "nope" }, true},
		{"metrics addr", func(c *Config) { c.Metrics.Addr = "localhost:9100" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
