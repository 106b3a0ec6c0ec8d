package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "printer.cfg")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "[connect]\ntoken = abc123\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "abc123", cfg.Connect.Token)
	require.Equal(t, "connect.prusa3d.com", cfg.Connect.Address)
	require.Equal(t, 443, cfg.Connect.Port)
	require.True(t, cfg.Connect.TLS)
	require.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	require.Equal(t, 115200, cfg.Serial.Baudrate)
	require.Equal(t, 5*time.Second, cfg.Intervals.TelemetrySendInterval)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, "[connect]\ntoken = abc123\naddress = 10.0.0.5\nport = 8080\ntls = false\n\n[serial]\nport = /dev/ttyUSB0\nbaudrate = 250000\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", cfg.Connect.Address)
	require.Equal(t, 8080, cfg.Connect.Port)
	require.False(t, cfg.Connect.TLS)
	require.Equal(t, "/dev/ttyUSB0", cfg.Serial.Port)
	require.Equal(t, 250000, cfg.Serial.Baudrate)
	require.Equal(t, "http://10.0.0.5:8080", cfg.baseURL())
}

func TestLoadConfigRequiresToken(t *testing.T) {
	path := writeConfig(t, "[serial]\nport = /dev/ttyACM0\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.cfg"))
	require.Error(t, err)
}
