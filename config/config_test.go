package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "obligations.db", cfg.DBPath)
	assert.Equal(t, "queue.db", cfg.QueuePath)
	assert.NotEmpty(t, cfg.DeviceID)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "@every 1m", cfg.Notify.Schedule)
	assert.Equal(t, 30*time.Second, cfg.Connectivity.ProbeInterval)
	assert.Equal(t, 30*time.Second, cfg.Connectivity.RetryInterval)
	assert.Empty(t, cfg.Connectivity.ProbeURL)
	assert.Zero(t, cfg.Gateway.Latency)
}

func TestLoad_Precedence(t *testing.T) {
	// GIVEN: a config file, a .env file and an environment variable
	dir := t.TempDir()
	t.Chdir(dir)
	file := filepath.Join(dir, "obligations.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
port: 9000
device_id: from-file
log:
  level: warn
gateway:
  latency: 250ms
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("OBLIGATIONS_DEVICE_ID=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("OBLIGATIONS_DEVICE_ID") })
	t.Setenv("OBLIGATIONS_LOG_FORMAT", "json")

	// WHEN: loading
	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)

	// THEN: the environment wins over the file, the file over defaults
	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "from-dotenv", cfg.DeviceID)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.Gateway.Latency)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("log level", func(t *testing.T) {
		t.Setenv("OBLIGATIONS_LOG_LEVEL", "loud")
		_, err := Load(viper.New(), "")
		assert.ErrorContains(t, err, "log.level")
	})
	t.Run("port", func(t *testing.T) {
		t.Setenv("OBLIGATIONS_PORT", "70000")
		_, err := Load(viper.New(), "")
		assert.ErrorContains(t, err, "port")
	})
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestLoad_Contractors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	file := filepath.Join(dir, "obligations.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
contractors:
  - id: c-smith
    name: John Smith
    company: Smith Plumbing
    specialties: [plumbing]
    hourly_rate: "75.00"
    preferred: true
    rating: 5
  - id: c-brown
    name: Sarah Brown
    company: Brown Electric
    specialties: [electrical, hvac]
`), 0o600))

	cfg, err := Load(viper.New(), file)
	require.NoError(t, err)
	require.Len(t, cfg.Contractors, 2)
	assert.Equal(t, ContractorConfig{
		ID: "c-smith", Name: "John Smith", Company: "Smith Plumbing", Specialties: []string{"plumbing"},
		HourlyRate: "75.00", Preferred: true, Rating: 5,
	}, cfg.Contractors[0])
	assert.Equal(t, []string{"electrical", "hvac"}, cfg.Contractors[1].Specialties)

	require.NoError(t, os.WriteFile(file, []byte(`
contractors:
  - id: c-smith
    name: A
  - id: c-smith
    name: B
`), 0o600))
	_, err = Load(viper.New(), file)
	assert.ErrorContains(t, err, `duplicate id "c-smith"`)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{Log: LogConfig{Level: "warn", Format: "json"}}
	logger := cfg.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "obligation_id", "o1")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"obligation_id":"o1"`)
}
