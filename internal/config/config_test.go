package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TRICKLE_CONFIG", "")
	t.Setenv("TRICKLE_DATA_DIR", "/var/lib/trickle")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "/var/lib/trickle/trickle.db", cfg.DBPath)
	assert.Equal(t, 2*time.Minute, cfg.InactivityTimeout)
	assert.Equal(t, "trickle/+/batch", cfg.MQTT.Topic)
	assert.Empty(t, cfg.MQTT.Broker)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trickle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr: ":9000"
db_path: /tmp/perf.db
inactivity_timeout: 5m
log_level: debug
mqtt:
  broker: tcp://broker:1883
  qos: 0
export:
  endpoint: minio:9000
  bucket: perf
  interval: 1m
`), 0o600))
	t.Setenv("TRICKLE_CONFIG", path)
	t.Setenv("TRICKLE_ADDR", ":9100")
	t.Setenv("TRICKLE_INGEST_RATE", "2.5")
	t.Setenv("TRICKLE_EXPORT_USE_SSL", "yes")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Addr)
	assert.Equal(t, "/tmp/perf.db", cfg.DBPath)
	assert.Equal(t, 5*time.Minute, cfg.InactivityTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, 0, cfg.MQTT.QoS)
	assert.Equal(t, "trickle/+/batch", cfg.MQTT.Topic)
	assert.Equal(t, "perf", cfg.Export.Bucket)
	assert.Equal(t, time.Minute, cfg.Export.Interval)
	assert.True(t, cfg.Export.UseSSL)
	assert.Equal(t, 2.5, cfg.IngestRate)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt:\n  qos: 3\n"), 0o600))
	t.Setenv("TRICKLE_CONFIG", path)
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("TRICKLE_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	assert.Error(t, err)
}

func TestGetenvFallbacks(t *testing.T) {
	t.Setenv("X_INT", "nope")
	t.Setenv("X_DUR", "soon")
	t.Setenv("X_BOOL", "maybe")
	assert.Equal(t, 7, getenvInt("X_INT", 7))
	assert.Equal(t, time.Second, getenvDuration("X_DUR", time.Second))
	assert.True(t, getenvBool("X_BOOL", true))
}
