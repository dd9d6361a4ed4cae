package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`
	DataDir  string `yaml:"data_dir"`
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	LockTimeout       time.Duration `yaml:"lock_timeout"`
	IngestRate        float64       `yaml:"ingest_rate"`
	IngestBurst       int           `yaml:"ingest_burst"`
	CompareTTL        time.Duration `yaml:"compare_ttl"`

	MQTT   MQTT   `yaml:"mqtt"`
	Export Export `yaml:"export"`
}

// MQTT ingestion is off while Broker is empty.
type MQTT struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// Export is off while Endpoint is empty. A zero Interval disables the
// periodic export of completed sessions.
type Export struct {
	Endpoint  string        `yaml:"endpoint"`
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Bucket    string        `yaml:"bucket"`
	Region    string        `yaml:"region"`
	UseSSL    bool          `yaml:"use_ssl"`
	Prefix    string        `yaml:"prefix"`
	Format    string        `yaml:"format"`
	Interval  time.Duration `yaml:"interval"`
}

func defaults() Config {
	return Config{
		Addr:              ":8080",
		GRPCAddr:          "",
		DataDir:           "./data",
		LogLevel:          "info",
		InactivityTimeout: 2 * time.Minute,
		SweepInterval:     15 * time.Second,
		LockTimeout:       5 * time.Second,
		IngestRate:        5,
		IngestBurst:       20,
		CompareTTL:        15 * time.Minute,
		MQTT: MQTT{
			Topic:    "trickle/+/batch",
			ClientID: "trickle",
			QoS:      1,
		},
		Export: Export{
			Bucket: "trickle-sessions",
			Format: "csv",
		},
	}
}

// Load starts from defaults, applies the YAML file named by TRICKLE_CONFIG
// if set, then environment variables.
func Load() (Config, error) {
	cfg := defaults()
	if path := os.Getenv("TRICKLE_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.Addr = getenv("TRICKLE_ADDR", cfg.Addr)
	cfg.GRPCAddr = getenv("TRICKLE_GRPC_ADDR", cfg.GRPCAddr)
	cfg.DataDir = getenv("TRICKLE_DATA_DIR", cfg.DataDir)
	if cfg.DBPath == "" {
		cfg.DBPath = cfg.DataDir + "/trickle.db"
	}
	cfg.DBPath = getenv("TRICKLE_DB_PATH", cfg.DBPath)
	cfg.LogLevel = getenv("TRICKLE_LOG_LEVEL", cfg.LogLevel)

	cfg.InactivityTimeout = getenvDuration("TRICKLE_INACTIVITY_TIMEOUT", cfg.InactivityTimeout)
	cfg.SweepInterval = getenvDuration("TRICKLE_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.LockTimeout = getenvDuration("TRICKLE_LOCK_TIMEOUT", cfg.LockTimeout)
	cfg.IngestRate = getenvFloat("TRICKLE_INGEST_RATE", cfg.IngestRate)
	cfg.IngestBurst = getenvInt("TRICKLE_INGEST_BURST", cfg.IngestBurst)
	cfg.CompareTTL = getenvDuration("TRICKLE_COMPARE_TTL", cfg.CompareTTL)

	cfg.MQTT.Broker = getenv("TRICKLE_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.Topic = getenv("TRICKLE_MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.ClientID = getenv("TRICKLE_MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getenv("TRICKLE_MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenv("TRICKLE_MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.QoS = getenvInt("TRICKLE_MQTT_QOS", cfg.MQTT.QoS)

	cfg.Export.Endpoint = getenv("TRICKLE_EXPORT_ENDPOINT", cfg.Export.Endpoint)
	cfg.Export.AccessKey = getenv("TRICKLE_EXPORT_ACCESS_KEY", cfg.Export.AccessKey)
	cfg.Export.SecretKey = getenv("TRICKLE_EXPORT_SECRET_KEY", cfg.Export.SecretKey)
	cfg.Export.Bucket = getenv("TRICKLE_EXPORT_BUCKET", cfg.Export.Bucket)
	cfg.Export.Region = getenv("TRICKLE_EXPORT_REGION", cfg.Export.Region)
	cfg.Export.UseSSL = getenvBool("TRICKLE_EXPORT_USE_SSL", cfg.Export.UseSSL)
	cfg.Export.Prefix = getenv("TRICKLE_EXPORT_PREFIX", cfg.Export.Prefix)
	cfg.Export.Format = getenv("TRICKLE_EXPORT_FORMAT", cfg.Export.Format)
	cfg.Export.Interval = getenvDuration("TRICKLE_EXPORT_INTERVAL", cfg.Export.Interval)

	if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
		return cfg, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.InactivityTimeout <= 0 || cfg.SweepInterval <= 0 {
		return cfg, fmt.Errorf("inactivity timeout and sweep interval must be positive")
	}
	return cfg, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func getenvInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return d
	}
	return n
}

func getenvFloat(k string, d float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return d
	}
	return f
}

func getenvDuration(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	dur, err := time.ParseDuration(v)
	if err != nil {
		return d
	}
	return dur
}

func getenvBool(k string, d bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return d
	}
	if v == "1" || v == "true" || v == "yes" || v == "on" {
		return true
	}
	if v == "0" || v == "false" || v == "no" || v == "off" {
		return false
	}
	return d
}
