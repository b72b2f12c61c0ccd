package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config keeps runtime settings for the head unit backend.
type Config struct {
	HTTPAddr string
	GinMode  string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	DaemonCallTimeout time.Duration
	StopGrace         time.Duration
	EventQueueSize    int

	BluetoothctlBin string
	DBusSendBin     string
	PlayerctlBin    string

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string
	MQTTTopic     string
	MQTTQoS       int
	MQTTRetained  bool

	LogLevel  string
	LogFormat string

	// ServerURL is where the CLI subcommands find a running server.
	ServerURL string
}

// EnvPath is the per-user .env file loaded after the one in the working
// directory.
func EnvPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, "headunit", ".env")
}

// LoadEnvFiles loads .env files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":5000"),
		GinMode:           getEnv("GIN_MODE", "release"),
		PollInterval:      getEnvDuration("POLL_INTERVAL", 3*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		DaemonCallTimeout: getEnvDuration("DAEMON_CALL_TIMEOUT", 5*time.Second),
		StopGrace:         getEnvDuration("STOP_GRACE", 2*time.Second),
		EventQueueSize:    getEnvInt("EVENT_QUEUE_SIZE", 16),
		BluetoothctlBin:   getEnv("BLUETOOTHCTL_BIN", "bluetoothctl"),
		DBusSendBin:       getEnv("DBUS_SEND_BIN", "dbus-send"),
		PlayerctlBin:      getEnv("PLAYERCTL_BIN", "playerctl"),
		MQTTBrokerURL:     strings.TrimSpace(getEnv("MQTT_BROKER_URL", "")),
		MQTTClientID:      getEnv("MQTT_CLIENT_ID", ""),
		MQTTUsername:      getEnv("MQTT_USERNAME", ""),
		MQTTPassword:      getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:         getEnv("MQTT_TOPIC", "headunit/phone/status"),
		MQTTQoS:           getEnvInt("MQTT_QOS", 0),
		MQTTRetained:      getEnvBool("MQTT_RETAINED", true),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "console")),
		ServerURL:         strings.TrimRight(getEnv("HEADUNIT_URL", "http://127.0.0.1:5000"), "/"),
	}

	if cfg.PollInterval <= 0 || cfg.HeartbeatInterval <= 0 || cfg.StopGrace <= 0 {
		return Config{}, fmt.Errorf("intervals must be positive")
	}
	if cfg.DaemonCallTimeout <= 0 || cfg.DaemonCallTimeout > 5*time.Second {
		return Config{}, fmt.Errorf("daemon call timeout must be in (0, 5s], got %s", cfg.DaemonCallTimeout)
	}
	if cfg.EventQueueSize <= 0 {
		return Config{}, fmt.Errorf("event queue size must be positive")
	}
	if cfg.MQTTQoS < 0 || cfg.MQTTQoS > 2 {
		return Config{}, fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if cfg.MQTTBrokerURL != "" && cfg.MQTTTopic == "" {
		return Config{}, fmt.Errorf("mqtt topic must not be empty when a broker is configured")
	}
	switch cfg.LogFormat {
	case "console", "json":
	default:
		return Config{}, fmt.Errorf("log format must be console or json, got %q", cfg.LogFormat)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
