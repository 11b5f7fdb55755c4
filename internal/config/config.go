package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	HTTPAddr string

	SQLiteDriver          string
	SQLiteDSN             string
	SQLitePath            string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration

	MQTTBroker      string
	MQTTPort        int
	MQTTClientID    string
	MQTTTopicPrefix string

	// BLEAdapter is the HCI adapter the pollers share (e.g. "hci0").
	BLEAdapter string
	// DeviceMACs lists the toothbrushes to poll. Empty disables polling, which
	// keeps the HTTP/MQTT surface usable on hosts without Bluetooth.
	DeviceMACs []string

	PollInterval     time.Duration
	CycleTimeout     time.Duration
	NotificationWait time.Duration
	PageWait         time.Duration
	MaxSessionPages  int
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	httpAddr := envOr("HTTP_ADDR", ":8089")

	driver := envOr("DB_DRIVER", "sqlite3")
	dsn := strings.TrimSpace(os.Getenv("DB_DSN"))
	path := envOr("SQLITE_PATH", "data/oclean.db")

	maxOpenConns, err := envInt("DB_MAX_OPEN_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	maxIdleConns, err := envInt("DB_MAX_IDLE_CONNS", 1)
	if err != nil {
		return Config{}, err
	}
	connMaxLifetime, err := envDuration("DB_CONN_MAX_LIFETIME", 0)
	if err != nil {
		return Config{}, err
	}

	mqttBroker := envOr("MQTT_BROKER", "localhost")
	mqttPort, err := envInt("MQTT_PORT", 1883)
	if err != nil {
		return Config{}, err
	}
	mqttClientID := envOr("MQTT_CLIENT_ID", "oclean-bridge")
	mqttTopicPrefix := envOr("MQTT_TOPIC_PREFIX", "oclean")

	bleAdapter := envOr("BLE_ADAPTER", "hci0")

	var macs []string
	for _, m := range strings.Split(os.Getenv("DEVICE_MACS"), ",") {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if err := validateMAC(m); err != nil {
			return Config{}, err
		}
		macs = append(macs, strings.ToUpper(m))
	}

	pollInterval, err := envDuration("POLL_INTERVAL", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}
	if pollInterval < time.Minute {
		return Config{}, fmt.Errorf("POLL_INTERVAL must be at least 1m, got %v", pollInterval)
	}
	cycleTimeout, err := envDuration("CYCLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return Config{}, err
	}
	notificationWait, err := envDuration("NOTIFICATION_WAIT", 3*time.Second)
	if err != nil {
		return Config{}, err
	}
	pageWait, err := envDuration("PAGE_WAIT", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxPages, err := envInt("MAX_SESSION_PAGES", 50)
	if err != nil {
		return Config{}, err
	}
	if maxPages < 1 {
		return Config{}, fmt.Errorf("MAX_SESSION_PAGES must be positive, got %d", maxPages)
	}

	return Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		HTTPAddr:              httpAddr,
		SQLiteDriver:          driver,
		SQLiteDSN:             dsn,
		SQLitePath:            path,
		SQLiteMaxOpenConns:    maxOpenConns,
		SQLiteMaxIdleConns:    maxIdleConns,
		SQLiteConnMaxLifetime: connMaxLifetime,
		MQTTBroker:            mqttBroker,
		MQTTPort:              mqttPort,
		MQTTClientID:          mqttClientID,
		MQTTTopicPrefix:       mqttTopicPrefix,
		BLEAdapter:            bleAdapter,
		DeviceMACs:            macs,
		PollInterval:          pollInterval,
		CycleTimeout:          cycleTimeout,
		NotificationWait:      notificationWait,
		PageWait:              pageWait,
		MaxSessionPages:       maxPages,
	}, nil
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	return n, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %v", key, d)
	}
	return d, nil
}

func validateMAC(s string) error {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return fmt.Errorf("invalid MAC address %q in DEVICE_MACS", s)
	}
	for _, p := range parts {
		if len(p) != 2 {
			return fmt.Errorf("invalid MAC address %q in DEVICE_MACS", s)
		}
		if _, err := strconv.ParseUint(p, 16, 8); err != nil {
			return fmt.Errorf("invalid MAC address %q in DEVICE_MACS", s)
		}
	}
	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}
