package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the PawTracker server.
type Config struct {
	HTTPPort          int
	MQTTBindAddress   string // empty disables the embedded MQTT listener
	ArchivePath       string // empty disables the track archive
	LogLevel          string
	AdminUsername     string
	AdminPassword     string
	SessionTTL        time.Duration
	DisconnectTimeout time.Duration
	OnlineThreshold   time.Duration
	HistoryLimit      int
	MDNSEnabled       bool
}

const (
	defaultHTTPPort          = 3000
	defaultMQTTBindAddress   = ":1883"
	defaultLogLevel          = "info"
	defaultAdminUsername     = "admin"
	defaultAdminPassword     = "admin123"
	defaultSessionTTL        = 24 * time.Hour
	defaultDisconnectTimeout = 60 * time.Second
	defaultOnlineThreshold   = 60 * time.Second
	defaultHistoryLimit      = 1000
)

// Load derives configuration values from environment variables, falling
// back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:          defaultHTTPPort,
		MQTTBindAddress:   defaultMQTTBindAddress,
		LogLevel:          defaultLogLevel,
		AdminUsername:     defaultAdminUsername,
		AdminPassword:     defaultAdminPassword,
		SessionTTL:        defaultSessionTTL,
		DisconnectTimeout: defaultDisconnectTimeout,
		OnlineThreshold:   defaultOnlineThreshold,
		HistoryLimit:      defaultHistoryLimit,
		MDNSEnabled:       true,
	}

	if v := os.Getenv("PAWTRACKER_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PAWTRACKER_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v, ok := os.LookupEnv("PAWTRACKER_MQTT_BIND"); ok {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("PAWTRACKER_ARCHIVE_PATH"); v != "" {
		cfg.ArchivePath = v
	}

	if v := os.Getenv("PAWTRACKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("PAWTRACKER_ADMIN_USERNAME"); v != "" {
		cfg.AdminUsername = v
	}

	if v := os.Getenv("PAWTRACKER_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}

	if v := os.Getenv("PAWTRACKER_SESSION_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PAWTRACKER_SESSION_TTL: %w", err)
		}
		cfg.SessionTTL = ttl
	}

	if v := os.Getenv("PAWTRACKER_DISCONNECT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PAWTRACKER_DISCONNECT_TIMEOUT: %w", err)
		}
		cfg.DisconnectTimeout = d
	}

	if v := os.Getenv("PAWTRACKER_ONLINE_THRESHOLD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PAWTRACKER_ONLINE_THRESHOLD: %w", err)
		}
		cfg.OnlineThreshold = d
	}

	if v := os.Getenv("PAWTRACKER_HISTORY_LIMIT"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PAWTRACKER_HISTORY_LIMIT: %w", err)
		}
		cfg.HistoryLimit = limit
	}

	if v := os.Getenv("PAWTRACKER_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid PAWTRACKER_MDNS: %w", err)
		}
		cfg.MDNSEnabled = enabled
	}

	return cfg, nil
}
