package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Session storage
	SessionsDir string
	DefaultTags []string // Used when a recording is started without tags

	// Event buffer
	BufferCapacity int

	// Stream discovery and connection
	DiscoveryTimeout time.Duration
	ConnectTimeout   time.Duration
	SyntheticStream  bool

	MQTT       MQTTConfig
	ClickHouse ClickHouseConfig
	Catalog    CatalogConfig

	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// MQTTConfig holds broker settings for the stream source and the announcer
type MQTTConfig struct {
	Enabled       bool
	Broker        string
	ClientID      string
	Username      string
	Password      string
	TopicPrefix   string // Sources publish on <prefix>/<source id>/{info,samples}
	AnnounceTopic string // Recording announcements go to <announce>/{recording,text,quality}
}

// ClickHouseConfig holds the analytics mirror settings
type ClickHouseConfig struct {
	Enabled       bool
	Addr          string
	DB            string
	User          string
	Pass          string
	FlushInterval time.Duration
	BatchSize     int
}

// CatalogConfig holds the SQLite session catalog settings
type CatalogConfig struct {
	Enabled bool
	Path    string
}

// Load reads configuration from an optional .env file and ADALOG_* environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	bufferCapacity, err := getEnvInt("ADALOG_BUFFER_CAPACITY", 4096)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	discoveryTimeout, err := getEnvDuration("ADALOG_DISCOVERY_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	connectTimeout, err := getEnvDuration("ADALOG_CONNECT_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	synthetic, err := getEnvBool("ADALOG_SYNTHETIC_STREAM", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	mqttEnabled, err := getEnvBool("ADALOG_MQTT_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	chEnabled, err := getEnvBool("ADALOG_CLICKHOUSE_ENABLED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	chFlush, err := getEnvDuration("ADALOG_CLICKHOUSE_FLUSH_INTERVAL", time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	chBatch, err := getEnvInt("ADALOG_CLICKHOUSE_BATCH_SIZE", 512)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	catalogEnabled, err := getEnvBool("ADALOG_CATALOG_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	sessionsDir := getEnv("ADALOG_SESSIONS_DIR", "sessions")

	cfg := &Config{
		SessionsDir:      sessionsDir,
		DefaultTags:      getEnvList("ADALOG_DEFAULT_TAGS", nil),
		BufferCapacity:   bufferCapacity,
		DiscoveryTimeout: discoveryTimeout,
		ConnectTimeout:   connectTimeout,
		SyntheticStream:  synthetic,

		MQTT: MQTTConfig{
			Enabled:       mqttEnabled,
			Broker:        getEnv("ADALOG_MQTT_BROKER", "tcp://localhost:1883"),
			ClientID:      getEnv("ADALOG_MQTT_CLIENT_ID", "adalog"),
			Username:      getEnv("ADALOG_MQTT_USERNAME", ""),
			Password:      getEnv("ADALOG_MQTT_PASSWORD", ""),
			TopicPrefix:   getEnv("ADALOG_MQTT_TOPIC_PREFIX", "eeg"),
			AnnounceTopic: getEnv("ADALOG_MQTT_ANNOUNCE_TOPIC", "adalog"),
		},

		ClickHouse: ClickHouseConfig{
			Enabled:       chEnabled,
			Addr:          getEnv("ADALOG_CLICKHOUSE_ADDR", "localhost:9000"),
			DB:            getEnv("ADALOG_CLICKHOUSE_DB", "adalog"),
			User:          getEnv("ADALOG_CLICKHOUSE_USER", "default"),
			Pass:          getEnv("ADALOG_CLICKHOUSE_PASS", ""),
			FlushInterval: chFlush,
			BatchSize:     chBatch,
		},

		Catalog: CatalogConfig{
			Enabled: catalogEnabled,
			Path:    getEnv("ADALOG_CATALOG_PATH", sessionsDir+"/catalog.sqlite"),
		},

		MetricsAddr: getEnv("ADALOG_METRICS_ADDR", ""),
		LogLevel:    getEnv("ADALOG_LOG_LEVEL", "info"),
		LogFormat:   getEnv("ADALOG_LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds
func (c *Config) validate() error {
	if strings.TrimSpace(c.SessionsDir) == "" {
		return errors.New("ADALOG_SESSIONS_DIR must not be empty")
	}
	if c.BufferCapacity < 1 {
		return fmt.Errorf("ADALOG_BUFFER_CAPACITY must be >= 1, got %d", c.BufferCapacity)
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("ADALOG_DISCOVERY_TIMEOUT must be positive, got %s", c.DiscoveryTimeout)
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("ADALOG_CONNECT_TIMEOUT must be positive, got %s", c.ConnectTimeout)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("ADALOG_MQTT_BROKER is required when MQTT is enabled")
	}
	if c.ClickHouse.Enabled {
		if c.ClickHouse.Addr == "" {
			return errors.New("ADALOG_CLICKHOUSE_ADDR is required when ClickHouse is enabled")
		}
		if c.ClickHouse.FlushInterval <= 0 {
			return fmt.Errorf("ADALOG_CLICKHOUSE_FLUSH_INTERVAL must be positive, got %s", c.ClickHouse.FlushInterval)
		}
		if c.ClickHouse.BatchSize < 1 {
			return fmt.Errorf("ADALOG_CLICKHOUSE_BATCH_SIZE must be >= 1, got %d", c.ClickHouse.BatchSize)
		}
	}
	if c.Catalog.Enabled && c.Catalog.Path == "" {
		return errors.New("ADALOG_CATALOG_PATH is required when the catalog is enabled")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, value, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, value, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, value, err)
	}
	return d, nil
}

// getEnvList splits a comma-separated variable, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
