// Package config loads service configuration from the environment with an
// optional yaml overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"asset-alerting/internal/bus"
)

// Kafka configures the broker transport. Empty Brokers disables it.
type Kafka struct {
	Brokers      []string      `yaml:"brokers"`
	SensorTopic  string        `yaml:"sensor_topic"`
	ActionTopic  string        `yaml:"action_topic"`
	GroupID      string        `yaml:"group_id"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// Enabled reports whether brokers are configured.
func (k Kafka) Enabled() bool {
	return len(k.Brokers) > 0
}

// BusConfig converts to the transport configuration.
func (k Kafka) BusConfig() bus.KafkaConfig {
	return bus.KafkaConfig{
		Brokers:      k.Brokers,
		SensorTopic:  k.SensorTopic,
		ActionTopic:  k.ActionTopic,
		GroupID:      k.GroupID,
		MaxRetries:   k.MaxRetries,
		RetryBackoff: k.RetryBackoff,
		WriteTimeout: k.WriteTimeout,
		BatchTimeout: k.BatchTimeout,
	}
}

// Config defines service configuration.
type Config struct {
	DatabaseURL       string        `yaml:"database_url"`
	HTTPAddr          string        `yaml:"http_addr"`
	LogLevel          string        `yaml:"log_level"`
	DBMaxOpenConns    int           `yaml:"db_max_open_conns"`
	DBMaxIdleConns    int           `yaml:"db_max_idle_conns"`
	DBConnMaxLifetime time.Duration `yaml:"db_conn_max_lifetime"`

	JWTSecret    string        `yaml:"jwt_secret"`
	IngestSecret string        `yaml:"ingest_secret"`
	IngestSkew   time.Duration `yaml:"ingest_max_skew"`

	LookbackHours      int           `yaml:"lookback_hours"`
	ComputationBaseURL string        `yaml:"computation_base_url"`
	ComputationToken   string        `yaml:"computation_token"`
	WebhookTimeout     time.Duration `yaml:"webhook_timeout"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout"`

	Kafka       Kafka              `yaml:"kafka"`
	TopicPrefix  string             `yaml:"topic_prefix"`
	TopicMapFile string             `yaml:"topic_map_file"`
	Topics       []bus.TopicMapping `yaml:"topics"`
}

// Load reads the environment, then overlays ALERT_ENGINE_CONFIG when set.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
		DBMaxOpenConns:    getenvIntDefault("DB_MAX_OPEN_CONNS", 20),
		DBMaxIdleConns:    getenvIntDefault("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getenvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),

		JWTSecret:    getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		IngestSecret: getenvDefault("INGEST_HMAC_SECRET", ""),
		IngestSkew:   time.Duration(getenvIntDefault("INGEST_MAX_SKEW_SECONDS", 300)) * time.Second,

		LookbackHours:      getenvIntDefault("SNAPSHOT_LOOKBACK_HOURS", 24),
		ComputationBaseURL: getenvDefault("COMPUTATION_BASE_URL", ""),
		ComputationToken:   getenvDefault("COMPUTATION_TOKEN", ""),
		WebhookTimeout:     getenvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		ShutdownTimeout:    getenvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		Kafka: Kafka{
			Brokers:      splitCSV(getenvDefault("KAFKA_BROKERS", "")),
			SensorTopic:  getenvDefault("KAFKA_SENSOR_TOPIC", "asset-readings"),
			ActionTopic:  getenvDefault("KAFKA_ACTION_TOPIC", "asset-alerts"),
			GroupID:      getenvDefault("KAFKA_GROUP_ID", "alert-engine"),
			MaxRetries:   getenvIntDefault("KAFKA_MAX_RETRIES", 3),
			RetryBackoff: getenvDuration("KAFKA_RETRY_BACKOFF", 200*time.Millisecond),
			WriteTimeout: getenvDuration("KAFKA_WRITE_TIMEOUT", 10*time.Second),
			BatchTimeout: getenvDuration("KAFKA_BATCH_TIMEOUT", 50*time.Millisecond),
		},
		TopicPrefix:  getenvDefault("TOPIC_ASSET_PREFIX", "assets"),
		TopicMapFile: getenvDefault("TOPIC_MAP_FILE", ""),
	}

	if path := os.Getenv("ALERT_ENGINE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if cfg.TopicMapFile != "" {
		mappings, err := bus.LoadTopicMappings(cfg.TopicMapFile)
		if err != nil {
			return cfg, err
		}
		cfg.Topics = append(cfg.Topics, mappings...)
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("config: DATABASE_URL or PG_DSN is required")
	}
	if c.JWTSecret == "" {
		return errors.New("config: AUTH_JWT_SECRET is required")
	}
	if c.LookbackHours <= 0 {
		return errors.New("config: lookback hours must be positive")
	}
	for i, m := range c.Topics {
		if m.Filter == "" || m.AssetID == "" {
			return fmt.Errorf("config: topic mapping %d: filter and asset_id required", i)
		}
	}
	if c.Kafka.Enabled() && c.Kafka.SensorTopic == "" && c.Kafka.ActionTopic == "" {
		return errors.New("config: kafka needs a sensor or action topic")
	}
	return nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
