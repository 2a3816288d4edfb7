package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	MQTT        MQTTConfig       `mapstructure:"mqtt"`
	ServiceBus  ServiceBusConfig `mapstructure:"servicebus"`
	Elastic     ElasticConfig    `mapstructure:"elastic"`
	NewRelic    NewRelicConfig   `mapstructure:"newrelic"`
	Thresholds  ThresholdsConfig `mapstructure:"thresholds"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Excursion   ExcursionConfig  `mapstructure:"excursion"`
	Ingest      IngestConfig     `mapstructure:"ingest"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Mode            string        `mapstructure:"mode"` // debug, release, test
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds the logging configuration
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig holds the database configuration.
// The service reads thresholds and entity membership from the
// authoritative store's database and writes only its own tables.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"ssl_mode"`
	MaxConn  int    `mapstructure:"max_conn"`
	MaxIdle  int    `mapstructure:"max_idle"`
	Debug    bool   `mapstructure:"debug"`
}

// RedisConfig holds the Redis configuration for the compliance mirror
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// MQTTConfig holds the MQTT telemetry transport configuration
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	QoS      int    `mapstructure:"qos"`
	Enabled  bool   `mapstructure:"enabled"`
}

// ServiceBusConfig holds the Azure Service Bus transport configuration
type ServiceBusConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	QueueName        string `mapstructure:"queue_name"`
	Workers          int    `mapstructure:"workers"`
	BatchSize        int    `mapstructure:"batch_size"`
}

// ElasticConfig holds the Elasticsearch configuration for episode audit
type ElasticConfig struct {
	URLs     []string `mapstructure:"urls"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Index    string   `mapstructure:"index"`
	Enabled  bool     `mapstructure:"enabled"`
}

// NewRelicConfig holds the New Relic configuration
type NewRelicConfig struct {
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
	Enabled    bool   `mapstructure:"enabled"`
}

// ThresholdsConfig controls the threshold registry refresh behavior.
// PollInterval and GracePeriod, together with the cache TTL, bound the
// staleness of everything this service serves.
type ThresholdsConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
}

// CacheConfig controls the aggregate cache
type CacheConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
}

// ExcursionConfig controls episode lifecycle handling
type ExcursionConfig struct {
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// IngestConfig controls reading validation and cold-start behavior
type IngestConfig struct {
	MaxFutureSkew time.Duration `mapstructure:"max_future_skew"`
	// WarmStart replays the last persisted reading per entity at startup
	// so tracker state survives restarts
	WarmStart bool `mapstructure:"warm_start"`
}

// Load reads configuration from config.yaml, overridden by TWIN_* env vars
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; env vars and defaults still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("TWIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")

	v.SetDefault("server.address", "0.0.0.0:8096")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "bio_supply")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conn", 20)
	v.SetDefault("database.max_idle", 5)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.enabled", true)

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "bio-supply-twin")
	v.SetDefault("mqtt.topic", "biosupply/+/telemetry")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.enabled", true)

	v.SetDefault("servicebus.queue_name", "twin-telemetry")
	v.SetDefault("servicebus.workers", 4)
	v.SetDefault("servicebus.batch_size", 20)

	v.SetDefault("elastic.urls", []string{"http://localhost:9200"})
	v.SetDefault("elastic.index", "twin-excursions")
	v.SetDefault("elastic.enabled", false)

	v.SetDefault("newrelic.app_name", "Bio Supply Twin")
	v.SetDefault("newrelic.enabled", false)

	v.SetDefault("thresholds.poll_interval", "60s")
	v.SetDefault("thresholds.grace_period", "10m")

	v.SetDefault("cache.ttl", "30s")
	v.SetDefault("cache.wait_timeout", "5s")

	v.SetDefault("excursion.idle_timeout", "15m")
	v.SetDefault("excursion.sweep_interval", "1m")

	v.SetDefault("ingest.max_future_skew", "5m")
	v.SetDefault("ingest.warm_start", true)
}
