// Package config provides configuration management for nexusbus. It supports
// environment variables, config files (YAML/JSON), and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Jonathan0823/nexusbus/internal/breaker"
	"github.com/Jonathan0823/nexusbus/pkg/logging"
)

// Config holds all configuration for the service.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// DevicesConfigPath is the YAML file with devices and polling targets.
	// Empty disables the file store.
	DevicesConfigPath string `mapstructure:"devices_config_path"`

	HTTP    HTTPConfig    `mapstructure:"http"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Polling PollingConfig `mapstructure:"polling"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Breaker BreakerConfig `mapstructure:"breaker"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	// RequestTimeout is the hard cap on live register operations before the
	// handler resets the gateway connection and reports a timeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	QoS            byte          `mapstructure:"qos"`
	Retain         bool          `mapstructure:"retain"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
}

// PollingConfig holds polling scheduler configuration.
type PollingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	DrainGrace time.Duration `mapstructure:"drain_grace"`
}

// CacheConfig holds register cache configuration.
type CacheConfig struct {
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// BreakerConfig holds per-device circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
}

// ToBreaker converts to the breaker package's config.
func (c BreakerConfig) ToBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.FailureThreshold,
		RecoveryTimeout:  c.RecoveryTimeout,
		SuccessThreshold: c.SuccessThreshold,
	}
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// ToLogConfig converts to the logging package's config.
func (c LoggingConfig) ToLogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		TimeFormat: c.TimeFormat,
	}
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/nexusbus")

	// Config file is optional, defaults and env vars suffice
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("NEXUSBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("devices_config_path", "./config/devices.yaml")

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 30*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.request_timeout", 15*time.Second)

	// MQTT
	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "nexusbus")
	v.SetDefault("mqtt.topic_prefix", "nexusbus")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)

	// Polling
	v.SetDefault("polling.enabled", true)
	v.SetDefault("polling.interval", 30*time.Second)
	v.SetDefault("polling.drain_grace", 5*time.Second)

	// Cache
	v.SetDefault("cache.default_ttl", 60*time.Second)
	v.SetDefault("cache.cleanup_interval", 5*time.Minute)

	// Circuit breaker
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 30*time.Second)
	v.SetDefault("breaker.success_threshold", 1)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("devices_config_path", "DEVICES_CONFIG_PATH")

	_ = v.BindEnv("http.port", "HTTP_PORT")

	_ = v.BindEnv("mqtt.enabled", "MQTT_ENABLED")
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")
	_ = v.BindEnv("mqtt.topic_prefix", "MQTT_TOPIC_PREFIX")

	_ = v.BindEnv("polling.interval", "POLLING_INTERVAL")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required when MQTT is enabled")
	}
	if c.Polling.Enabled && c.Polling.Interval <= 0 {
		return fmt.Errorf("polling interval must be positive")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.Breaker.FailureThreshold < 0 || c.Breaker.SuccessThreshold < 0 {
		return fmt.Errorf("breaker thresholds must not be negative")
	}
	return nil
}
