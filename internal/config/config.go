package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Business BusinessConfig `mapstructure:"business"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Brokers       []string         `mapstructure:"brokers"`
	ConsumerGroup string           `mapstructure:"consumer_group"`
	Topic         KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransactionEvents string `mapstructure:"transaction_events"`
	PayoutResults     string `mapstructure:"payout_results"`
}

type BusinessConfig struct {
	LockTTLSeconds         int `mapstructure:"lock_ttl_seconds"`
	LockRetryIntervalMs    int `mapstructure:"lock_retry_interval_ms"`
	LockMaxRetries         int `mapstructure:"lock_max_retries"`
	CASMaxRetries          int `mapstructure:"cas_max_retries"`
	StaleProcessingMinutes int `mapstructure:"stale_processing_minutes"`
	MaxRetryCount          int `mapstructure:"max_retry_count"`
}

// LoadConfig reads the yaml config file into a Config. Zero business values
// fall back to safe defaults so a partial config file still boots.
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&config.Business)
	return config, nil
}

func applyDefaults(b *BusinessConfig) {
	if b.LockTTLSeconds <= 0 {
		b.LockTTLSeconds = 30
	}
	if b.LockRetryIntervalMs <= 0 {
		b.LockRetryIntervalMs = 100
	}
	if b.LockMaxRetries <= 0 {
		b.LockMaxRetries = 30
	}
	if b.CASMaxRetries <= 0 {
		b.CASMaxRetries = 3
	}
	if b.StaleProcessingMinutes <= 0 {
		b.StaleProcessingMinutes = 5
	}
	if b.MaxRetryCount <= 0 {
		b.MaxRetryCount = 5
	}
}
