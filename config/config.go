package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Carriers  CarriersConfig  `yaml:"carriers"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

type KafkaConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ShipmentUpdatedTopicName  string `yaml:"shipment_updated_topic_name"`
	ShipmentDelayedTopicName  string `yaml:"shipment_delayed_topic_name"`
	RefreshRequestedTopicName string `yaml:"refresh_requested_topic_name"`
	ConsumerGroup             string `yaml:"consumer_group"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type CarrierCredentials struct {
	BaseURL      string `yaml:"base_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

type CarriersConfig struct {
	UPS   CarrierCredentials `yaml:"ups"`
	FedEx CarrierCredentials `yaml:"fedex"`

	USPSBaseURL string `yaml:"usps_base_url"`
	USPSUserID  string `yaml:"usps_user_id"`

	// "use_fake" подменяет все адаптеры детерминированной заглушкой (демо/стенды).
	UseFake bool `yaml:"use_fake"`
}

type SchedulerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	QueueName           string `yaml:"queue_name"`
	TickIntervalSeconds int    `yaml:"tick_interval_seconds"`
	BatchSize           int    `yaml:"batch_size"`
	MaxEnqueuesPerRun   int    `yaml:"max_enqueues_per_run"`
}

type WorkerConfig struct {
	HTTPAddr string `yaml:"http_addr"`

	QueueName           string `yaml:"queue_name"`
	Concurrency         int    `yaml:"concurrency"`
	TrackTimeoutSeconds int    `yaml:"track_timeout_seconds"`

	RateLimitPerMinute      int `yaml:"rate_limit_per_minute"`
	RateLimitUPSPerMinute   int `yaml:"rate_limit_ups_per_minute"`
	RateLimitFedExPerMinute int `yaml:"rate_limit_fedex_per_minute"`
	RateLimitUSPSPerMinute  int `yaml:"rate_limit_usps_per_minute"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
