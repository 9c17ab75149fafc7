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
	Mailtrack MailtrackConfig `yaml:"mailtrack"`
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
	Host                    string `yaml:"host"`
	Port                    int    `yaml:"port"`
	PackageUpdatedTopicName string `yaml:"package_updated_topic_name"`
	NotificationsTopicName  string `yaml:"notifications_topic_name"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type MailtrackConfig struct {
	HTTPAddr                string `yaml:"http_addr"`
	KafkaConsumerGroup      string `yaml:"kafka_consumer_group"`
	CurrentStatusTTLSeconds int    `yaml:"current_status_ttl_seconds"`

	WorkerPollIntervalSeconds int `yaml:"worker_poll_interval_seconds"`
	WorkerBatchSize           int `yaml:"worker_batch_size"`
	WorkerConcurrency         int `yaml:"worker_concurrency"`
	WorkerLeaseSeconds        int `yaml:"worker_lease_seconds"`
	WorkerRateLimitPerMinute  int `yaml:"worker_rate_limit_per_minute"`

	// Фиксированная пауза перед каждым живым запросом к перевозчику.
	WorkerInterRequestDelayMillis int `yaml:"worker_inter_request_delay_ms"`

	// Поминутные лимиты для отдельных перевозчиков поверх общего,
	// например UPS: 60.
	WorkerCarrierRateLimitsPerMinute map[string]int `yaml:"worker_carrier_rate_limits_per_minute"`

	WorkerHTTPAddr string `yaml:"worker_http_addr"`

	// Worker scheduling (optional). If not set, defaults are "prod-like"
	// minutes/hours: active statuses 30..120 minutes, unknown 90 minutes,
	// backoff 5/15/30/60 minutes.
	WorkerNextCheckActiveMinSeconds      int `yaml:"worker_next_check_active_min_seconds"`
	WorkerNextCheckActiveMaxSeconds      int `yaml:"worker_next_check_active_max_seconds"`
	WorkerNextCheckOutForDeliverySeconds int `yaml:"worker_next_check_out_for_delivery_seconds"`
	WorkerNextCheckUnknownSeconds        int `yaml:"worker_next_check_unknown_seconds"`
	WorkerBackoff1Seconds                int `yaml:"worker_backoff_1_seconds"`
	WorkerBackoff2Seconds                int `yaml:"worker_backoff_2_seconds"`
	WorkerBackoff3Seconds                int `yaml:"worker_backoff_3_seconds"`
	WorkerBackoff4Seconds                int `yaml:"worker_backoff_4_seconds"`

	// Источник статусов: "polling" | "aggregator" | "fake".
	CarrierSourceMode string `yaml:"carrier_source_mode"`

	CarrierPollingBaseURL            string `yaml:"carrier_polling_base_url"`
	CarrierPollingFetchWindowSeconds int    `yaml:"carrier_polling_fetch_window_seconds"`

	CarrierAggregatorBaseURL        string `yaml:"carrier_aggregator_base_url"`
	CarrierAggregatorTimeoutSeconds int    `yaml:"carrier_aggregator_timeout_seconds"`
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
