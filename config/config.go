package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Ledger   LedgerConfig   `yaml:"ledger"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) ConnString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	JobsTopicName     string `yaml:"jobs_topic_name"`
	NotifyTopicName   string `yaml:"notify_topic_name"`
	JobsConsumerGroup string `yaml:"jobs_consumer_group"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LedgerConfig replaces the process-wide settings (master seller, scan intervals)
// and is passed explicitly into the reconciliation and job components.
type LedgerConfig struct {
	MasterSellerID string `yaml:"master_seller_id"`

	ChunkSize         int `yaml:"chunk_size"`
	MinTrackingLength int `yaml:"min_tracking_length"`
	ParseChunkRecords int `yaml:"parse_chunk_records"`

	ProjectionRefreshSeconds int `yaml:"projection_refresh_seconds"`
	RunnerTickSeconds        int `yaml:"runner_tick_seconds"`
	JobLeaseSeconds          int `yaml:"job_lease_seconds"`
	JobMaxRetries            int `yaml:"job_max_retries"`

	InterestQuota          int `yaml:"interest_quota"`
	LineRateLimitPerMinute int `yaml:"line_rate_limit_per_minute"`
	ResolveCacheTTLSeconds int `yaml:"resolve_cache_ttl_seconds"`

	FilesDir         string `yaml:"files_dir"`
	SpoolDir         string `yaml:"spool_dir"`
	FileStoreBaseURL string `yaml:"file_store_base_url"`
	FileStoreAPIKey  string `yaml:"file_store_api_key"`

	HTTPAddr    string `yaml:"http_addr"`
	SwaggerPath string `yaml:"swagger_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
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
