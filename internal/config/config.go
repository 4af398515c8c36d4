package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rackoot/racky.app-sub000/internal/health"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Sync     SyncConfig     `yaml:"sync"`
	Health   HealthConfig   `yaml:"health"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   string           `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	SyncConcurrency   int           `yaml:"sync_concurrency"`
	BatchConcurrency  int           `yaml:"batch_concurrency"`
	AIConcurrency     int           `yaml:"ai_concurrency"`
	DefaultAttempts   int           `yaml:"default_attempts"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StalledAfter      time.Duration `yaml:"stalled_after"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	RetentionGrace    time.Duration `yaml:"retention_grace"`
	RetentionInterval time.Duration `yaml:"retention_interval"`
	RecoveryCutoff    time.Duration `yaml:"recovery_cutoff"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// SyncConfig holds marketplace sync tuning
type SyncConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	PageSize       int           `yaml:"page_size"`
	ScanCeiling    int           `yaml:"scan_ceiling"`
	AdapterRPS     float64       `yaml:"adapter_rps"`
	AdapterBurst   int           `yaml:"adapter_burst"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HealthConfig holds health monitor tuning
type HealthConfig struct {
	Interval          time.Duration    `yaml:"interval"`
	StatsWindow       time.Duration    `yaml:"stats_window"`
	DatastoreSlow     time.Duration    `yaml:"datastore_slow"`
	SnapshotRetention time.Duration    `yaml:"snapshot_retention"`
	Thresholds        ThresholdsConfig `yaml:"thresholds"`
}

// ThresholdsConfig holds alert limits
type ThresholdsConfig struct {
	BacklogWarning       int           `yaml:"backlog_warning"`
	FailureRateWarning   float64       `yaml:"failure_rate_warning"`
	AvgProcessingWarning time.Duration `yaml:"avg_processing_warning"`
	ConsumeRateFloor     float64       `yaml:"consume_rate_floor"`
	FailuresPerHourLimit int           `yaml:"failures_per_hour_limit"`
}

// MonitorConfig converts the health section into the monitor's config type.
func (h HealthConfig) MonitorConfig() health.Config {
	thresholds := health.Thresholds{
		BacklogWarning:       h.Thresholds.BacklogWarning,
		FailureRateWarning:   h.Thresholds.FailureRateWarning,
		AvgProcessingWarning: h.Thresholds.AvgProcessingWarning,
		ConsumeRateFloor:     h.Thresholds.ConsumeRateFloor,
		FailuresPerHourLimit: h.Thresholds.FailuresPerHourLimit,
	}
	if thresholds == (health.Thresholds{}) {
		thresholds = health.DefaultThresholds()
	}

	return health.Config{
		Interval:          h.Interval,
		StatsWindow:       h.StatsWindow,
		DatastoreSlow:     h.DatastoreSlow,
		SnapshotRetention: h.SnapshotRetention,
		Thresholds:        thresholds,
	}
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Worker.SyncConcurrency <= 0 {
		c.Worker.SyncConcurrency = 2
	}
	if c.Worker.BatchConcurrency <= 0 {
		c.Worker.BatchConcurrency = 5
	}
	if c.Worker.AIConcurrency <= 0 {
		c.Worker.AIConcurrency = 3
	}
	if c.Worker.DefaultAttempts <= 0 {
		c.Worker.DefaultAttempts = 3
	}
	if c.Worker.JobTimeout <= 0 {
		c.Worker.JobTimeout = 5 * time.Minute
	}
	if c.Worker.HeartbeatInterval <= 0 {
		c.Worker.HeartbeatInterval = 30 * time.Second
	}
	if c.Worker.StalledAfter <= 0 {
		c.Worker.StalledAfter = 2 * time.Minute
	}
	if c.Worker.ReaperInterval <= 0 {
		c.Worker.ReaperInterval = time.Minute
	}
	if c.Worker.RetentionGrace <= 0 {
		c.Worker.RetentionGrace = 7 * 24 * time.Hour
	}
	if c.Worker.RetentionInterval <= 0 {
		c.Worker.RetentionInterval = time.Hour
	}
	if c.Worker.RecoveryCutoff <= 0 {
		c.Worker.RecoveryCutoff = time.Minute
	}
	if c.Worker.ShutdownTimeout <= 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 50
	}
	if c.Sync.ScanCeiling <= 0 {
		c.Sync.ScanCeiling = 10000
	}
	if c.RabbitMQ.Consumer.PrefetchCount <= 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 10
	}
}

// ValidateAPIConfig checks the configuration the API service needs.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	return nil
}

// ValidateWorkerConfig checks the configuration the worker service needs.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.JobTimeout <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker job_timeout must exceed heartbeat_interval")
	}

	if c.Worker.StalledAfter <= c.Worker.HeartbeatInterval {
		return fmt.Errorf("worker stalled_after must exceed heartbeat_interval")
	}

	if c.Sync.BatchSize > 250 {
		return fmt.Errorf("sync batch_size must not exceed 250")
	}

	return nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}
