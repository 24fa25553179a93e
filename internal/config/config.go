package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig             `yaml:"server"`
	Database  DatabaseConfig           `yaml:"database"`
	RabbitMQ  RabbitMQConfig           `yaml:"rabbitmq"`
	Storage   StorageConfig            `yaml:"storage"`
	Auth      AuthConfig               `yaml:"auth"`
	RateLimit RateLimitConfig          `yaml:"rate_limit"`
	Backends  BackendsConfig           `yaml:"backends"`
	JobTypes  map[string]JobTypeConfig `yaml:"job_types"`
	Logging   LoggingConfig            `yaml:"logging"`
	App       AppConfig                `yaml:"app"`
	Worker    WorkerConfig             `yaml:"worker"`
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
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// StorageConfig holds blob storage configuration
type StorageConfig struct {
	UploadDir          string        `yaml:"upload_dir"`
	OutputDir          string        `yaml:"output_dir"`
	MaxFileSizeMB      int           `yaml:"max_file_size_mb"`
	MaxFilesPerRequest int           `yaml:"max_files_per_request"`
	CleanupAfterHours  int           `yaml:"cleanup_after_hours"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// MaxFileSizeBytes converts the configured ceiling from MB to bytes.
func (s StorageConfig) MaxFileSizeBytes() int64 {
	return int64(s.MaxFileSizeMB) * 1024 * 1024
}

// RecordTTL converts cleanup_after_hours into a duration. Job records and
// job directories share the same time-to-live.
func (s StorageConfig) RecordTTL() time.Duration {
	return time.Duration(s.CleanupAfterHours) * time.Hour
}

// AuthConfig holds API key authentication configuration
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// RateLimitConfig holds request rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
}

// BackendsConfig holds processing backend configuration
type BackendsConfig struct {
	Local  LocalBackendConfig  `yaml:"local"`
	Gradio GradioBackendConfig `yaml:"gradio"`
	Remote RemoteBackendConfig `yaml:"remote"`
}

// LocalBackendConfig configures the subprocess rembg backend
type LocalBackendConfig struct {
	Binary       string `yaml:"binary"`
	DefaultModel string `yaml:"default_model"`
}

// GradioBackendConfig configures the hosted-demo proxy backend
type GradioBackendConfig struct {
	SpaceURL string        `yaml:"space_url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RemoteBackendConfig configures the async submit/poll backend
type RemoteBackendConfig struct {
	EndpointURL  string        `yaml:"endpoint_url"`
	APIKey       string        `yaml:"api_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

// JobTypeConfig holds the per-type dispatch policy. Each job type gets its
// own queue, retry budget, and time limits since rembg work is light and
// parallel while trellis work is GPU-heavy and long-running.
type JobTypeConfig struct {
	Queue       string        `yaml:"queue"`
	RoutingKey  string        `yaml:"routing_key"`
	Concurrency int           `yaml:"concurrency"`
	MaxRetries  int           `yaml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	SoftTimeout time.Duration `yaml:"soft_timeout"`
	HardTimeout time.Duration `yaml:"hard_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReaperInterval    time.Duration `yaml:"reaper_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// Load reads and parses the configuration file. Secrets may be supplied
// through the environment instead of the file; a set variable wins.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnvOverrides()

	return &config, nil
}

// applyEnvOverrides replaces file-sourced secrets with environment values so
// credentials can stay out of checked-in config files.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("AUTH_API_KEYS"); v != "" {
		keys := make([]string, 0)
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				keys = append(keys, key)
			}
		}
		if len(keys) > 0 {
			c.Auth.APIKeys = keys
		}
	}
	if v := os.Getenv("TRELLIS_REMOTE_API_KEY"); v != "" {
		c.Backends.Remote.APIKey = v
	}
}

// validateCommon checks the sections both services depend on
func (c *Config) validateCommon() error {
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

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.Storage.UploadDir == "" || c.Storage.OutputDir == "" {
		return fmt.Errorf("storage upload_dir and output_dir are required")
	}

	if c.Storage.MaxFileSizeMB <= 0 {
		return fmt.Errorf("storage max_file_size_mb must be greater than 0")
	}

	if c.Storage.CleanupAfterHours <= 0 {
		return fmt.Errorf("storage cleanup_after_hours must be greater than 0")
	}

	if len(c.JobTypes) == 0 {
		return fmt.Errorf("at least one job type must be configured")
	}

	for name, jt := range c.JobTypes {
		if jt.Queue == "" {
			return fmt.Errorf("job type %q: queue name is required", name)
		}
		if jt.RoutingKey == "" {
			return fmt.Errorf("job type %q: routing key is required", name)
		}
		if jt.MaxRetries < 0 {
			return fmt.Errorf("job type %q: max_retries must not be negative", name)
		}
		if jt.SoftTimeout <= 0 || jt.HardTimeout <= 0 {
			return fmt.Errorf("job type %q: soft_timeout and hard_timeout must be greater than 0", name)
		}
		if jt.HardTimeout <= jt.SoftTimeout {
			return fmt.Errorf("job type %q: hard_timeout must exceed soft_timeout", name)
		}
	}

	return nil
}

// ValidateAPIConfig checks the configuration for the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("at least one API key is required")
	}

	if c.Storage.MaxFilesPerRequest <= 0 {
		return fmt.Errorf("storage max_files_per_request must be greater than 0")
	}

	return c.validateCommon()
}

// ValidateWorkerConfig checks the configuration for the worker service
func (c *Config) ValidateWorkerConfig() error {
	for name, jt := range c.JobTypes {
		if jt.Concurrency <= 0 {
			return fmt.Errorf("job type %q: concurrency must be greater than 0", name)
		}
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ReaperInterval <= 0 {
		return fmt.Errorf("worker reaper_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Storage.SweepInterval <= 0 {
		return fmt.Errorf("storage sweep_interval must be greater than 0")
	}

	return c.validateCommon()
}
