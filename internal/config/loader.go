package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Logger      LoggerConfig      `mapstructure:"logger"`
	Security    SecurityConfig    `mapstructure:"security"`
	Provisioner ProvisionerConfig `mapstructure:"provisioner"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Features    FeaturesConfig    `mapstructure:"features"`
	Auth        AuthConfig        `mapstructure:"auth"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

type LoggerConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

type SecurityConfig struct {
	EncryptionKey string `mapstructure:"encryption_key"`
	PublicURL     string `mapstructure:"public_url"`
}

// ProvisionerConfig governs one installation run: the SSH connect timeout
// and the attempt/backoff policy of the retry controller.
type ProvisionerConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	JitterMax      time.Duration `mapstructure:"jitter_max"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
}

// QueueConfig governs the durable job queue and its worker pool.
type QueueConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	StartsPerMinute int           `mapstructure:"starts_per_minute"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Retention       time.Duration `mapstructure:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxLogsPerRun   int           `mapstructure:"max_logs_per_run"`
	StaleClaim      time.Duration `mapstructure:"stale_claim"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Prefix  string `mapstructure:"prefix"`
}

type FeaturesConfig struct {
	RequestIDHeader      string `mapstructure:"request_id_header"`
	EnableRequestLogging bool   `mapstructure:"enable_request_logging"`
}

type AuthConfig struct {
	AdminAPIKey    string   `mapstructure:"admin_api_key"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

func Load(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.SetEnvPrefix("WPHIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("provisioner.connect_timeout", 30*time.Second)
	viper.SetDefault("provisioner.max_attempts", 3)
	viper.SetDefault("provisioner.base_delay", 2*time.Second)
	viper.SetDefault("provisioner.jitter_max", time.Second)
	viper.SetDefault("provisioner.token_ttl", 24*time.Hour)
	viper.SetDefault("queue.concurrency", 3)
	viper.SetDefault("queue.starts_per_minute", 10)
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.poll_interval", time.Second)
	viper.SetDefault("queue.retention", 7*24*time.Hour)
	viper.SetDefault("queue.cleanup_interval", time.Hour)
	viper.SetDefault("queue.max_logs_per_run", 5000)
	viper.SetDefault("queue.stale_claim", 15*time.Minute)
	viper.SetDefault("redis.prefix", "installation")
}
