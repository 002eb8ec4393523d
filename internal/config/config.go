// Package config loads application configuration from defaults, a YAML file
// and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment variables read by Load.
// Nested keys are separated by a double underscore:
// QUEUELINE_DATABASE__URL sets database.url.
const EnvPrefix = "QUEUELINE_"

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Redis         RedisConfig         `koanf:"redis"`
	Log           LogConfig           `koanf:"log"`
	CORS          CORSConfig          `koanf:"cors"`
	JWT           JWTConfig           `koanf:"jwt"`
	Queues        QueuesConfig        `koanf:"queues"`
	Notifications NotificationsConfig `koanf:"notifications"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// RedisConfig contains settings of the live update bus.
type RedisConfig struct {
	Enabled         bool          `koanf:"enabled"`
	URL             string        `koanf:"url"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ChannelPrefix   string        `koanf:"channel_prefix"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig contains CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// JWTConfig contains bearer token verification settings.
type JWTConfig struct {
	SecretKey string `koanf:"secret_key"`
	Issuer    string `koanf:"issuer"`
}

// QueuesConfig contains lifecycle settings.
type QueuesConfig struct {
	TurnApproachingRank int    `koanf:"turn_approaching_rank"`
	PublicBaseURL       string `koanf:"public_base_url"`
	QRCodeSize          int    `koanf:"qr_code_size"`
}

// NotificationsConfig contains dispatch pipeline settings.
type NotificationsConfig struct {
	Enabled         bool              `koanf:"enabled"`
	BaseURL         string            `koanf:"base_url"`
	StaggerInterval time.Duration     `koanf:"stagger_interval"`
	Worker          WorkerConfig      `koanf:"worker"`
	Retry           RetryConfig       `koanf:"retry"`
	Maintenance     MaintenanceConfig `koanf:"maintenance"`
	SMS             SMSConfig         `koanf:"sms"`
	Chat            ChatConfig        `koanf:"chat"`
	Email           EmailConfig       `koanf:"email"`
}

// WorkerConfig contains dispatch worker settings.
type WorkerConfig struct {
	BatchSize    int           `koanf:"batch_size"`
	PollInterval time.Duration `koanf:"poll_interval"`
	NumWorkers   int           `koanf:"num_workers"`
}

// RetryConfig contains delivery retry settings.
type RetryConfig struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
}

// MaintenanceConfig contains dispatch queue housekeeping settings.
type MaintenanceConfig struct {
	RecoverSchedule string        `koanf:"recover_schedule"`
	PurgeSchedule   string        `koanf:"purge_schedule"`
	StuckAfter      time.Duration `koanf:"stuck_after"`
	FailedRetention time.Duration `koanf:"failed_retention"`
}

// SMSConfig contains Amazon SNS settings.
type SMSConfig struct {
	Enabled         bool    `koanf:"enabled"`
	Region          string  `koanf:"region"`
	AccessKeyID     string  `koanf:"access_key_id"`
	SecretAccessKey string  `koanf:"secret_access_key"`
	Endpoint        string  `koanf:"endpoint"`
	SenderID        string  `koanf:"sender_id"`
	RateLimit       float64 `koanf:"rate_limit"`
}

// ChatConfig contains WhatsApp-style gateway settings.
type ChatConfig struct {
	Enabled          bool          `koanf:"enabled"`
	APIURL           string        `koanf:"api_url"`
	AuthKey          string        `koanf:"auth_key"`
	IntegratedNumber string        `koanf:"integrated_number"`
	Timeout          time.Duration `koanf:"timeout"`
	RateLimit        float64       `koanf:"rate_limit"`
}

// EmailConfig contains email provider settings.
type EmailConfig struct {
	Enabled             bool   `koanf:"enabled"`
	Provider            string `koanf:"provider"`
	FromAddress         string `koanf:"from_address"`
	FromName            string `koanf:"from_name"`
	SMTPHost            string `koanf:"smtp_host"`
	SMTPPort            int    `koanf:"smtp_port"`
	SMTPUser            string `koanf:"smtp_user"`
	SMTPPassword        string `koanf:"smtp_password"`
	PostmarkServerToken string `koanf:"postmark_server_token"`
	SendgridAPIKey      string `koanf:"sendgrid_api_key"`
}

// Email providers.
const (
	EmailProviderSMTP     = "smtp"
	EmailProviderPostmark = "postmark"
	EmailProviderSendgrid = "sendgrid"
)

// Default returns the configuration used when nothing overrides a value.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
		},
		Redis: RedisConfig{
			ConnectAttempts: 3,
			ChannelPrefix:   "queueline",
			ConnectTimeout:  10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		JWT: JWTConfig{
			Issuer: "queueline",
		},
		Queues: QueuesConfig{
			TurnApproachingRank: 3,
			PublicBaseURL:       "http://localhost:8080",
			QRCodeSize:          256,
		},
		Notifications: NotificationsConfig{
			Enabled:         true,
			BaseURL:         "http://localhost:3000",
			StaggerInterval: time.Second,
			Worker: WorkerConfig{
				BatchSize:    100,
				PollInterval: time.Second,
				NumWorkers:   3,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialBackoff:    2 * time.Second,
				MaxBackoff:        5 * time.Minute,
				BackoffMultiplier: 2.0,
			},
			Maintenance: MaintenanceConfig{
				RecoverSchedule: "@every 1m",
				PurgeSchedule:   "@hourly",
				StuckAfter:      5 * time.Minute,
				FailedRetention: 7 * 24 * time.Hour,
			},
			SMS: SMSConfig{
				Region:    "us-east-1",
				RateLimit: 10,
			},
			Chat: ChatConfig{
				APIURL:    "https://api.msg91.com/api/v5/whatsapp/whatsapp-outbound-message/",
				Timeout:   10 * time.Second,
				RateLimit: 10,
			},
			Email: EmailConfig{
				Provider: EmailProviderSMTP,
				FromName: "Queueline",
				SMTPPort: 587,
			},
		},
	}
}

// Load reads configuration. A .env file in the working directory, if any,
// is loaded into the environment first; path may be empty.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps QUEUELINE_NOTIFICATIONS__RETRY__MAX_ATTEMPTS to
// notifications.retry.max_attempts.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate rejects configurations the application cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis.url is required when redis is enabled"))
	}
	if c.Queues.TurnApproachingRank < 1 {
		errs = append(errs, errors.New("queues.turn_approaching_rank must be at least 1"))
	}

	n := c.Notifications
	if n.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("notifications.retry.max_attempts must be at least 1"))
	}
	if n.Retry.BackoffMultiplier <= 1 {
		errs = append(errs, errors.New("notifications.retry.backoff_multiplier must be greater than 1"))
	}
	if n.Worker.NumWorkers < 1 {
		errs = append(errs, errors.New("notifications.worker.num_workers must be at least 1"))
	}
	if n.StaggerInterval < 0 {
		errs = append(errs, errors.New("notifications.stagger_interval must not be negative"))
	}
	switch n.Email.Provider {
	case EmailProviderSMTP, EmailProviderPostmark, EmailProviderSendgrid:
	default:
		errs = append(errs, fmt.Errorf("notifications.email.provider %q is not supported", n.Email.Provider))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
