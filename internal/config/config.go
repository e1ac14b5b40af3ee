// Package config loads service configuration from defaults, an optional TOML file and ALERTING_* env vars.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. Sections are separated by a double underscore:
// ALERTING_NOTIFY__SEND_TIMEOUT=3s sets notify.send_timeout.
const EnvPrefix = "ALERTING_"

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Log       LogConfig       `koanf:"log"`
	HTTP      HTTPConfig      `koanf:"http"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Auth      AuthConfig      `koanf:"auth"`
	Evaluator EvaluatorConfig `koanf:"evaluator"`
	Outbox    OutboxConfig    `koanf:"outbox"`
	Notify    NotifyConfig    `koanf:"notify"`
	Sweeper   SweeperConfig   `koanf:"sweeper"`
	SMTP      SMTPConfig      `koanf:"smtp"`
	Gateway   GatewayConfig   `koanf:"gateway"`
	AMQP      AMQPConfig      `koanf:"amqp"`
	MQTT      MQTTConfig      `koanf:"mqtt"`
}

type ServiceConfig struct {
	Name string `koanf:"name"`
	// PublicURL is used to build links in notifications.
	PublicURL string `koanf:"public_url"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HTTPConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

type RedisConfig struct {
	Addr       string        `koanf:"addr"`
	Password   string        `koanf:"password"`
	DB         int           `koanf:"db"`
	SummaryTTL time.Duration `koanf:"summary_ttl"`
}

type AuthConfig struct {
	JWTSecret     string        `koanf:"jwt_secret"`
	IngestSecret  string        `koanf:"ingest_secret"`
	IngestMaxSkew time.Duration `koanf:"ingest_max_skew"`
}

type EvaluatorConfig struct {
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
}

type OutboxConfig struct {
	Interval    time.Duration `koanf:"interval"`
	Batch       int           `koanf:"batch"`
	MaxAttempts int           `koanf:"max_attempts"`
}

type NotifyConfig struct {
	SendTimeout         time.Duration `koanf:"send_timeout"`
	MaxRetries          int           `koanf:"max_retries"`
	BackoffBase         time.Duration `koanf:"backoff_base"`
	BackoffCap          time.Duration `koanf:"backoff_cap"`
	RateLimitMultiplier int           `koanf:"rate_limit_multiplier"`
	TemplatesFile       string        `koanf:"templates_file"`
	DefaultTimezone     string        `koanf:"default_timezone"`
}

type SweeperConfig struct {
	Interval time.Duration `koanf:"interval"`
	Batch    int           `koanf:"batch"`
	Workers  int           `koanf:"workers"`
}

type SMTPConfig struct {
	Host     string        `koanf:"host"`
	Port     int           `koanf:"port"`
	Username string        `koanf:"username"`
	Password string        `koanf:"password"`
	From     string        `koanf:"from"`
	Security string        `koanf:"security"` // none, starttls, tls
	Timeout  time.Duration `koanf:"timeout"`
}

type GatewayConfig struct {
	SMSURL  string `koanf:"sms_url"`
	PushURL string `koanf:"push_url"`
	APIKey  string `koanf:"api_key"`
}

type AMQPConfig struct {
	URL        string `koanf:"url"`
	Exchange   string `koanf:"exchange"`
	Queue      string `koanf:"queue"`
	RoutingKey string `koanf:"routing_key"`
}

type MQTTConfig struct {
	Broker   string `koanf:"broker"`
	ClientID string `koanf:"client_id"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Topic    string `koanf:"topic"`
	QoS      int    `koanf:"qos"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "iot-alerting"},
		Log:     LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
		},
		Database: DatabaseConfig{MaxOpenConns: 20},
		Redis:    RedisConfig{SummaryTTL: 5 * time.Minute},
		Auth:     AuthConfig{IngestMaxSkew: 5 * time.Minute},
		Evaluator: EvaluatorConfig{
			Workers:   8,
			QueueSize: 256,
		},
		Outbox: OutboxConfig{
			Interval:    time.Second,
			Batch:       50,
			MaxAttempts: 5,
		},
		Notify: NotifyConfig{
			SendTimeout:         5 * time.Second,
			MaxRetries:          5,
			BackoffBase:         time.Second,
			BackoffCap:          5 * time.Minute,
			RateLimitMultiplier: 4,
			DefaultTimezone:     "UTC",
		},
		Sweeper: SweeperConfig{
			Interval: 10 * time.Second,
			Batch:    100,
			Workers:  4,
		},
		SMTP: SMTPConfig{
			Port:     587,
			Security: "starttls",
			Timeout:  10 * time.Second,
		},
		AMQP: AMQPConfig{
			Exchange:   "iot-telemetry",
			Queue:      "alerting.telemetry",
			RoutingKey: "telemetry.#",
		},
		MQTT: MQTTConfig{
			ClientID: "iot-alerting",
			Topic:    "tenants/+/devices/+/telemetry",
			QoS:      1,
		},
	}
}

// Load layers the TOML file at path (skipped when empty or missing) and env overrides on top of Default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// envToKey maps ALERTING_NOTIFY__SEND_TIMEOUT to notify.send_timeout.
func envToKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

// Validate reports settings required to serve traffic.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Evaluator.Workers <= 0 {
		errs = append(errs, errors.New("evaluator.workers must be positive"))
	}
	if c.Notify.MaxRetries < 0 {
		errs = append(errs, errors.New("notify.max_retries must not be negative"))
	}
	if c.Notify.BackoffCap < c.Notify.BackoffBase {
		errs = append(errs, errors.New("notify.backoff_cap must be at least notify.backoff_base"))
	}
	switch c.SMTP.Security {
	case "", "none", "starttls", "tls":
	default:
		errs = append(errs, fmt.Errorf("smtp.security %q is not one of none, starttls, tls", c.SMTP.Security))
	}
	return errors.Join(errs...)
}
