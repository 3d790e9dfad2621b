// Package config loads gateway configuration from defaults, an optional YAML
// file, a .env file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration of the gateway process.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	SMPP     SMPPConfig     `yaml:"smpp"`
	Queue    QueueConfig    `yaml:"queue"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Pricing  PricingConfig  `yaml:"pricing"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Redis    RedisConfig    `yaml:"redis"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Addr returns host:port for the listener.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DatabaseConfig selects the storage backend. Driver "memory" keeps all
// state in process and is meant for local runs and tests.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	AutoMigrate     bool          `yaml:"auto_migrate" env:"DATABASE_AUTO_MIGRATE"`
}

// LoggingConfig mirrors logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SMPPConfig describes the upstream aggregator and the session timers.
type SMPPConfig struct {
	Host                 string        `yaml:"host" env:"SMPP_HOST"`
	Port                 int           `yaml:"port" env:"SMPP_PORT"`
	SystemID             string        `yaml:"system_id" env:"SMPP_SYSTEM_ID"`
	Password             string        `yaml:"password" env:"SMPP_PASSWORD"`
	SystemType           string        `yaml:"system_type" env:"SMPP_SYSTEM_TYPE"`
	SourceAddr           string        `yaml:"source_addr" env:"SMPP_SOURCE_ADDR"`
	SourceTON            int           `yaml:"source_ton" env:"SMPP_SOURCE_TON"`
	SourceNPI            int           `yaml:"source_npi" env:"SMPP_SOURCE_NPI"`
	DestTON              int           `yaml:"dest_ton" env:"SMPP_DEST_TON"`
	DestNPI              int           `yaml:"dest_npi" env:"SMPP_DEST_NPI"`
	DataCoding           int           `yaml:"data_coding" env:"SMPP_DATA_CODING"`
	RegisteredDelivery   bool          `yaml:"registered_delivery" env:"SMPP_REGISTERED_DELIVERY"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout" env:"SMPP_CONNECT_TIMEOUT"`
	BindTimeout          time.Duration `yaml:"bind_timeout" env:"SMPP_BIND_TIMEOUT"`
	ResponseTimeout      time.Duration `yaml:"response_timeout" env:"SMPP_RESPONSE_TIMEOUT"`
	EnquireLinkInterval  time.Duration `yaml:"enquire_link_interval" env:"SMPP_ENQUIRE_LINK_INTERVAL"`
	MaxMissedKeepalives  int           `yaml:"max_missed_keepalives" env:"SMPP_MAX_MISSED_KEEPALIVES"`
	CloseTimeout         time.Duration `yaml:"close_timeout" env:"SMPP_CLOSE_TIMEOUT"`
	BackoffBase          time.Duration `yaml:"backoff_base" env:"SMPP_BACKOFF_BASE"`
	BackoffMax           time.Duration `yaml:"backoff_max" env:"SMPP_BACKOFF_MAX"`
	BackoffJitter        bool          `yaml:"backoff_jitter" env:"SMPP_BACKOFF_JITTER"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"SMPP_MAX_RECONNECT_ATTEMPTS"`
}

// Addr returns host:port of the aggregator.
func (s SMPPConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// QueueConfig bounds the outbound queue.
type QueueConfig struct {
	Capacity   int           `yaml:"capacity" env:"QUEUE_CAPACITY"`
	Window     int           `yaml:"window" env:"QUEUE_WINDOW"`
	DrainGrace time.Duration `yaml:"drain_grace" env:"QUEUE_DRAIN_GRACE"`
}

// DeliveryConfig drives the delivery tracker.
type DeliveryConfig struct {
	WaitWindow    time.Duration `yaml:"wait_window" env:"DELIVERY_WAIT_WINDOW"`
	OutcomePolicy string        `yaml:"outcome_policy" env:"DELIVERY_OUTCOME_POLICY"`
	MaxAttempts   int           `yaml:"max_attempts" env:"DELIVERY_MAX_ATTEMPTS"`
	RetryBackoff  time.Duration `yaml:"retry_backoff" env:"DELIVERY_RETRY_BACKOFF"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"DELIVERY_SWEEP_INTERVAL"`
}

// LedgerConfig drives reconciliation and recovery.
type LedgerConfig struct {
	StaleAfter       time.Duration `yaml:"stale_after" env:"LEDGER_STALE_AFTER"`
	RecoverySchedule string        `yaml:"recovery_schedule" env:"LEDGER_RECOVERY_SCHEDULE"`
	ConflictRetries  int           `yaml:"conflict_retries" env:"LEDGER_CONFLICT_RETRIES"`
	RecoveryBatch    int           `yaml:"recovery_batch" env:"LEDGER_RECOVERY_BATCH"`
}

// PricingTier assigns a per-message price once monthly volume reaches MinVolume.
type PricingTier struct {
	Name      string `yaml:"name"`
	MinVolume int64  `yaml:"min_volume"`
	Price     int64  `yaml:"price"`
}

// PricingConfig lists the volume tiers. Prices are in minor currency units.
type PricingConfig struct {
	DefaultPrice int64         `yaml:"default_price" env:"PRICING_DEFAULT_PRICE"`
	Tiers        []PricingTier `yaml:"tiers"`
}

// GatewayConfig tunes the façade. InsecureCallbacks opens /v1/receipts when
// no callback token is set.
type GatewayConfig struct {
	AcceptWait        time.Duration `yaml:"accept_wait" env:"GATEWAY_ACCEPT_WAIT"`
	MaxContentLength  int           `yaml:"max_content_length" env:"GATEWAY_MAX_CONTENT_LENGTH"`
	CallbackTokens    []string      `yaml:"callback_tokens"`
	CallbackToken     string        `yaml:"-" env:"GATEWAY_CALLBACK_TOKEN"`
	InsecureCallbacks bool          `yaml:"insecure_callbacks" env:"GATEWAY_INSECURE_CALLBACKS"`
	RateLimit         float64       `yaml:"rate_limit" env:"GATEWAY_RATE_LIMIT"`
	RateBurst         int           `yaml:"rate_burst" env:"GATEWAY_RATE_BURST"`
	EventBuffer       int           `yaml:"event_buffer" env:"GATEWAY_EVENT_BUFFER"`
	CORSOrigins       []string      `yaml:"cors_origins"`
}

// RedisConfig enables the shared idempotency-key store when Addr is set.
type RedisConfig struct {
	Addr           string        `yaml:"addr" env:"REDIS_ADDR"`
	Password       string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB             int           `yaml:"db" env:"REDIS_DB"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl" env:"REDIS_IDEMPOTENCY_TTL"`
}

// Outcome policies for messages whose fate never became known.
const (
	PolicyAssumeDelivered = "assume_delivered"
	PolicyAssumeFailed    = "assume_failed"
)

// Default returns the configuration used when nothing else is supplied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		SMPP: SMPPConfig{
			Host:                "127.0.0.1",
			Port:                2775,
			SourceTON:           5,
			SourceNPI:           0,
			DestTON:             1,
			DestNPI:             1,
			RegisteredDelivery:  true,
			ConnectTimeout:      10 * time.Second,
			BindTimeout:         10 * time.Second,
			ResponseTimeout:     10 * time.Second,
			EnquireLinkInterval: 10 * time.Second,
			MaxMissedKeepalives: 2,
			CloseTimeout:        5 * time.Second,
			BackoffBase:         2 * time.Second,
			BackoffMax:          60 * time.Second,
		},
		Queue: QueueConfig{Capacity: 10000, Window: 10, DrainGrace: 10 * time.Second},
		Delivery: DeliveryConfig{
			WaitWindow:    30 * time.Second,
			OutcomePolicy: PolicyAssumeFailed,
			MaxAttempts:   3,
			RetryBackoff:  500 * time.Millisecond,
			SweepInterval: time.Second,
		},
		Ledger: LedgerConfig{
			StaleAfter:       5 * time.Minute,
			RecoverySchedule: "@every 1m",
			ConflictRetries:  5,
			RecoveryBatch:    500,
		},
		Pricing: PricingConfig{
			DefaultPrice: 70,
			Tiers: []PricingTier{
				{Name: "standard", MinVolume: 1, Price: 70},
				{Name: "silver", MinVolume: 10000, Price: 65},
				{Name: "gold", MinVolume: 50000, Price: 60},
				{Name: "platinum", MinVolume: 100000, Price: 55},
				{Name: "custom", MinVolume: 200000, Price: 50},
			},
		},
		Gateway: GatewayConfig{
			AcceptWait:       0,
			MaxContentLength: 1600,
			RateLimit:        20,
			RateBurst:        40,
			EventBuffer:      1000,
		},
		Redis: RedisConfig{IdempotencyTTL: 24 * time.Hour},
	}
}

// Load reads configuration. path may be empty; CONFIG_FILE is consulted when it is.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if cfg.Gateway.CallbackToken != "" {
		cfg.Gateway.CallbackTokens = append(cfg.Gateway.CallbackTokens, cfg.Gateway.CallbackToken)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	var problems []string
	switch strings.ToLower(c.Database.Driver) {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			problems = append(problems, "database.dsn is required for the postgres driver")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported database driver %q", c.Database.Driver))
	}
	if c.SMPP.Host == "" || c.SMPP.Port <= 0 {
		problems = append(problems, "smpp.host and smpp.port are required")
	}
	if c.SMPP.SystemID == "" {
		problems = append(problems, "smpp.system_id is required")
	}
	if c.SMPP.BackoffBase <= 0 || c.SMPP.BackoffMax < c.SMPP.BackoffBase {
		problems = append(problems, "smpp backoff requires 0 < backoff_base <= backoff_max")
	}
	if c.Queue.Capacity <= 0 || c.Queue.Window <= 0 {
		problems = append(problems, "queue.capacity and queue.window must be positive")
	}
	switch c.Delivery.OutcomePolicy {
	case PolicyAssumeDelivered, PolicyAssumeFailed:
	default:
		problems = append(problems, fmt.Sprintf("delivery.outcome_policy must be %q or %q", PolicyAssumeDelivered, PolicyAssumeFailed))
	}
	if c.Delivery.MaxAttempts <= 0 {
		problems = append(problems, "delivery.max_attempts must be positive")
	}
	if c.Ledger.StaleAfter <= c.Delivery.WaitWindow {
		problems = append(problems, "ledger.stale_after must exceed delivery.wait_window")
	}
	if c.Pricing.DefaultPrice < 0 {
		problems = append(problems, "pricing.default_price must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
