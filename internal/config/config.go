// Package config loads the server process configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/jwt"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Ledger drivers accepted in REGFLOW_LEDGER_DRIVER.
const (
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerDynamoDB = "dynamodb"
)

// Server is everything cmd/regflow-server needs.
type Server struct {
	Addr            string        `env:"REGFLOW_ADDR"             envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"REGFLOW_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"REGFLOW_LOG_LEVEL"        envDefault:"info"`
	LogConsole      bool          `env:"REGFLOW_LOG_CONSOLE"`
	AllowedOrigins  []string      `env:"REGFLOW_ALLOWED_ORIGINS"  envDefault:"*" envSeparator:","`
	TrustProxy      bool          `env:"REGFLOW_TRUST_PROXY"`
	FloodRPS        float64       `env:"REGFLOW_FLOOD_RPS"        envDefault:"20"`
	FloodBurst      int           `env:"REGFLOW_FLOOD_BURST"      envDefault:"40"`

	Redis    Redis    `envPrefix:"REGFLOW_REDIS_"`
	Ledger   Ledger   `envPrefix:"REGFLOW_LEDGER_"`
	AWS      AWS      `envPrefix:"REGFLOW_AWS_"`
	Razorpay Razorpay `envPrefix:"REGFLOW_RAZORPAY_"`
	Payment  Payment  `envPrefix:"REGFLOW_PAYMENT_"`
	OTC      OTC      `envPrefix:"REGFLOW_OTC_"`
	Ticket   Ticket   `envPrefix:"REGFLOW_TICKET_"`
	SMTP     SMTP     `envPrefix:"REGFLOW_SMTP_"`
	Tracing  Tracing  `envPrefix:"REGFLOW_OTLP_"`

	SNSTopicARN      string `env:"REGFLOW_SNS_TOPIC_ARN"`
	AuditEnabled     bool   `env:"REGFLOW_AUDIT_ENABLED"      envDefault:"true"`
	MetricsEnabled   bool   `env:"REGFLOW_METRICS_ENABLED"    envDefault:"true"`
	RateLimitEnabled bool   `env:"REGFLOW_RATE_LIMIT_ENABLED" envDefault:"true"`
}

type Redis struct {
	Addrs    []string `env:"ADDRS"  envDefault:"localhost:6379" envSeparator:","`
	Password string   `env:"PASSWORD"`
	DB       int      `env:"DB"`
	Prefix   string   `env:"PREFIX" envDefault:"rf"`
}

type Ledger struct {
	Driver string `env:"DRIVER" envDefault:"sqlite"`
	DSN    string `env:"DSN"    envDefault:"file:regflow.db?_pragma=busy_timeout(5000)"`
	Table  string `env:"TABLE"  envDefault:"registrations"`
}

type AWS struct {
	Region          string `env:"REGION"   envDefault:"ap-south-1"`
	Endpoint        string `env:"ENDPOINT"`
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`
}

type Razorpay struct {
	KeyID         string `env:"KEY_ID"`
	KeySecret     string `env:"KEY_SECRET"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	BaseURL       string `env:"BASE_URL" envDefault:"https://api.razorpay.com"`
}

type Payment struct {
	Amount           int64         `env:"AMOUNT"            envDefault:"10000"`
	Currency         string        `env:"CURRENCY"          envDefault:"INR"`
	GatewayTimeout   time.Duration `env:"GATEWAY_TIMEOUT"   envDefault:"10s"`
	WebhookTolerance time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"72h"`
}

type OTC struct {
	CodeLength  int           `env:"CODE_LENGTH"  envDefault:"6"`
	CodeTTL     time.Duration `env:"CODE_TTL"     envDefault:"5m"`
	Cooldown    time.Duration `env:"COOLDOWN"     envDefault:"3m"`
	MaxAttempts int           `env:"MAX_ATTEMPTS" envDefault:"3"`
}

type Ticket struct {
	Secret   string        `env:"SECRET"`
	TTL      time.Duration `env:"TTL"      envDefault:"30m"`
	Issuer   string        `env:"ISSUER"   envDefault:"regflow"`
	Audience string        `env:"AUDIENCE"`
}

// SMTP is optional; without a host codes are written to the log.
type SMTP struct {
	Host     string `env:"HOST"`
	Port     string `env:"PORT"     envDefault:"587"`
	From     string `env:"FROM"`
	Username string `env:"USERNAME"`
	Password string `env:"PASSWORD"`
}

// Tracing is disabled while Endpoint is empty.
type Tracing struct {
	Endpoint    string  `env:"ENDPOINT"`
	Insecure    bool    `env:"INSECURE"`
	ServiceName string  `env:"SERVICE_NAME" envDefault:"regflow"`
	SampleRatio float64 `env:"SAMPLE_RATIO" envDefault:"1"`
}

// Load reads envFile when present, then the process environment. Variables
// already set in the environment win over the file.
func Load(envFile string) (Server, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Server{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Server
	if err := env.Parse(&cfg); err != nil {
		return Server{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// Validate checks what the engine's own validation cannot see.
func (s Server) Validate() error {
	switch s.Ledger.Driver {
	case LedgerSQLite, LedgerPostgres:
		if strings.TrimSpace(s.Ledger.DSN) == "" {
			return errors.New("REGFLOW_LEDGER_DSN is required")
		}
	case LedgerDynamoDB:
		if strings.TrimSpace(s.Ledger.Table) == "" {
			return errors.New("REGFLOW_LEDGER_TABLE is required")
		}
	default:
		return fmt.Errorf("unsupported ledger driver %q", s.Ledger.Driver)
	}
	if len(s.Redis.Addrs) == 0 {
		return errors.New("REGFLOW_REDIS_ADDRS is required")
	}
	if s.Razorpay.KeyID == "" || s.Razorpay.KeySecret == "" || s.Razorpay.WebhookSecret == "" {
		return errors.New("razorpay key id, key secret and webhook secret are required")
	}
	if len(s.Ticket.Secret) < 32 {
		return errors.New("REGFLOW_TICKET_SECRET must be at least 32 bytes")
	}
	if s.FloodRPS <= 0 || s.FloodBurst <= 0 {
		return errors.New("flood guard rate and burst must be > 0")
	}
	if s.SMTP.Host != "" && s.SMTP.From == "" {
		return errors.New("REGFLOW_SMTP_FROM is required with an SMTP host")
	}
	return nil
}

// Engine converts the process configuration into engine configuration.
// Rate limit windows keep their library defaults.
func (s Server) Engine() regflow.Config {
	cfg := regflow.DefaultConfig()

	cfg.OTC = regflow.OTCConfig{
		CodeLength:  s.OTC.CodeLength,
		CodeTTL:     s.OTC.CodeTTL,
		Cooldown:    s.OTC.Cooldown,
		MaxAttempts: s.OTC.MaxAttempts,
	}
	cfg.RateLimit.Enabled = s.RateLimitEnabled
	cfg.Payment = regflow.PaymentConfig{
		Amount:           s.Payment.Amount,
		Currency:         strings.ToUpper(s.Payment.Currency),
		GatewayTimeout:   s.Payment.GatewayTimeout,
		WebhookTolerance: s.Payment.WebhookTolerance,
	}
	cfg.Ticket = regflow.TicketConfig{
		TTL:           s.Ticket.TTL,
		SigningMethod: jwt.MethodHS256,
		PrivateKey:    []byte(s.Ticket.Secret),
		Issuer:        s.Ticket.Issuer,
		Audience:      s.Ticket.Audience,
	}
	cfg.Audit.Enabled = s.AuditEnabled
	cfg.Metrics = regflow.MetricsConfig{
		Enabled:                 s.MetricsEnabled,
		EnableLatencyHistograms: s.MetricsEnabled,
	}
	cfg.Store.RedisPrefix = s.Redis.Prefix
	return cfg
}
