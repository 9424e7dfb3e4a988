package regflow

import (
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/regflow/jwt"
)

// Config is the full engine configuration. Start from [DefaultConfig] and
// override fields; [Builder.Build] validates the result.
type Config struct {
	OTC       OTCConfig
	RateLimit RateLimitConfig
	Payment   PaymentConfig
	Ticket    TicketConfig
	Audit     AuditConfig
	Metrics   MetricsConfig
	Store     StoreConfig
}

// OTCConfig controls one-time code challenges.
type OTCConfig struct {
	CodeLength  int
	CodeTTL     time.Duration
	Cooldown    time.Duration
	MaxAttempts int
}

// Limit is one rate window. A zero Limit disables the window.
type Limit struct {
	Limit  int
	Window time.Duration
	Soft   bool
}

// RateLimitConfig holds the per-operation windows. Origin windows count the
// address from [WithClientIP], and calls without one share the "unknown"
// origin; identity windows count the normalized email.
type RateLimitConfig struct {
	Enabled          bool
	IssueOrigin      Limit
	IssueIdentity    Limit
	VerifyOrigin     Limit
	VerifyIdentity   Limit
	InitiateOrigin   Limit
	InitiateIdentity Limit
	ConfirmOrigin    Limit
	ConfirmIdentity  Limit
}

// PaymentConfig describes the single registration fee and how long the
// engine waits on the gateway.
type PaymentConfig struct {
	Amount           int64
	Currency         string
	GatewayTimeout   time.Duration
	WebhookTolerance time.Duration
}

// TicketConfig configures the signed ticket handed out after verification.
// An empty SigningMethod disables tickets.
type TicketConfig struct {
	TTL           time.Duration
	SigningMethod jwt.SigningMethod
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Audience      string
	Leeway        time.Duration
	KeyID         string
}

// AuditConfig controls asynchronous audit dispatch.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// StoreConfig names the Redis key namespace.
type StoreConfig struct {
	RedisPrefix string
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns production defaults: six digit codes valid for five
// minutes, a three minute resend cooldown and three attempts per code.
func DefaultConfig() Config {
	return Config{
		OTC: OTCConfig{
			CodeLength:  6,
			CodeTTL:     5 * time.Minute,
			Cooldown:    3 * time.Minute,
			MaxAttempts: 3,
		},
		RateLimit: RateLimitConfig{
			Enabled:          true,
			IssueOrigin:      Limit{Limit: 10, Window: time.Minute, Soft: true},
			IssueIdentity:    Limit{Limit: 5, Window: time.Hour},
			VerifyOrigin:     Limit{Limit: 30, Window: time.Minute},
			VerifyIdentity:   Limit{Limit: 10, Window: 10 * time.Minute},
			InitiateOrigin:   Limit{Limit: 10, Window: time.Minute, Soft: true},
			InitiateIdentity: Limit{Limit: 5, Window: time.Minute},
			ConfirmOrigin:    Limit{Limit: 3, Window: time.Minute},
			ConfirmIdentity:  Limit{Limit: 2, Window: time.Minute},
		},
		Payment: PaymentConfig{
			Amount:           10000,
			Currency:         "INR",
			GatewayTimeout:   10 * time.Second,
			WebhookTolerance: 72 * time.Hour,
		},
		Ticket: TicketConfig{
			TTL: 30 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Store: StoreConfig{
			RedisPrefix: "rf",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Ticket.PrivateKey = cloneBytes(cfg.Ticket.PrivateKey)
	out.Ticket.PublicKey = cloneBytes(cfg.Ticket.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	// OTC
	if c.OTC.CodeLength < 4 || c.OTC.CodeLength > 10 {
		return errors.New("OTC CodeLength must be between 4 and 10")
	}
	if c.OTC.CodeTTL <= 0 {
		return errors.New("OTC CodeTTL must be > 0")
	}
	if c.OTC.Cooldown <= 0 {
		return errors.New("OTC Cooldown must be > 0")
	}
	if c.OTC.Cooldown > c.OTC.CodeTTL {
		return errors.New("OTC Cooldown must not exceed CodeTTL")
	}
	if c.OTC.MaxAttempts <= 0 {
		return errors.New("OTC MaxAttempts must be > 0")
	}

	// Rate limits
	if c.RateLimit.Enabled {
		limits := map[string]Limit{
			"IssueOrigin":      c.RateLimit.IssueOrigin,
			"IssueIdentity":    c.RateLimit.IssueIdentity,
			"VerifyOrigin":     c.RateLimit.VerifyOrigin,
			"VerifyIdentity":   c.RateLimit.VerifyIdentity,
			"InitiateOrigin":   c.RateLimit.InitiateOrigin,
			"InitiateIdentity": c.RateLimit.InitiateIdentity,
			"ConfirmOrigin":    c.RateLimit.ConfirmOrigin,
			"ConfirmIdentity":  c.RateLimit.ConfirmIdentity,
		}
		for name, l := range limits {
			if l.Limit < 0 {
				return errors.New("RateLimit " + name + " Limit must be >= 0")
			}
			if l.Limit > 0 && l.Window <= 0 {
				return errors.New("RateLimit " + name + " Window must be > 0")
			}
		}
	}

	// Payment
	if c.Payment.Amount <= 0 {
		return errors.New("Payment Amount must be > 0")
	}
	if len(strings.TrimSpace(c.Payment.Currency)) != 3 {
		return errors.New("Payment Currency must be a three letter code")
	}
	if c.Payment.GatewayTimeout <= 0 {
		return errors.New("Payment GatewayTimeout must be > 0")
	}
	if c.Payment.WebhookTolerance < 0 {
		return errors.New("Payment WebhookTolerance must be >= 0")
	}

	// Ticket
	switch c.Ticket.SigningMethod {
	case "":
	case jwt.MethodHS256:
		if len(c.Ticket.PrivateKey) < 32 {
			return errors.New("hs256 requires a PrivateKey of at least 32 bytes")
		}
	case jwt.MethodEd25519:
		if len(c.Ticket.PrivateKey) == 0 {
			return errors.New("ed25519 requires PrivateKey")
		}
		if len(c.Ticket.PublicKey) == 0 {
			return errors.New("ed25519 requires PublicKey")
		}
	default:
		return errors.New("unsupported Ticket signing method")
	}
	if c.Ticket.SigningMethod != "" && c.Ticket.TTL <= 0 {
		return errors.New("Ticket TTL must be > 0")
	}
	if c.Ticket.Leeway < 0 || c.Ticket.Leeway > 2*time.Minute {
		return errors.New("Ticket Leeway must be between 0 and 2m")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when enabled")
	}

	// Store
	if strings.TrimSpace(c.Store.RedisPrefix) == "" {
		return errors.New("Store RedisPrefix must not be empty")
	}

	return nil
}
