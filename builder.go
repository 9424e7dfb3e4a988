package regflow

import (
	"errors"
	"time"

	"github.com/MrEthical07/regflow/internal"
	internalaudit "github.com/MrEthical07/regflow/internal/audit"
	"github.com/MrEthical07/regflow/internal/rate"
	"github.com/MrEthical07/regflow/internal/stores"
	"github.com/MrEthical07/regflow/jwt"
	"github.com/MrEthical07/regflow/ledger"
	"github.com/MrEthical07/regflow/payment"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/MrEthical07/regflow"

// Builder assembles an [Engine]. It is single-use: Build fails on a second
// call.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	ledger   ledger.Store
	gateway  payment.Gateway
	sender   CodeSender
	notifier RegistrationNotifier

	auditSink      AuditSink
	logger         zerolog.Logger
	tracerProvider trace.TracerProvider

	built bool
}

func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
		logger: zerolog.Nop(),
	}
}

func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client backing challenges and rate windows.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

func (b *Builder) WithLedger(store ledger.Store) *Builder {
	b.ledger = store
	return b
}

func (b *Builder) WithGateway(gateway payment.Gateway) *Builder {
	b.gateway = gateway
	return b
}

func (b *Builder) WithCodeSender(sender CodeSender) *Builder {
	b.sender = sender
	return b
}

// WithNotifier sets the optional completion notifier.
func (b *Builder) WithNotifier(notifier RegistrationNotifier) *Builder {
	b.notifier = notifier
	return b
}

func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithLogger(logger zerolog.Logger) *Builder {
	b.logger = logger
	return b
}

// WithTracerProvider overrides the global OpenTelemetry provider.
func (b *Builder) WithTracerProvider(tp trace.TracerProvider) *Builder {
	b.tracerProvider = tp
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and returns a ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	if b.redis == nil {
		return nil, errors.New("redis client is required")
	}
	if b.ledger == nil {
		return nil, errors.New("ledger store is required")
	}
	if b.gateway == nil {
		return nil, errors.New("payment gateway is required")
	}
	if b.sender == nil {
		return nil, errors.New("code sender is required")
	}

	cfg := cloneConfig(b.config)

	var tickets *jwt.Manager
	if cfg.Ticket.SigningMethod != "" {
		m, err := jwt.NewManager(jwt.Config{
			TTL:           cfg.Ticket.TTL,
			SigningMethod: cfg.Ticket.SigningMethod,
			PrivateKey:    cfg.Ticket.PrivateKey,
			PublicKey:     cfg.Ticket.PublicKey,
			Issuer:        cfg.Ticket.Issuer,
			Audience:      cfg.Ticket.Audience,
			Leeway:        cfg.Ticket.Leeway,
			KeyID:         cfg.Ticket.KeyID,
		})
		if err != nil {
			return nil, err
		}
		tickets = m
	}

	tp := b.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	ephemeral := stores.NewEphemeral(b.redis, cfg.Store.RedisPrefix)

	e := &Engine{
		config:     cfg,
		logger:     b.logger.With().Str("component", "regflow").Logger(),
		tracer:     tp.Tracer(instrumentationName),
		challenges: stores.NewChallengeStore(ephemeral),
		limiter:    rate.New(ephemeral),
		policies:   buildPolicies(cfg.RateLimit),
		ledger:     b.ledger,
		gateway:    b.gateway,
		sender:     b.sender,
		notifier:   b.notifier,
		tickets:    tickets,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		metrics:    NewMetrics(cfg.Metrics),
		now:        time.Now,
		newCode:    internal.NewOTP,
	}
	e.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
	}, b.auditSink)

	b.built = true
	return e, nil
}
