package regflow

import (
	"context"
	"errors"
	"strings"
	"time"

	internalaudit "github.com/MrEthical07/regflow/internal/audit"
	"github.com/MrEthical07/regflow/internal/rate"
	"github.com/MrEthical07/regflow/internal/stores"
	"github.com/MrEthical07/regflow/jwt"
	"github.com/MrEthical07/regflow/ledger"
	"github.com/MrEthical07/regflow/payment"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Engine runs the registration flow. Build one with [New] and share it.
type Engine struct {
	config Config
	logger zerolog.Logger
	tracer trace.Tracer

	challenges *stores.ChallengeStore
	limiter    *rate.Limiter
	policies   map[rateOp][]rate.Policy

	ledger   ledger.Store
	gateway  payment.Gateway
	sender   CodeSender
	notifier RegistrationNotifier
	tickets  *jwt.Manager

	validate *validator.Validate
	audit    *internalaudit.Dispatcher
	metrics  *Metrics
	now      func() time.Time
	newCode  func(digits int) (string, error)
}

// Close flushes pending audit events, waiting as long as the sink needs. It
// does not close collaborators passed to the builder.
func (e *Engine) Close() {
	_ = e.Shutdown(context.Background())
}

// Shutdown is Close bounded by ctx. Events still queued when ctx ends are
// abandoned and ctx.Err is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e == nil || e.audit == nil {
		return nil
	}
	return e.audit.Shutdown(ctx)
}

// AuditDropped returns the number of audit events dropped on a full buffer.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// Config returns a copy of the active configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// PaymentStatus returns the registration for identity.
func (e *Engine) PaymentStatus(ctx context.Context, identity string) (Registration, error) {
	const op = "PaymentStatus"
	ctx, span := e.startSpan(ctx, op)
	var err error
	defer func() { endSpan(span, err) }()

	var id string
	id, err = e.normalizeIdentity(op, identity)
	if err != nil {
		return Registration{}, err
	}

	var rec *ledger.Record
	rec, err = e.ledger.Get(ctx, id)
	if err != nil {
		err = e.mapLedgerError(ctx, op, err)
		return Registration{}, err
	}
	return registrationFromRecord(rec), nil
}

// ValidateTicket verifies a ticket issued by VerifyChallenge.
func (e *Engine) ValidateTicket(token string) (TicketClaims, error) {
	const op = "ValidateTicket"
	if e.tickets == nil {
		return TicketClaims{}, newError(KindInternal, op, "tickets are not configured", ErrEngineNotReady)
	}
	claims, err := e.tickets.ParseTicket(token)
	if err != nil {
		return TicketClaims{}, newError(KindUnauthorized, op, "invalid ticket", err)
	}
	out := TicketClaims{
		Identity:       claims.Identity,
		RegistrationID: claims.RegistrationID,
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func (e *Engine) log(ctx context.Context) *zerolog.Logger {
	l := e.logger
	if id := RequestIDFromContext(ctx); id != "" {
		l = l.With().Str("request_id", id).Logger()
	}
	return &l
}

func (e *Engine) normalizeIdentity(op, identity string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(identity))
	if id == "" {
		return "", newError(KindValidation, op, "identity is required", nil)
	}
	if err := e.validate.Var(id, "email,max=254"); err != nil {
		return "", newError(KindValidation, op, "identity must be an email address", err)
	}
	return id, nil
}

func (e *Engine) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "regflow."+op, trace.WithAttributes(attrs...))
}

// endSpan marks dependency and internal failures as span errors. Caller
// errors such as InvalidCode are recorded as an attribute only.
func endSpan(span trace.Span, err error) {
	if err != nil {
		kind := KindOf(err)
		span.SetAttributes(attribute.String("regflow.error_kind", kind.String()))
		if kind == KindInternal || kind == KindExternalUnavailable {
			span.RecordError(err)
			span.SetStatus(codes.Error, kind.String())
		}
	}
	span.End()
}

/*
====================================
ERROR MAPPING
====================================
*/

func (e *Engine) mapChallengeError(ctx context.Context, op string, err error) error {
	var cd *stores.CooldownError
	switch {
	case errors.As(err, &cd):
		out := newError(KindCooldown, op, "a code was sent recently", nil)
		out.RetryAfter = cd.Remaining
		return out
	case errors.Is(err, stores.ErrAttemptsExhausted):
		return newError(KindAttemptsExhausted, op, "too many wrong codes; request a new one", nil)
	case errors.Is(err, stores.ErrChallengeAbsent):
		return newError(KindChallengeExpiredOrAbsent, op, "no active code; request a new one", nil)
	case errors.Is(err, stores.ErrContended), errors.Is(err, stores.ErrUnavailable):
		e.log(ctx).Warn().Err(err).Str("op", op).Msg("challenge store unavailable")
		return newError(KindExternalUnavailable, op, "challenge store unavailable", err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return newError(KindExternalUnavailable, op, "request cancelled", err)
	default:
		e.log(ctx).Error().Err(err).Str("op", op).Msg("challenge store failure")
		return newError(KindInternal, op, "", err)
	}
}

func (e *Engine) mapLedgerError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return newError(KindNotFound, op, "registration not found", nil)
	case errors.Is(err, ledger.ErrIdentityExists):
		return newError(KindConflict, op, "identity already registered", nil)
	case errors.Is(err, ledger.ErrDuplicateReference):
		return newError(KindConflict, op, "payment reference already recorded", nil)
	case errors.Is(err, ledger.ErrStaleTransition):
		e.metricInc(MetricStaleTransition)
		return newError(KindStaleTransition, op, "registration changed concurrently", nil)
	case errors.Is(err, ledger.ErrInvalidTransition):
		e.log(ctx).Error().Err(err).Str("op", op).Msg("invalid ledger transition")
		return newError(KindInternal, op, "", err)
	default:
		e.log(ctx).Error().Err(err).Str("op", op).Msg("ledger unavailable")
		return newError(KindExternalUnavailable, op, "ledger unavailable", err)
	}
}

func (e *Engine) mapGatewayError(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, payment.ErrSignatureMismatch), errors.Is(err, payment.ErrMalformedEvent):
		e.metricInc(MetricInvalidSignature)
		return newError(KindInvalidSignature, op, "payment signature rejected", nil)
	case errors.Is(err, payment.ErrUnavailable),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		e.metricInc(MetricGatewayUnavailable)
		e.log(ctx).Warn().Err(err).Str("op", op).Msg("payment gateway unavailable")
		return newError(KindExternalUnavailable, op, "payment gateway unavailable", err)
	default:
		e.log(ctx).Error().Err(err).Str("op", op).Msg("payment gateway failure")
		return newError(KindInternal, op, "", err)
	}
}
