package regflow

import (
	"context"
	"io"
	"time"

	internalaudit "github.com/MrEthical07/regflow/internal/audit"
	"github.com/MrEthical07/regflow/ledger"
	"github.com/rs/zerolog"
)

// CodeSender delivers a one-time code to identity. An error means the code
// was not delivered; the engine then releases the challenge.
type CodeSender interface {
	SendCode(ctx context.Context, identity, code string, expiresAt time.Time) error
}

// RegistrationNotifier is told once per registration that reaches
// PAYMENT_SUCCESS. Its failures are logged and audited but never undo the
// committed transition.
type RegistrationNotifier interface {
	NotifyRegistered(ctx context.Context, reg Registration) error
}

// Registration is the caller-facing view of a ledger record.
type Registration struct {
	ID               string            `json:"id"`
	Identity         string            `json:"identity"`
	State            ledger.State      `json:"state"`
	OrderReference   string            `json:"order_reference,omitempty"`
	PaymentReference string            `json:"payment_reference,omitempty"`
	Profile          map[string]string `json:"profile,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

func registrationFromRecord(r *ledger.Record) Registration {
	if r == nil {
		return Registration{}
	}
	return Registration{
		ID:               r.ID,
		Identity:         r.Identity,
		State:            r.State,
		OrderReference:   r.OrderReference,
		PaymentReference: r.PaymentReference,
		Profile:          r.Profile.Clone(),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// IssueResult is returned by [Engine.IssueChallenge]. Flagged reports that a
// soft rate limit was exceeded; the caller decides whether to degrade.
type IssueResult struct {
	Identity      string
	ExpiresAt     time.Time
	CooldownUntil time.Time
	Flagged       bool
}

// VerifyResult is returned by [Engine.VerifyChallenge]. Ticket is empty when
// the engine runs without ticket keys.
type VerifyResult struct {
	Registration    Registration
	Ticket          string
	TicketExpiresAt time.Time
}

// PaymentOrder is what a client needs to open checkout. Reused is set when
// the registration already had a pending order.
type PaymentOrder struct {
	OrderReference string
	Amount         int64
	Currency       string
	KeyID          string
	Reused         bool
	Flagged        bool
}

// ReconcileResult reports what one webhook delivery did.
//
// Applied: a transition committed. Duplicate: the payment reference was
// already recorded and nothing changed. Ignored: the event type carries no
// registration outcome.
type ReconcileResult struct {
	State            ledger.State
	Identity         string
	OrderReference   string
	PaymentReference string
	Applied          bool
	Duplicate        bool
	Ignored          bool
	// Superseded marks an event for an order a retry replaced. The ledger is
	// left alone; a capture on such an order is logged for refund.
	Superseded bool
}

// ConfirmResult is returned by [Engine.ConfirmPayment].
type ConfirmResult struct {
	Registration Registration
	Applied      bool
}

// TicketClaims is a verified registration ticket.
type TicketClaims struct {
	Identity       string
	RegistrationID string
	ExpiresAt      time.Time
}

// AuditEvent represents a structured audit event emitted by the engine.
type AuditEvent = internalaudit.Event

// AuditSink receives [AuditEvent] values from the engine's audit dispatcher.
type AuditSink = internalaudit.Sink

// NoOpSink is an [AuditSink] that silently discards all events.
type NoOpSink = internalaudit.NoOpSink

// ChannelSink is a buffered channel-based [AuditSink].
type ChannelSink = internalaudit.ChannelSink

// JSONWriterSink writes one JSON-encoded event per line.
type JSONWriterSink = internalaudit.JSONWriterSink

// ZerologSink writes each event as a structured zerolog line.
type ZerologSink = internalaudit.ZerologSink

func NewChannelSink(buffer int) *ChannelSink {
	return internalaudit.NewChannelSink(buffer)
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return internalaudit.NewJSONWriterSink(w)
}

func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return internalaudit.NewZerologSink(logger)
}
