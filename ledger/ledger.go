package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// State is the registration lifecycle position of a record.
type State string

const (
	StateUnverified     State = "UNVERIFIED"
	StateEmailVerified  State = "EMAIL_VERIFIED"
	StatePaymentPending State = "PAYMENT_PENDING"
	StatePaymentSuccess State = "PAYMENT_SUCCESS"
	StatePaymentFailed  State = "PAYMENT_FAILED"
)

var transitions = map[State][]State{
	StateUnverified:     {StateEmailVerified},
	StateEmailVerified:  {StatePaymentPending},
	StatePaymentPending: {StatePaymentSuccess, StatePaymentFailed},
	StatePaymentFailed:  {StatePaymentPending, StatePaymentSuccess},
}

func (s State) Valid() bool {
	switch s {
	case StateUnverified, StateEmailVerified, StatePaymentPending, StatePaymentSuccess, StatePaymentFailed:
		return true
	default:
		return false
	}
}

// Settled reports whether a payment outcome has been recorded.
func (s State) Settled() bool {
	return s == StatePaymentSuccess || s == StatePaymentFailed
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("registration not found")
	// ErrIdentityExists is returned by Create for an identity that already has a record.
	ErrIdentityExists = errors.New("registration identity already exists")
	// ErrDuplicateReference is returned when an order or payment reference is already held by another record.
	ErrDuplicateReference = errors.New("payment reference already recorded")
	// ErrStaleTransition is returned when the stored state no longer matches the expected state.
	ErrStaleTransition = errors.New("stale registration transition")
	// ErrInvalidTransition is returned for edges outside the state machine and malformed transitions.
	ErrInvalidTransition = errors.New("invalid registration transition")
)

// Profile holds registrant attributes the ledger stores but never interprets.
type Profile map[string]string

func (p Profile) Clone() Profile {
	if p == nil {
		return nil
	}
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Record is one registration. Identity, OrderReference, and
// PaymentReference are each unique across all records. A reference stays
// bound to its record after a retry replaces it, so no other record can
// ever claim it.
type Record struct {
	ID               string    `json:"id"`
	Identity         string    `json:"identity"`
	Profile          Profile   `json:"profile,omitempty"`
	State            State     `json:"state"`
	OrderReference   string    `json:"order_reference,omitempty"`
	PaymentReference string    `json:"payment_reference,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewRecord returns a record for identity in state with a fresh ID.
func NewRecord(identity string, state State, profile Profile) *Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Record{
		ID:        uuid.NewString(),
		Identity:  identity,
		Profile:   profile.Clone(),
		State:     state,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Superseded reports whether orderReference belonged to r before a retry
// replaced it.
func (r *Record) Superseded(orderReference string) bool {
	return orderReference != "" && r.OrderReference != orderReference
}

// Transition is a compare-and-set request. It applies only while the stored
// state equals From and, when ExpectOrderReference is set, the stored order
// reference equals it.
//
// Entering PAYMENT_PENDING requires OrderReference and clears any previous
// payment reference. Entering PAYMENT_SUCCESS or PAYMENT_FAILED requires
// PaymentReference. A non-nil Profile replaces the stored one.
type Transition struct {
	Identity             string
	From                 State
	To                   State
	ExpectOrderReference string
	OrderReference       string
	PaymentReference     string
	Profile              Profile
}

func (t Transition) Validate() error {
	if strings.TrimSpace(t.Identity) == "" {
		return fmt.Errorf("%w: empty identity", ErrInvalidTransition)
	}
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	switch t.To {
	case StatePaymentPending:
		if t.OrderReference == "" {
			return fmt.Errorf("%w: %s requires an order reference", ErrInvalidTransition, t.To)
		}
	case StatePaymentSuccess, StatePaymentFailed:
		if t.PaymentReference == "" {
			return fmt.Errorf("%w: %s requires a payment reference", ErrInvalidTransition, t.To)
		}
	}
	return nil
}

// Apply returns a copy of r with t applied. It does not check From; stores
// enforce that atomically.
func (t Transition) Apply(r Record, now time.Time) Record {
	r.State = t.To
	switch t.To {
	case StatePaymentPending:
		r.OrderReference = t.OrderReference
		r.PaymentReference = ""
	case StatePaymentSuccess, StatePaymentFailed:
		r.PaymentReference = t.PaymentReference
	}
	if t.Profile != nil {
		r.Profile = t.Profile.Clone()
	}
	r.UpdatedAt = now
	return r
}

// Store persists records. Implementations must make Create and Transition
// atomic per record and must never take a store-wide lock.
//
// GetByOrder resolves every order reference the record ever held, including
// ones replaced by a retry. Callers compare Record.OrderReference to tell a
// superseded order from the current one.
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, identity string) (*Record, error)
	GetByOrder(ctx context.Context, orderReference string) (*Record, error)
	Transition(ctx context.Context, t Transition) (*Record, error)
	Close() error
}
