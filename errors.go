package regflow

import (
	"errors"
	"strings"
	"time"
)

// Kind classifies every outcome the engine can return. Callers branch on the
// kind to decide between retry, fix-and-retry, and terminal failure.
type Kind uint8

const (
	KindInternal Kind = iota
	KindValidation
	KindCooldown
	KindRateLimited
	KindAttemptsExhausted
	KindChallengeExpiredOrAbsent
	KindInvalidCode
	KindDispatchFailed
	KindConflict
	KindAlreadyCompleted
	KindStaleTransition
	KindInvalidSignature
	KindNotFound
	KindExternalUnavailable
	KindUnauthorized
)

var kindNames = [...]string{
	KindInternal:                 "internal",
	KindValidation:               "validation",
	KindCooldown:                 "cooldown",
	KindRateLimited:              "rate_limited",
	KindAttemptsExhausted:        "attempts_exhausted",
	KindChallengeExpiredOrAbsent: "challenge_expired_or_absent",
	KindInvalidCode:              "invalid_code",
	KindDispatchFailed:           "dispatch_failed",
	KindConflict:                 "conflict",
	KindAlreadyCompleted:         "already_completed",
	KindStaleTransition:          "stale_transition",
	KindInvalidSignature:         "invalid_signature",
	KindNotFound:                 "not_found",
	KindExternalUnavailable:      "external_unavailable",
	KindUnauthorized:             "unauthorized",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Retryable reports whether repeating the same request later can succeed.
// Validation is excluded: the input has to change first.
func (k Kind) Retryable() bool {
	switch k {
	case KindCooldown, KindRateLimited, KindDispatchFailed, KindExternalUnavailable:
		return true
	default:
		return false
	}
}

// Error is the typed outcome returned by every Engine operation.
//
// RetryAfter is set for Cooldown and RateLimited. AttemptsRemaining is set for
// InvalidCode.
type Error struct {
	Kind              Kind
	Op                string
	Message           string
	RetryAfter        time.Duration
	AttemptsRemaining int
	Err               error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of the detail carried.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	// ErrValidation reports malformed input.
	ErrValidation = &Error{Kind: KindValidation, Message: "invalid input"}
	// ErrCooldown reports that a challenge was issued too recently.
	ErrCooldown = &Error{Kind: KindCooldown, Message: "challenge cooldown active"}
	// ErrRateLimited reports an exhausted hard rate limit window.
	ErrRateLimited = &Error{Kind: KindRateLimited, Message: "rate limited"}
	// ErrAttemptsExhausted reports a challenge locked by its attempt cap.
	ErrAttemptsExhausted = &Error{Kind: KindAttemptsExhausted, Message: "verification attempts exhausted"}
	// ErrChallengeExpiredOrAbsent reports that no live challenge exists.
	ErrChallengeExpiredOrAbsent = &Error{Kind: KindChallengeExpiredOrAbsent, Message: "challenge expired or absent"}
	// ErrInvalidCode reports a wrong code; see Error.AttemptsRemaining.
	ErrInvalidCode = &Error{Kind: KindInvalidCode, Message: "invalid code"}
	// ErrDispatchFailed reports that the code could not be delivered.
	ErrDispatchFailed = &Error{Kind: KindDispatchFailed, Message: "code dispatch failed"}
	// ErrConflict reports a uniqueness clash on identity or payment references.
	ErrConflict = &Error{Kind: KindConflict, Message: "conflict"}
	// ErrAlreadyCompleted reports a registration that already reached PAYMENT_SUCCESS.
	ErrAlreadyCompleted = &Error{Kind: KindAlreadyCompleted, Message: "registration already completed"}
	// ErrStaleTransition reports a state transition whose expected state no longer holds.
	ErrStaleTransition = &Error{Kind: KindStaleTransition, Message: "stale transition"}
	// ErrInvalidSignature reports a payment confirmation that failed verification.
	ErrInvalidSignature = &Error{Kind: KindInvalidSignature, Message: "invalid signature"}
	// ErrNotFound reports a missing registration.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}
	// ErrExternalUnavailable reports a transient dependency failure.
	ErrExternalUnavailable = &Error{Kind: KindExternalUnavailable, Message: "dependency unavailable"}
	// ErrUnauthorized reports a missing, expired or forged registration ticket.
	ErrUnauthorized = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	// ErrInternal reports an unexpected failure.
	ErrInternal = &Error{Kind: KindInternal, Message: "internal error"}

	// ErrEngineNotReady is returned when a required collaborator was not configured.
	ErrEngineNotReady = errors.New("engine not ready")
)

// KindOf returns the kind carried by err. Errors that are not *Error report
// KindInternal; nil reports KindInternal as well and should be checked first.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}
