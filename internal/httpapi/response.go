package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/MrEthical07/regflow"
)

type messageEnvelope struct {
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeValidation(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: msg, Code: regflow.KindValidation.String()})
}

// statusFor is the only place engine kinds become HTTP status codes.
func statusFor(kind regflow.Kind) int {
	switch kind {
	case regflow.KindValidation, regflow.KindInvalidSignature:
		return http.StatusBadRequest
	case regflow.KindInvalidCode, regflow.KindUnauthorized:
		return http.StatusUnauthorized
	case regflow.KindAttemptsExhausted:
		return http.StatusForbidden
	case regflow.KindNotFound:
		return http.StatusNotFound
	case regflow.KindConflict, regflow.KindAlreadyCompleted, regflow.KindStaleTransition:
		return http.StatusConflict
	case regflow.KindChallengeExpiredOrAbsent:
		return http.StatusGone
	case regflow.KindCooldown, regflow.KindRateLimited:
		return http.StatusTooManyRequests
	case regflow.KindDispatchFailed:
		return http.StatusBadGateway
	case regflow.KindExternalUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicMessage keeps wrapped causes out of responses.
func publicMessage(e *regflow.Error) string {
	if e.Kind == regflow.KindInternal {
		return "internal error"
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Kind.String()
}

func writeError(w http.ResponseWriter, err error) {
	var e *regflow.Error
	if !errors.As(err, &e) {
		e = &regflow.Error{Kind: regflow.KindInternal}
	}

	body := errorEnvelope{Error: publicMessage(e), Code: e.Kind.String()}
	if e.Kind == regflow.KindInvalidCode {
		n := e.AttemptsRemaining
		body.AttemptsRemaining = &n
	}
	if e.RetryAfter > 0 {
		secs := retryAfterSeconds(e.RetryAfter)
		body.RetryAfterSeconds = secs
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeJSON(w, statusFor(e.Kind), body)
}

func retryAfterSeconds(d time.Duration) int64 {
	secs := int64(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
