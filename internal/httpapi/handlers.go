package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/middleware"
	"github.com/go-playground/validator/v10"
)

type sendCodeRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

type sendCodeResponse struct {
	Message       string    `json:"message"`
	ExpiresAt     time.Time `json:"expires_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

type verifyCodeRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
	Code  string `json:"code"  validate:"required,numeric,min=4,max=10"`
}

type verifyCodeResponse struct {
	Registration    regflow.Registration `json:"registration"`
	Ticket          string               `json:"ticket,omitempty"`
	TicketExpiresAt *time.Time           `json:"ticket_expires_at,omitempty"`
}

type initiateRequest struct {
	Name          string `json:"name"           validate:"required,max=100"`
	StudentNumber string `json:"student_number" validate:"required,alphanum,max=20"`
	Section       string `json:"section"        validate:"required,max=10"`
	Hostler       bool   `json:"hostler"`
}

func (r initiateRequest) profile() map[string]string {
	return map[string]string{
		"name":           strings.TrimSpace(r.Name),
		"student_number": strings.ToUpper(r.StudentNumber),
		"section":        strings.TrimSpace(r.Section),
		"hostler":        strconv.FormatBool(r.Hostler),
	}
}

type initiateResponse struct {
	OrderID  string `json:"order_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	KeyID    string `json:"key_id"`
	Reused   bool   `json:"reused"`
}

type confirmRequest struct {
	OrderID   string `json:"razorpay_order_id"   validate:"required,max=100"`
	PaymentID string `json:"razorpay_payment_id" validate:"required,max=100"`
	Signature string `json:"razorpay_signature"  validate:"required,max=200"`
}

type confirmResponse struct {
	Message      string               `json:"message"`
	Registration regflow.Registration `json:"registration"`
}

type webhookResponse struct {
	Status string `json:"status"`
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(dst); err != nil {
		writeValidation(w, "malformed request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeValidation(w, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return "invalid request"
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		msgs = append(msgs, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}

func (h *handler) sendCode(w http.ResponseWriter, r *http.Request) {
	var req sendCodeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.IssueChallenge(r.Context(), req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sendCodeResponse{
		Message:       "verification code sent",
		ExpiresAt:     res.ExpiresAt,
		CooldownUntil: res.CooldownUntil,
	})
}

func (h *handler) verifyCode(w http.ResponseWriter, r *http.Request) {
	var req verifyCodeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.VerifyChallenge(r.Context(), req.Email, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	out := verifyCodeResponse{Registration: res.Registration, Ticket: res.Ticket}
	if !res.TicketExpiresAt.IsZero() {
		exp := res.TicketExpiresAt
		out.TicketExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) initiatePayment(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.TicketFromContext(r.Context())
	if !ok {
		writeError(w, regflow.ErrUnauthorized)
		return
	}
	var req initiateRequest
	if !h.decode(w, r, &req) {
		return
	}

	order, err := h.svc.InitiatePayment(r.Context(), claims.Identity, req.profile())
	if err != nil {
		writeError(w, err)
		return
	}
	if order.Flagged {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
			Error: "too many requests",
			Code:  regflow.KindRateLimited.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, initiateResponse{
		OrderID:  order.OrderReference,
		Amount:   order.Amount,
		Currency: order.Currency,
		KeyID:    order.KeyID,
		Reused:   order.Reused,
	})
}

func (h *handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.TicketFromContext(r.Context())
	if !ok {
		writeError(w, regflow.ErrUnauthorized)
		return
	}
	var req confirmRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.ConfirmPayment(r.Context(), claims.Identity, req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, confirmResponse{
		Message:      "payment verified",
		Registration: res.Registration,
	})
}

func (h *handler) paymentStatus(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.TicketFromContext(r.Context())
	if !ok {
		writeError(w, regflow.ErrUnauthorized)
		return
	}

	reg, err := h.svc.PaymentStatus(r.Context(), claims.Identity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// webhook acknowledges every delivery whose outcome is final so the gateway
// stops retrying. Unknown orders get 404 and are retried, since the event can
// overtake the ledger write that records a fresh order.
func (h *handler) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		writeValidation(w, "unreadable body")
		return
	}
	sig := r.Header.Get(signatureHeader)
	if sig == "" {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{
			Error: "missing signature",
			Code:  regflow.KindInvalidSignature.String(),
		})
		return
	}

	res, err := h.svc.ReconcilePayment(r.Context(), body, sig)
	switch {
	case err == nil:
	case errors.Is(err, regflow.ErrAlreadyCompleted):
		writeJSON(w, http.StatusOK, webhookResponse{Status: "already_completed"})
		return
	default:
		writeError(w, err)
		return
	}

	status := "applied"
	switch {
	case res.Ignored:
		status = "ignored"
	case res.Superseded:
		status = "superseded"
	case res.Duplicate:
		status = "duplicate"
	case !res.Applied:
		status = "unchanged"
	}
	writeJSON(w, http.StatusOK, webhookResponse{Status: status})
}
