package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/ledger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- mock ---

type mockService struct{ mock.Mock }

func (m *mockService) IssueChallenge(ctx context.Context, identity string) (regflow.IssueResult, error) {
	args := m.Called(ctx, identity)
	return args.Get(0).(regflow.IssueResult), args.Error(1)
}

func (m *mockService) VerifyChallenge(ctx context.Context, identity, code string) (regflow.VerifyResult, error) {
	args := m.Called(ctx, identity, code)
	return args.Get(0).(regflow.VerifyResult), args.Error(1)
}

func (m *mockService) InitiatePayment(ctx context.Context, identity string, profile map[string]string) (regflow.PaymentOrder, error) {
	args := m.Called(ctx, identity, profile)
	return args.Get(0).(regflow.PaymentOrder), args.Error(1)
}

func (m *mockService) ConfirmPayment(ctx context.Context, identity, orderReference, paymentReference, signature string) (regflow.ConfirmResult, error) {
	args := m.Called(ctx, identity, orderReference, paymentReference, signature)
	return args.Get(0).(regflow.ConfirmResult), args.Error(1)
}

func (m *mockService) PaymentStatus(ctx context.Context, identity string) (regflow.Registration, error) {
	args := m.Called(ctx, identity)
	return args.Get(0).(regflow.Registration), args.Error(1)
}

func (m *mockService) ReconcilePayment(ctx context.Context, body []byte, signature string) (regflow.ReconcileResult, error) {
	args := m.Called(ctx, body, signature)
	return args.Get(0).(regflow.ReconcileResult), args.Error(1)
}

func (m *mockService) ValidateTicket(token string) (regflow.TicketClaims, error) {
	args := m.Called(token)
	return args.Get(0).(regflow.TicketClaims), args.Error(1)
}

// --- helpers ---

const identity = "stu25000123@college.edu"

func newTestRouter(svc Service) http.Handler {
	return NewRouter(Config{FloodRPS: 1000, FloodBurst: 1000}, svc, zerolog.Nop(), nil)
}

func do(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func withTicket(svc *mockService) map[string]string {
	svc.On("ValidateTicket", "good-ticket").Return(regflow.TicketClaims{Identity: identity, RegistrationID: "reg-1"}, nil)
	return map[string]string{"Authorization": "Bearer good-ticket"}
}

// --- tests ---

func TestHealthz(t *testing.T) {
	rec := do(t, newTestRouter(new(mockService)), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["message"])
}

func TestSendCode(t *testing.T) {
	svc := new(mockService)
	exp := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Second)
	svc.On("IssueChallenge", mock.Anything, identity).Return(regflow.IssueResult{Identity: identity, ExpiresAt: exp}, nil)

	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/otc/send", `{"email":"`+identity+`"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "verification code sent", body["message"])
	assert.Equal(t, exp.Format(time.RFC3339), body["expires_at"])
	svc.AssertExpectations(t)
}

func TestSendCodeValidation(t *testing.T) {
	svc := new(mockService)
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodPost, "/v1/otc/send", `{"email":"not-an-email"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody(t, rec)["code"])

	rec = do(t, h, http.MethodPost, "/v1/otc/send", `{`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.AssertNotCalled(t, "IssueChallenge", mock.Anything, mock.Anything)
}

func TestSendCodeCooldownSetsRetryAfter(t *testing.T) {
	svc := new(mockService)
	svc.On("IssueChallenge", mock.Anything, identity).
		Return(regflow.IssueResult{}, &regflow.Error{Kind: regflow.KindCooldown, Message: "challenge cooldown active", RetryAfter: 90500 * time.Millisecond})

	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/otc/send", `{"email":"`+identity+`"}`, nil)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "91", rec.Header().Get("Retry-After"))
	body := decodeBody(t, rec)
	assert.Equal(t, "cooldown", body["code"])
	assert.EqualValues(t, 91, body["retry_after_seconds"])
}

func TestVerifyCodeInvalidReportsAttempts(t *testing.T) {
	svc := new(mockService)
	svc.On("VerifyChallenge", mock.Anything, identity, "123456").
		Return(regflow.VerifyResult{}, &regflow.Error{Kind: regflow.KindInvalidCode, Message: "invalid code", AttemptsRemaining: 0})

	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/otc/verify", `{"email":"`+identity+`","code":"123456"}`, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "invalid_code", body["code"])
	assert.EqualValues(t, 0, body["attempts_remaining"], "zero remaining is still reported")
}

func TestVerifyCodeReturnsTicket(t *testing.T) {
	svc := new(mockService)
	svc.On("VerifyChallenge", mock.Anything, identity, "654321").Return(regflow.VerifyResult{
		Registration:    regflow.Registration{ID: "reg-1", Identity: identity, State: ledger.StateEmailVerified},
		Ticket:          "tkt",
		TicketExpiresAt: time.Now().Add(time.Hour),
	}, nil)

	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/otc/verify", `{"email":"`+identity+`","code":"654321"}`, nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "tkt", body["ticket"])
	reg := body["registration"].(map[string]any)
	assert.Equal(t, "EMAIL_VERIFIED", reg["state"])
}

func TestPaymentRoutesRequireTicket(t *testing.T) {
	svc := new(mockService)
	svc.On("ValidateTicket", "bad").Return(regflow.TicketClaims{}, regflow.ErrUnauthorized)
	h := newTestRouter(svc)

	rec := do(t, h, http.MethodGet, "/v1/payments/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/payments/initiate", `{}`, map[string]string{"Authorization": "Bearer bad"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	svc.AssertNotCalled(t, "InitiatePayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiateUsesTicketIdentity(t *testing.T) {
	svc := new(mockService)
	headers := withTicket(svc)
	profile := map[string]string{"name": "Asha Rao", "student_number": "2500123", "section": "A", "hostler": "true"}
	svc.On("InitiatePayment", mock.Anything, identity, profile).
		Return(regflow.PaymentOrder{OrderReference: "order_1", Amount: 10000, Currency: "INR", KeyID: "rzp_key"}, nil)

	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/payments/initiate",
		`{"name":" Asha Rao ","student_number":"2500123","section":"A","hostler":true}`, headers)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "order_1", body["order_id"])
	assert.EqualValues(t, 10000, body["amount"])
	assert.Equal(t, "rzp_key", body["key_id"])
	svc.AssertExpectations(t)
}

func TestInitiateFlaggedIsRejected(t *testing.T) {
	svc := new(mockService)
	headers := withTicket(svc)
	svc.On("InitiatePayment", mock.Anything, identity, mock.Anything).
		Return(regflow.PaymentOrder{OrderReference: "order_1", Flagged: true}, nil)

	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/payments/initiate",
		`{"name":"Asha","student_number":"2500123","section":"A"}`, headers)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestConfirmAlreadyCompleted(t *testing.T) {
	svc := new(mockService)
	headers := withTicket(svc)
	svc.On("ConfirmPayment", mock.Anything, identity, "order_1", "pay_1", "sig").
		Return(regflow.ConfirmResult{}, regflow.ErrAlreadyCompleted)

	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/payments/confirm",
		`{"razorpay_order_id":"order_1","razorpay_payment_id":"pay_1","razorpay_signature":"sig"}`, headers)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_completed", decodeBody(t, rec)["code"])
}

func TestStatusNotFound(t *testing.T) {
	svc := new(mockService)
	headers := withTicket(svc)
	svc.On("PaymentStatus", mock.Anything, identity).Return(regflow.Registration{}, regflow.ErrNotFound)

	rec := do(t, newTestRouter(svc), http.MethodGet, "/v1/payments/status", "", headers)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhookOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		result regflow.ReconcileResult
		err    error
		status int
		want   string
	}{
		{name: "applied", result: regflow.ReconcileResult{Applied: true}, status: http.StatusOK, want: "applied"},
		{name: "duplicate", result: regflow.ReconcileResult{Duplicate: true}, status: http.StatusOK, want: "duplicate"},
		{name: "ignored", result: regflow.ReconcileResult{Ignored: true}, status: http.StatusOK, want: "ignored"},
		{name: "replaced order", result: regflow.ReconcileResult{Superseded: true}, status: http.StatusOK, want: "superseded"},
		{name: "unchanged", result: regflow.ReconcileResult{State: ledger.StatePaymentFailed}, status: http.StatusOK, want: "unchanged"},
		{name: "already completed", err: regflow.ErrAlreadyCompleted, status: http.StatusOK, want: "already_completed"},
		{name: "invalid signature", err: regflow.ErrInvalidSignature, status: http.StatusBadRequest},
		{name: "unknown order", err: regflow.ErrNotFound, status: http.StatusNotFound},
		{name: "stale", err: regflow.ErrStaleTransition, status: http.StatusConflict},
		{name: "store down", err: regflow.ErrExternalUnavailable, status: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := new(mockService)
			payload := `{"event":"payment.captured"}`
			svc.On("ReconcilePayment", mock.Anything, []byte(payload), "sig").Return(tc.result, tc.err)

			rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/payments/webhook", payload,
				map[string]string{signatureHeader: "sig"})

			assert.Equal(t, tc.status, rec.Code)
			if tc.want != "" {
				assert.Equal(t, tc.want, decodeBody(t, rec)["status"])
			}
		})
	}
}

func TestWebhookMissingSignature(t *testing.T) {
	svc := new(mockService)
	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/payments/webhook", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "ReconcilePayment", mock.Anything, mock.Anything, mock.Anything)
}

func TestInternalErrorHidesCause(t *testing.T) {
	svc := new(mockService)
	svc.On("IssueChallenge", mock.Anything, identity).
		Return(regflow.IssueResult{}, &regflow.Error{Kind: regflow.KindInternal, Message: "secret detail"})

	rec := do(t, newTestRouter(svc), http.MethodPost, "/v1/otc/send", `{"email":"`+identity+`"}`, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, strings.Contains(rec.Body.String(), "secret detail"))
}

func TestStatusForKinds(t *testing.T) {
	cases := map[regflow.Kind]int{
		regflow.KindValidation:               http.StatusBadRequest,
		regflow.KindAttemptsExhausted:        http.StatusForbidden,
		regflow.KindChallengeExpiredOrAbsent: http.StatusGone,
		regflow.KindDispatchFailed:           http.StatusBadGateway,
		regflow.KindConflict:                 http.StatusConflict,
		regflow.KindRateLimited:              http.StatusTooManyRequests,
		regflow.KindInternal:                 http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), kind.String())
	}
}

func TestMetricsMounted(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("regflow_otc_issued_total 1\n"))
	})
	h := NewRouter(Config{}, new(mockService), zerolog.Nop(), metrics)

	rec := do(t, h, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "regflow_otc_issued_total")
}
