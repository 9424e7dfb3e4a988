package payment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	msg := CheckoutMessage("ORD-1", "PAY-9")
	sig := Sign("secret", msg)

	require.NoError(t, Verify("secret", msg, sig))
	assert.ErrorIs(t, Verify("other", msg, sig), ErrSignatureMismatch)
	assert.ErrorIs(t, Verify("secret", CheckoutMessage("ORD-1", "PAY-8"), sig), ErrSignatureMismatch)
	assert.ErrorIs(t, Verify("secret", msg, "not-hex"), ErrSignatureMismatch)
	assert.ErrorIs(t, Verify("secret", msg, ""), ErrSignatureMismatch)
	assert.ErrorIs(t, Verify("", msg, Sign("", msg)), ErrSignatureMismatch)
}

func TestSignKnownVector(t *testing.T) {
	// RFC 4231 test case 2
	got := Sign("Jefe", []byte("what do ya want for nothing?"))
	assert.Equal(t, "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843", got)
}

func TestParseEvent(t *testing.T) {
	created := time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		body    string
		outcome Outcome
		wantErr bool
	}{
		{
			name:    "captured",
			body:    `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"PAY-9","order_id":"ORD-1","status":"captured","amount":10000,"currency":"INR"}}},"created_at":1769938200}`,
			outcome: OutcomeSuccess,
		},
		{
			name:    "order paid",
			body:    `{"event":"order.paid","payload":{"payment":{"entity":{"id":"PAY-9","order_id":"ORD-1","status":"captured"}}},"created_at":1769938200}`,
			outcome: OutcomeSuccess,
		},
		{
			name:    "failed",
			body:    `{"event":"payment.failed","payload":{"payment":{"entity":{"id":"PAY-3","order_id":"ORD-1","status":"failed"}}},"created_at":1769938200}`,
			outcome: OutcomeFailed,
		},
		{
			name:    "unrelated",
			body:    `{"event":"refund.created","payload":{},"created_at":1769938200}`,
			outcome: OutcomeIgnored,
		},
		{name: "not json", body: `{"event":`, wantErr: true},
		{name: "no type", body: `{"payload":{}}`, wantErr: true},
		{name: "captured without ids", body: `{"event":"payment.captured","payload":{"payment":{"entity":{"status":"captured"}}}}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedEvent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, ev.Outcome)
			assert.Equal(t, created, ev.CreatedAt)
		})
	}
}

func TestEventBodyRoundTrip(t *testing.T) {
	in := Event{
		Type:             EventPaymentCaptured,
		OrderReference:   "ORD-1",
		PaymentReference: "PAY-9",
		Status:           "captured",
		Amount:           10000,
		Currency:         "INR",
		CreatedAt:        time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC),
	}

	out, err := ParseEvent(EventBody(in))
	require.NoError(t, err)
	in.Outcome = OutcomeSuccess
	assert.Equal(t, in, out)
}
