package payment

import (
	"context"
	"errors"
)

var (
	// ErrSignatureMismatch is returned when a signature does not verify.
	ErrSignatureMismatch = errors.New("payment signature mismatch")
	// ErrMalformedEvent is returned for webhook bodies that cannot be decoded.
	ErrMalformedEvent = errors.New("malformed payment event")
	// ErrUnavailable marks transient gateway failures: transport errors,
	// deadlines, throttling and 5xx responses.
	ErrUnavailable = errors.New("payment gateway unavailable")
	// ErrRejected is returned when the gateway refuses a request outright.
	ErrRejected = errors.New("payment gateway rejected request")
)

// OrderRequest asks the gateway for a new order. Amount is in minor units.
type OrderRequest struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

// Order is a gateway order the client pays against.
type Order struct {
	Reference string
	Amount    int64
	Currency  string
	Receipt   string
	Status    string
}

// Gateway is the external payment provider.
type Gateway interface {
	// KeyID is the public key the client checkout needs.
	KeyID() string
	CreateOrder(ctx context.Context, req OrderRequest) (Order, error)
	// VerifyPayment checks a signature the client received from checkout.
	VerifyPayment(orderReference, paymentReference, signature string) error
	// VerifyWebhook checks the signature over a raw webhook body.
	VerifyWebhook(body []byte, signature string) error
}
