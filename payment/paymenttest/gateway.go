// Package paymenttest provides an in-memory payment.Gateway for tests and
// load generation.
package paymenttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrEthical07/regflow/payment"
)

// Gateway issues sequential order references and signs with fixed secrets.
// SetErr makes CreateOrder fail; Delay slows it down and must be set before
// first use.
type Gateway struct {
	KeySecret     string
	WebhookSecret string
	// OrderFormat renders the sequence number into an order reference.
	OrderFormat string

	mu     sync.Mutex
	seq    int
	orders []payment.OrderRequest
	err    error
	Delay  time.Duration
}

var _ payment.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{
		KeySecret:     "test-key-secret",
		WebhookSecret: "test-webhook-secret",
		OrderFormat:   "order_%06d",
	}
}

func (g *Gateway) KeyID() string { return "test_key" }

func (g *Gateway) CreateOrder(ctx context.Context, req payment.OrderRequest) (payment.Order, error) {
	g.mu.Lock()
	delay, failure := g.Delay, g.err
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return payment.Order{}, fmt.Errorf("%w: %v", payment.ErrUnavailable, ctx.Err())
		}
	}
	if failure != nil {
		return payment.Order{}, failure
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	g.orders = append(g.orders, req)
	return payment.Order{
		Reference: fmt.Sprintf(g.OrderFormat, g.seq),
		Amount:    req.Amount,
		Currency:  req.Currency,
		Receipt:   req.Receipt,
		Status:    "created",
	}, nil
}

// Orders returns the requests CreateOrder accepted so far.
func (g *Gateway) Orders() []payment.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]payment.OrderRequest(nil), g.orders...)
}

func (g *Gateway) SetErr(err error) {
	g.mu.Lock()
	g.err = err
	g.mu.Unlock()
}

func (g *Gateway) VerifyPayment(orderReference, paymentReference, signature string) error {
	return payment.Verify(g.KeySecret, payment.CheckoutMessage(orderReference, paymentReference), signature)
}

func (g *Gateway) VerifyWebhook(body []byte, signature string) error {
	return payment.Verify(g.WebhookSecret, body, signature)
}

// SignPayment returns the checkout signature a client would receive.
func (g *Gateway) SignPayment(orderReference, paymentReference string) string {
	return payment.Sign(g.KeySecret, payment.CheckoutMessage(orderReference, paymentReference))
}

// Webhook renders a signed delivery for ev. A zero CreatedAt is set to now.
func (g *Gateway) Webhook(ev payment.Event) ([]byte, string) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	body := payment.EventBody(ev)
	return body, payment.Sign(g.WebhookSecret, body)
}

// Captured is a signed payment.captured delivery.
func (g *Gateway) Captured(orderReference, paymentReference string) ([]byte, string) {
	return g.Webhook(payment.Event{
		Type:             payment.EventPaymentCaptured,
		OrderReference:   orderReference,
		PaymentReference: paymentReference,
		Status:           "captured",
		Amount:           10000,
		Currency:         "INR",
	})
}

// Failed is a signed payment.failed delivery.
func (g *Gateway) Failed(orderReference, paymentReference string) ([]byte, string) {
	return g.Webhook(payment.Event{
		Type:             payment.EventPaymentFailed,
		OrderReference:   orderReference,
		PaymentReference: paymentReference,
		Status:           "failed",
	})
}
