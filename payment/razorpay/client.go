package razorpay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrEthical07/regflow/payment"
)

const DefaultBaseURL = "https://api.razorpay.com"

// Config carries the API credentials. KeySecret signs checkout
// confirmations; WebhookSecret signs webhook deliveries.
type Config struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
	BaseURL       string
	HTTPClient    *http.Client
}

type Client struct {
	keyID         string
	keySecret     string
	webhookSecret string
	baseURL       string
	http          *http.Client
}

var _ payment.Gateway = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.KeyID == "" || cfg.KeySecret == "" {
		return nil, errors.New("razorpay: key id and key secret are required")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		keyID:         cfg.KeyID,
		keySecret:     cfg.KeySecret,
		webhookSecret: cfg.WebhookSecret,
		baseURL:       base,
		http:          hc,
	}, nil
}

func (c *Client) KeyID() string { return c.keyID }

type orderRequest struct {
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Receipt        string            `json:"receipt,omitempty"`
	PaymentCapture int               `json:"payment_capture"`
	Notes          map[string]string `json:"notes,omitempty"`
}

type orderResponse struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateOrder creates an auto-capturing order.
func (c *Client) CreateOrder(ctx context.Context, req payment.OrderRequest) (payment.Order, error) {
	body, err := json.Marshal(orderRequest{
		Amount:         req.Amount,
		Currency:       req.Currency,
		Receipt:        req.Receipt,
		PaymentCapture: 1,
		Notes:          req.Notes,
	})
	if err != nil {
		return payment.Order{}, fmt.Errorf("razorpay: encode order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return payment.Order{}, fmt.Errorf("razorpay: build request: %w", err)
	}
	httpReq.SetBasicAuth(c.keyID, c.keySecret)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return payment.Order{}, fmt.Errorf("%w: %v", payment.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return payment.Order{}, fmt.Errorf("%w: read response: %v", payment.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return payment.Order{}, fmt.Errorf("%w: status %d", payment.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		var e errorResponse
		_ = json.Unmarshal(data, &e)
		return payment.Order{}, fmt.Errorf("%w: status %d %s %s", payment.ErrRejected, resp.StatusCode, e.Error.Code, e.Error.Description)
	}

	var out orderResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return payment.Order{}, fmt.Errorf("razorpay: decode order: %w", err)
	}
	if out.ID == "" {
		return payment.Order{}, errors.New("razorpay: order response without id")
	}

	return payment.Order{
		Reference: out.ID,
		Amount:    out.Amount,
		Currency:  out.Currency,
		Receipt:   out.Receipt,
		Status:    out.Status,
	}, nil
}

// VerifyPayment checks the checkout signature over "order_id|payment_id".
func (c *Client) VerifyPayment(orderReference, paymentReference, signature string) error {
	if orderReference == "" || paymentReference == "" {
		return payment.ErrSignatureMismatch
	}
	return payment.Verify(c.keySecret, payment.CheckoutMessage(orderReference, paymentReference), signature)
}

// VerifyWebhook checks the X-Razorpay-Signature header over the raw body.
func (c *Client) VerifyWebhook(body []byte, signature string) error {
	return payment.Verify(c.webhookSecret, body, signature)
}
