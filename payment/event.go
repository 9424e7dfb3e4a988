package payment

import (
	"encoding/json"
	"fmt"
	"time"
)

// Outcome is what an event means for the registration it targets.
type Outcome uint8

const (
	OutcomeIgnored Outcome = iota
	OutcomeSuccess
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	default:
		return "ignored"
	}
}

const (
	EventPaymentCaptured = "payment.captured"
	EventOrderPaid       = "order.paid"
	EventPaymentFailed   = "payment.failed"
)

// Event is a decoded webhook delivery.
type Event struct {
	Type             string
	OrderReference   string
	PaymentReference string
	Status           string
	Amount           int64
	Currency         string
	CreatedAt        time.Time
	Outcome          Outcome
}

type wireEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID       string `json:"id"`
				OrderID  string `json:"order_id"`
				Status   string `json:"status"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
	CreatedAt int64 `json:"created_at"`
}

// ParseEvent decodes a webhook body. Events of other types decode with
// OutcomeIgnored; payment events missing their order or payment id are
// malformed.
func ParseEvent(body []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if w.Event == "" {
		return Event{}, fmt.Errorf("%w: missing event type", ErrMalformedEvent)
	}

	entity := w.Payload.Payment.Entity
	ev := Event{
		Type:             w.Event,
		OrderReference:   entity.OrderID,
		PaymentReference: entity.ID,
		Status:           entity.Status,
		Amount:           entity.Amount,
		Currency:         entity.Currency,
	}
	if w.CreatedAt > 0 {
		ev.CreatedAt = time.Unix(w.CreatedAt, 0).UTC()
	}

	switch w.Event {
	case EventPaymentCaptured, EventOrderPaid:
		ev.Outcome = OutcomeSuccess
	case EventPaymentFailed:
		ev.Outcome = OutcomeFailed
	default:
		return ev, nil
	}

	if ev.OrderReference == "" || ev.PaymentReference == "" {
		return Event{}, fmt.Errorf("%w: %s without order or payment id", ErrMalformedEvent, w.Event)
	}
	return ev, nil
}

// EventBody renders the webhook body for ev. Gateway fakes and tools use it
// to produce deliveries ParseEvent accepts.
func EventBody(ev Event) []byte {
	var w wireEvent
	w.Event = ev.Type
	w.Payload.Payment.Entity.ID = ev.PaymentReference
	w.Payload.Payment.Entity.OrderID = ev.OrderReference
	w.Payload.Payment.Entity.Status = ev.Status
	w.Payload.Payment.Entity.Amount = ev.Amount
	w.Payload.Payment.Entity.Currency = ev.Currency
	if !ev.CreatedAt.IsZero() {
		w.CreatedAt = ev.CreatedAt.Unix()
	}
	body, _ := json.Marshal(w)
	return body
}
