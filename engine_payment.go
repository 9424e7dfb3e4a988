package regflow

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/MrEthical07/regflow/ledger"
	"github.com/MrEthical07/regflow/payment"
	"go.opentelemetry.io/otel/attribute"
)

// InitiatePayment opens a gateway order for a verified identity and moves the
// registration to PAYMENT_PENDING. profile replaces the stored profile when
// non-nil.
//
// A registration already in PAYMENT_PENDING gets its existing order back with
// Reused set, so a double-submitted form never opens two orders. Retrying
// after PAYMENT_FAILED opens a fresh order.
func (e *Engine) InitiatePayment(ctx context.Context, identity string, profile map[string]string) (PaymentOrder, error) {
	const op = "InitiatePayment"
	ctx, span := e.startSpan(ctx, op)
	var err error
	defer func() { endSpan(span, err) }()

	var id string
	id, err = e.normalizeIdentity(op, identity)
	if err != nil {
		return PaymentOrder{}, err
	}

	var flagged bool
	flagged, err = e.checkRate(ctx, op, rateOpInitiate, id)
	if err != nil {
		return PaymentOrder{}, err
	}

	var order PaymentOrder
	order, err = e.initiate(ctx, op, id, ledger.Profile(profile))
	if err != nil {
		e.emitAudit(ctx, auditEventPaymentInitiateFailed, false, id, err, nil)
		return PaymentOrder{}, err
	}
	order.Flagged = flagged
	span.SetAttributes(
		attribute.String("regflow.order_reference", order.OrderReference),
		attribute.Bool("regflow.reused", order.Reused),
	)

	if order.Reused {
		e.metricInc(MetricPaymentOrderReused)
	} else {
		e.metricInc(MetricPaymentInitiated)
	}
	e.emitAudit(ctx, auditEventPaymentInitiated, true, id, nil, func() map[string]string {
		return map[string]string{
			"order_reference": order.OrderReference,
			"reused":          strconv.FormatBool(order.Reused),
		}
	})
	return order, nil
}

func (e *Engine) initiate(ctx context.Context, op, identity string, profile ledger.Profile) (PaymentOrder, error) {
	rec, err := e.ledger.Get(ctx, identity)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return PaymentOrder{}, newError(KindNotFound, op, "verify the email address first", nil)
		}
		return PaymentOrder{}, e.mapLedgerError(ctx, op, err)
	}

	switch rec.State {
	case ledger.StatePaymentSuccess:
		return PaymentOrder{}, newError(KindAlreadyCompleted, op, "registration already completed", nil)
	case ledger.StatePaymentPending:
		return e.pendingOrder(rec), nil
	case ledger.StateEmailVerified, ledger.StatePaymentFailed:
	default:
		return PaymentOrder{}, newError(KindStaleTransition, op, "email address is not verified", nil)
	}

	gctx, cancel := context.WithTimeout(ctx, e.config.Payment.GatewayTimeout)
	defer cancel()
	order, err := e.gateway.CreateOrder(gctx, payment.OrderRequest{
		Amount:   e.config.Payment.Amount,
		Currency: e.config.Payment.Currency,
		Receipt:  rec.ID,
		Notes:    map[string]string{"identity": identity},
	})
	if err != nil {
		return PaymentOrder{}, e.mapGatewayError(ctx, op, err)
	}

	next, err := e.ledger.Transition(ctx, ledger.Transition{
		Identity:       identity,
		From:           rec.State,
		To:             ledger.StatePaymentPending,
		OrderReference: order.Reference,
		Profile:        profile,
	})
	if err == nil {
		return PaymentOrder{
			OrderReference: next.OrderReference,
			Amount:         order.Amount,
			Currency:       order.Currency,
			KeyID:          e.gateway.KeyID(),
		}, nil
	}
	if !errors.Is(err, ledger.ErrStaleTransition) {
		return PaymentOrder{}, e.mapLedgerError(ctx, op, err)
	}

	// A concurrent initiate won. The order we opened is never paid and
	// expires on the gateway side.
	e.metricInc(MetricStaleTransition)
	current, err := e.ledger.Get(ctx, identity)
	if err != nil {
		return PaymentOrder{}, e.mapLedgerError(ctx, op, err)
	}
	switch current.State {
	case ledger.StatePaymentPending:
		return e.pendingOrder(current), nil
	case ledger.StatePaymentSuccess:
		return PaymentOrder{}, newError(KindAlreadyCompleted, op, "registration already completed", nil)
	default:
		return PaymentOrder{}, newError(KindStaleTransition, op, "registration changed concurrently", nil)
	}
}

func (e *Engine) pendingOrder(rec *ledger.Record) PaymentOrder {
	return PaymentOrder{
		OrderReference: rec.OrderReference,
		Amount:         e.config.Payment.Amount,
		Currency:       e.config.Payment.Currency,
		KeyID:          e.gateway.KeyID(),
		Reused:         true,
	}
}

// ReconcilePayment applies one signed webhook delivery.
//
// Verification fails closed: a bad signature, an undecodable body or a
// timestamp outside the tolerance all yield KindInvalidSignature and touch
// nothing. While a tolerance is configured, a body without created_at counts
// as outside it. A delivery whose payment reference is already recorded is a
// no-op reported as Duplicate. Event types without a registration outcome
// are acknowledged as Ignored.
func (e *Engine) ReconcilePayment(ctx context.Context, body []byte, signature string) (ReconcileResult, error) {
	const op = "ReconcilePayment"
	ctx, span := e.startSpan(ctx, op)
	var err error
	start := time.Now()
	defer func() {
		e.metrics.Observe(MetricReconcileLatency, time.Since(start))
		endSpan(span, err)
	}()

	if verifyErr := e.gateway.VerifyWebhook(body, signature); verifyErr != nil {
		err = e.mapGatewayError(ctx, op, verifyErr)
		e.emitAudit(ctx, auditEventPaymentRejected, false, "", err, nil)
		return ReconcileResult{}, err
	}

	ev, parseErr := payment.ParseEvent(body)
	if parseErr != nil {
		err = e.mapGatewayError(ctx, op, parseErr)
		e.emitAudit(ctx, auditEventPaymentRejected, false, "", err, nil)
		return ReconcileResult{}, err
	}
	if !e.withinTolerance(ev.CreatedAt) {
		e.metricInc(MetricInvalidSignature)
		err = newError(KindInvalidSignature, op, "event timestamp outside tolerance", nil)
		e.emitAudit(ctx, auditEventPaymentRejected, false, "", err, func() map[string]string {
			return map[string]string{"event": ev.Type}
		})
		return ReconcileResult{}, err
	}
	span.SetAttributes(
		attribute.String("regflow.event", ev.Type),
		attribute.String("regflow.order_reference", ev.OrderReference),
	)

	if ev.Outcome == payment.OutcomeIgnored {
		e.metricInc(MetricPaymentIgnored)
		return ReconcileResult{Ignored: true}, nil
	}

	rec, getErr := e.ledger.GetByOrder(ctx, ev.OrderReference)
	if getErr != nil {
		err = e.mapLedgerError(ctx, op, getErr)
		e.emitAudit(ctx, auditEventPaymentRejected, false, "", err, func() map[string]string {
			return map[string]string{"order_reference": ev.OrderReference}
		})
		return ReconcileResult{}, err
	}

	if rec.Superseded(ev.OrderReference) {
		return e.supersededOrder(ctx, op, rec, ev), nil
	}

	var res ReconcileResult
	res, err = e.applyOutcome(ctx, op, rec, ev.OrderReference, ev.PaymentReference, ev.Outcome)
	e.emitAudit(ctx, auditEventPaymentReconciled, err == nil, rec.Identity, err, func() map[string]string {
		return map[string]string{
			"event":             ev.Type,
			"order_reference":   ev.OrderReference,
			"payment_reference": ev.PaymentReference,
			"applied":           strconv.FormatBool(res.Applied),
			"duplicate":         strconv.FormatBool(res.Duplicate),
		}
	})
	return res, err
}

// supersededOrder acknowledges an event for an order a retry replaced. The
// registration now tracks a newer order, so nothing is transitioned; money
// captured on the old order has to be refunded by an operator.
func (e *Engine) supersededOrder(ctx context.Context, op string, rec *ledger.Record, ev payment.Event) ReconcileResult {
	e.metricInc(MetricPaymentSuperseded)
	res := ReconcileResult{
		State:            rec.State,
		Identity:         rec.Identity,
		OrderReference:   ev.OrderReference,
		PaymentReference: ev.PaymentReference,
		Superseded:       true,
	}
	if ev.Outcome != payment.OutcomeSuccess {
		e.log(ctx).Debug().
			Str("op", op).
			Str("order_reference", ev.OrderReference).
			Msg("failure event for replaced order")
		return res
	}

	e.log(ctx).Warn().
		Str("op", op).
		Str("identity", rec.Identity).
		Str("order_reference", ev.OrderReference).
		Str("current_order_reference", rec.OrderReference).
		Str("payment_reference", ev.PaymentReference).
		Msg("payment captured on replaced order; refund required")
	e.emitAudit(ctx, auditEventRefundRequired, false, rec.Identity, nil, func() map[string]string {
		return map[string]string{
			"reason":            "superseded_order",
			"order_reference":   ev.OrderReference,
			"payment_reference": ev.PaymentReference,
		}
	})
	return res
}

// ConfirmPayment applies the client-side checkout result. The signature is
// the one the gateway returned to the browser; it proves the payment
// without waiting for the webhook. Whichever of the two arrives second is a
// no-op.
func (e *Engine) ConfirmPayment(ctx context.Context, identity, orderReference, paymentReference, signature string) (ConfirmResult, error) {
	const op = "ConfirmPayment"
	ctx, span := e.startSpan(ctx, op)
	var err error
	defer func() { endSpan(span, err) }()

	var id string
	id, err = e.normalizeIdentity(op, identity)
	if err != nil {
		return ConfirmResult{}, err
	}
	orderReference = strings.TrimSpace(orderReference)
	paymentReference = strings.TrimSpace(paymentReference)
	if orderReference == "" || paymentReference == "" || signature == "" {
		err = newError(KindValidation, op, "order reference, payment reference and signature are required", nil)
		return ConfirmResult{}, err
	}

	if _, err = e.checkRate(ctx, op, rateOpConfirm, id); err != nil {
		return ConfirmResult{}, err
	}

	var out ConfirmResult
	out, err = e.confirm(ctx, op, id, orderReference, paymentReference, signature)
	if err != nil {
		e.emitAudit(ctx, auditEventPaymentConfirmFailure, false, id, err, func() map[string]string {
			return map[string]string{"order_reference": orderReference}
		})
		return ConfirmResult{}, err
	}
	e.emitAudit(ctx, auditEventPaymentConfirmed, true, id, nil, func() map[string]string {
		return map[string]string{
			"order_reference":   orderReference,
			"payment_reference": paymentReference,
		}
	})
	return out, nil
}

func (e *Engine) confirm(ctx context.Context, op, identity, orderReference, paymentReference, signature string) (ConfirmResult, error) {
	if err := e.gateway.VerifyPayment(orderReference, paymentReference, signature); err != nil {
		return ConfirmResult{}, e.mapGatewayError(ctx, op, err)
	}

	rec, err := e.ledger.Get(ctx, identity)
	if err != nil {
		return ConfirmResult{}, e.mapLedgerError(ctx, op, err)
	}
	if rec.OrderReference != orderReference {
		return ConfirmResult{}, newError(KindNotFound, op, "order does not belong to this registration", nil)
	}
	if rec.State == ledger.StatePaymentSuccess {
		return ConfirmResult{}, newError(KindAlreadyCompleted, op, "registration already completed", nil)
	}

	res, err := e.applyOutcome(ctx, op, rec, orderReference, paymentReference, payment.OutcomeSuccess)
	if err != nil {
		return ConfirmResult{}, err
	}
	if res.Duplicate {
		return ConfirmResult{}, newError(KindAlreadyCompleted, op, "payment already recorded", nil)
	}

	current, err := e.ledger.Get(ctx, identity)
	if err != nil {
		return ConfirmResult{}, e.mapLedgerError(ctx, op, err)
	}
	return ConfirmResult{Registration: registrationFromRecord(current), Applied: res.Applied}, nil
}

func (e *Engine) withinTolerance(created time.Time) bool {
	tol := e.config.Payment.WebhookTolerance
	if tol <= 0 {
		return true
	}
	if created.IsZero() {
		return false
	}
	skew := e.now().Sub(created)
	if skew < 0 {
		skew = -skew
	}
	return skew <= tol
}

// applyOutcome moves rec to the state outcome names. It is the idempotency
// gate shared by webhooks and client confirmation: the payment reference is
// the key, and a reference already recorded on a settled record is reported
// as Duplicate without side effects.
//
// A lost compare-and-set is retried once against a fresh read so a webhook
// racing a confirmation resolves to Duplicate rather than an error.
func (e *Engine) applyOutcome(
	ctx context.Context,
	op string,
	rec *ledger.Record,
	orderReference string,
	paymentReference string,
	outcome payment.Outcome,
) (ReconcileResult, error) {
	target := ledger.StatePaymentFailed
	if outcome == payment.OutcomeSuccess {
		target = ledger.StatePaymentSuccess
	}

	for pass := 0; pass < 2; pass++ {
		res := ReconcileResult{
			State:            rec.State,
			Identity:         rec.Identity,
			OrderReference:   orderReference,
			PaymentReference: paymentReference,
		}

		if rec.State.Settled() && rec.PaymentReference == paymentReference {
			e.metricInc(MetricPaymentDuplicate)
			res.Duplicate = true
			return res, nil
		}

		switch {
		case rec.State == ledger.StatePaymentSuccess && target == ledger.StatePaymentFailed:
			// A late failure for an earlier attempt; no money moved.
			return res, nil
		case rec.State == ledger.StatePaymentSuccess:
			// A second payment against a completed registration. It needs a
			// refund, not a state change.
			e.emitAudit(ctx, auditEventRefundRequired, false, rec.Identity, nil, func() map[string]string {
				return map[string]string{
					"reason":            "already_completed",
					"order_reference":   orderReference,
					"payment_reference": paymentReference,
				}
			})
			e.log(ctx).Warn().
				Str("op", op).
				Str("identity", rec.Identity).
				Str("payment_reference", paymentReference).
				Msg("payment received for completed registration")
			return res, newError(KindAlreadyCompleted, op, "registration already completed", nil)
		case rec.State == ledger.StatePaymentFailed && target == ledger.StatePaymentFailed:
			// Another failed attempt on the same order; nothing to record.
			return res, nil
		case !ledger.CanTransition(rec.State, target):
			return res, newError(KindStaleTransition, op, "registration has no open order", nil)
		}

		next, err := e.ledger.Transition(ctx, ledger.Transition{
			Identity:             rec.Identity,
			From:                 rec.State,
			To:                   target,
			ExpectOrderReference: orderReference,
			PaymentReference:     paymentReference,
		})
		if err == nil {
			res.State = next.State
			res.Applied = true
			if target == ledger.StatePaymentSuccess {
				e.metricInc(MetricPaymentSucceeded)
				e.notifyRegistered(ctx, op, next)
			} else {
				e.metricInc(MetricPaymentFailed)
			}
			return res, nil
		}
		if !errors.Is(err, ledger.ErrStaleTransition) || pass > 0 {
			return res, e.mapLedgerError(ctx, op, err)
		}

		e.metricInc(MetricStaleTransition)
		rec, err = e.ledger.Get(ctx, rec.Identity)
		if err != nil {
			return res, e.mapLedgerError(ctx, op, err)
		}
		if rec.OrderReference != orderReference {
			return res, newError(KindStaleTransition, op, "order superseded", nil)
		}
	}
	return ReconcileResult{}, newError(KindStaleTransition, op, "registration changed concurrently", nil)
}

// notifyRegistered runs after the transition committed, so its failure is
// logged and audited only.
func (e *Engine) notifyRegistered(ctx context.Context, op string, rec *ledger.Record) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.NotifyRegistered(ctx, registrationFromRecord(rec)); err != nil {
		e.metricInc(MetricNotifyFailed)
		e.log(ctx).Warn().Err(err).Str("op", op).Str("identity", rec.Identity).Msg("registration notification failed")
		e.emitAudit(ctx, auditEventNotifyFailure, false, rec.Identity, newError(KindExternalUnavailable, op, "", err), nil)
	}
}
