package regflow

import (
	"context"

	"github.com/oklog/ulid/v2"
)

const (
	auditEventChallengeIssued       = "challenge_issued"
	auditEventChallengeIssueFailure = "challenge_issue_failure"
	auditEventChallengeVerified     = "challenge_verified"
	auditEventChallengeFailure      = "challenge_failure"
	auditEventPaymentInitiated      = "payment_initiated"
	auditEventPaymentInitiateFailed = "payment_initiate_failure"
	auditEventPaymentReconciled     = "payment_reconciled"
	auditEventPaymentRejected       = "payment_rejected"
	auditEventRefundRequired        = "payment_refund_required"
	auditEventPaymentConfirmed      = "payment_confirmed"
	auditEventPaymentConfirmFailure = "payment_confirm_failure"
	auditEventNotifyFailure         = "notify_failure"
	auditEventRateLimitTriggered    = "rate_limit_triggered"
)

// emitAudit queues one audit event. meta is only invoked when a sink is
// attached, so callers can build maps freely.
func (e *Engine) emitAudit(ctx context.Context, eventType string, success bool, identity string, err error, meta func() map[string]string) {
	if e == nil || e.audit == nil {
		return
	}
	id := ulid.Make()
	event := AuditEvent{
		ID:        id.String(),
		Timestamp: ulid.Time(id.Time()).UTC(),
		EventType: eventType,
		Identity:  identity,
		RequestID: RequestIDFromContext(ctx),
		IP:        ClientIPFromContext(ctx),
		Success:   success,
	}
	if meta != nil {
		event.Metadata = meta()
	}
	if err != nil {
		event.Error = KindOf(err).String()
	}
	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, policy, scope, identity string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, identity, ErrRateLimited, func() map[string]string {
		return map[string]string{
			"policy": policy,
			"scope":  scope,
		}
	})
}
