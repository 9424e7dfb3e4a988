package internaldefs

import (
	"github.com/MrEthical07/regflow"
)

// CounterDef maps an engine counter to its exported name.
type CounterDef struct {
	ID   regflow.MetricID
	Name string
	Help string
}

// HistogramDef maps an engine histogram to its exported name.
type HistogramDef struct {
	ID   regflow.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: regflow.MetricOTCIssued, Name: "regflow_otc_issued_total", Help: "One-time codes issued and delivered."},
	{ID: regflow.MetricOTCCooldown, Name: "regflow_otc_cooldown_total", Help: "Issue requests rejected by the resend cooldown."},
	{ID: regflow.MetricOTCDispatchFailed, Name: "regflow_otc_dispatch_failed_total", Help: "Codes that could not be delivered."},
	{ID: regflow.MetricOTCVerified, Name: "regflow_otc_verified_total", Help: "Successful code verifications."},
	{ID: regflow.MetricOTCInvalidCode, Name: "regflow_otc_invalid_code_total", Help: "Wrong codes submitted."},
	{ID: regflow.MetricOTCAttemptsExhausted, Name: "regflow_otc_attempts_exhausted_total", Help: "Verifications refused after the attempt cap."},
	{ID: regflow.MetricOTCExpired, Name: "regflow_otc_expired_total", Help: "Verifications with no live code."},
	{ID: regflow.MetricRateLimitHit, Name: "regflow_rate_limit_hit_total", Help: "Requests rejected by a hard rate limit."},
	{ID: regflow.MetricRateLimitFlagged, Name: "regflow_rate_limit_flagged_total", Help: "Requests over a soft rate limit."},
	{ID: regflow.MetricRegistrationCreated, Name: "regflow_registration_created_total", Help: "Registrations created on first verification."},
	{ID: regflow.MetricPaymentInitiated, Name: "regflow_payment_initiated_total", Help: "Gateway orders opened."},
	{ID: regflow.MetricPaymentOrderReused, Name: "regflow_payment_order_reused_total", Help: "Initiations answered with an existing pending order."},
	{ID: regflow.MetricPaymentSucceeded, Name: "regflow_payment_succeeded_total", Help: "Registrations moved to PAYMENT_SUCCESS."},
	{ID: regflow.MetricPaymentFailed, Name: "regflow_payment_failed_total", Help: "Registrations moved to PAYMENT_FAILED."},
	{ID: regflow.MetricPaymentDuplicate, Name: "regflow_payment_duplicate_total", Help: "Payment confirmations already recorded."},
	{ID: regflow.MetricPaymentIgnored, Name: "regflow_payment_ignored_total", Help: "Webhook events without a registration outcome."},
	{ID: regflow.MetricPaymentSuperseded, Name: "regflow_payment_superseded_total", Help: "Payment events for orders replaced by a retry."},
	{ID: regflow.MetricInvalidSignature, Name: "regflow_invalid_signature_total", Help: "Payment confirmations that failed verification."},
	{ID: regflow.MetricStaleTransition, Name: "regflow_stale_transition_total", Help: "Ledger compare-and-set conflicts."},
	{ID: regflow.MetricGatewayUnavailable, Name: "regflow_gateway_unavailable_total", Help: "Payment gateway calls that failed transiently."},
	{ID: regflow.MetricNotifyFailed, Name: "regflow_notify_failed_total", Help: "Completion notifications that failed."},
}

var HistogramDefs = []HistogramDef{
	{ID: regflow.MetricReconcileLatency, Name: "regflow_reconcile_latency_seconds", Help: "Webhook reconciliation latency."},
}

var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// AuditDroppedName is exported alongside the engine counters.
const (
	AuditDroppedName = "regflow_audit_dropped_total"
	AuditDroppedHelp = "Audit events dropped by the dispatcher."
)

// NormalizeBuckets pads or truncates raw to the fixed bucket count.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	copy(out[:], raw)
	return out
}

// CumulativeBuckets turns per-bucket counts into running totals, so the
// last entry is the sample count.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	for i := 1; i < len(raw); i++ {
		raw[i] += raw[i-1]
	}
	return raw
}
