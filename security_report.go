package regflow

import (
	"time"

	"github.com/MrEthical07/regflow/internal/rate"
)

// SecurityReport is a read-only snapshot of the engine's security posture,
// returned by [Engine.SecurityReport].
type SecurityReport struct {
	TicketsEnabled     bool
	SigningAlgorithm   string
	TicketTTL          time.Duration
	CodeLength         int
	CodeTTL            time.Duration
	Cooldown           time.Duration
	MaxAttempts        int
	RateLimitingActive bool
	SoftLimits         []string
	WebhookTolerance   time.Duration
	AuditEnabled       bool
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}

	var soft []string
	if e.config.RateLimit.Enabled {
		for _, op := range []rateOp{rateOpIssue, rateOpVerify, rateOpInitiate, rateOpConfirm} {
			for _, p := range e.policies[op] {
				if p.Mode == rate.Soft {
					soft = append(soft, p.Name+":"+string(p.Scope))
				}
			}
		}
	}

	return SecurityReport{
		TicketsEnabled:     e.tickets != nil,
		SigningAlgorithm:   string(e.config.Ticket.SigningMethod),
		TicketTTL:          e.config.Ticket.TTL,
		CodeLength:         e.config.OTC.CodeLength,
		CodeTTL:            e.config.OTC.CodeTTL,
		Cooldown:           e.config.OTC.Cooldown,
		MaxAttempts:        e.config.OTC.MaxAttempts,
		RateLimitingActive: e.config.RateLimit.Enabled && len(e.policies) > 0,
		SoftLimits:         soft,
		WebhookTolerance:   e.config.Payment.WebhookTolerance,
		AuditEnabled:       e.audit != nil,
	}
}
