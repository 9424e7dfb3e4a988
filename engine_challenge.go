package regflow

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/MrEthical07/regflow/internal"
	"github.com/MrEthical07/regflow/ledger"
	"go.opentelemetry.io/otel/attribute"
)

// IssueChallenge generates a code for identity, stores its hash and hands the
// plaintext to the CodeSender.
//
// A new code replaces any previous one only after the cooldown elapsed.
// During the cooldown the call fails with KindCooldown and RetryAfter set.
// If delivery fails the challenge is released so the caller can retry
// immediately.
func (e *Engine) IssueChallenge(ctx context.Context, identity string) (IssueResult, error) {
	const op = "IssueChallenge"
	ctx, span := e.startSpan(ctx, op)
	var err error
	defer func() { endSpan(span, err) }()

	var id string
	id, err = e.normalizeIdentity(op, identity)
	if err != nil {
		return IssueResult{}, err
	}

	var flagged bool
	flagged, err = e.checkRate(ctx, op, rateOpIssue, id)
	if err != nil {
		return IssueResult{}, err
	}
	span.SetAttributes(attribute.Bool("regflow.flagged", flagged))

	if err = e.ensureNotCompleted(ctx, op, id); err != nil {
		e.emitAudit(ctx, auditEventChallengeIssueFailure, false, id, err, nil)
		return IssueResult{}, err
	}

	code, genErr := e.newCode(e.config.OTC.CodeLength)
	if genErr != nil {
		e.log(ctx).Error().Err(genErr).Str("op", op).Msg("code generation failed")
		err = newError(KindInternal, op, "", genErr)
		return IssueResult{}, err
	}

	iss, issueErr := e.challenges.Issue(ctx, id, internal.HashCode(code), e.config.OTC.CodeTTL, e.config.OTC.Cooldown)
	if issueErr != nil {
		err = e.mapChallengeError(ctx, op, issueErr)
		if KindOf(err) == KindCooldown {
			e.metricInc(MetricOTCCooldown)
		}
		e.emitAudit(ctx, auditEventChallengeIssueFailure, false, id, err, nil)
		return IssueResult{}, err
	}

	if sendErr := e.sender.SendCode(ctx, id, code, iss.ExpiresAt); sendErr != nil {
		// Context may be done already; release on a fresh one so the
		// identity is not stuck behind a cooldown for a code nobody got.
		if relErr := e.challenges.Release(context.WithoutCancel(ctx), id, iss.Nonce); relErr != nil {
			e.log(ctx).Warn().Err(relErr).Str("op", op).Msg("challenge release failed")
		}
		e.metricInc(MetricOTCDispatchFailed)
		e.log(ctx).Warn().Err(sendErr).Str("op", op).Msg("code dispatch failed")
		err = newError(KindDispatchFailed, op, "could not deliver code", sendErr)
		e.emitAudit(ctx, auditEventChallengeIssueFailure, false, id, err, nil)
		return IssueResult{}, err
	}

	e.metricInc(MetricOTCIssued)
	e.emitAudit(ctx, auditEventChallengeIssued, true, id, nil, func() map[string]string {
		return map[string]string{"flagged": strconv.FormatBool(flagged)}
	})

	return IssueResult{
		Identity:      id,
		ExpiresAt:     iss.ExpiresAt,
		CooldownUntil: iss.CooldownUntil,
		Flagged:       flagged,
	}, nil
}

// VerifyChallenge checks code against the live challenge for identity. On a
// match the challenge is consumed and the registration is created in
// EMAIL_VERIFIED, or left where it is if it already moved past that.
//
// A wrong code fails with KindInvalidCode and AttemptsRemaining. Once the
// attempt cap is reached every further call fails with KindAttemptsExhausted
// until a new code is issued.
func (e *Engine) VerifyChallenge(ctx context.Context, identity, code string) (VerifyResult, error) {
	const op = "VerifyChallenge"
	ctx, span := e.startSpan(ctx, op)
	var err error
	defer func() { endSpan(span, err) }()

	var id string
	id, err = e.normalizeIdentity(op, identity)
	if err != nil {
		return VerifyResult{}, err
	}
	code = strings.TrimSpace(code)
	if !internal.IsNumericCode(code, e.config.OTC.CodeLength) {
		err = newError(KindValidation, op, "code must be "+strconv.Itoa(e.config.OTC.CodeLength)+" digits", nil)
		return VerifyResult{}, err
	}

	if _, err = e.checkRate(ctx, op, rateOpVerify, id); err != nil {
		return VerifyResult{}, err
	}

	res, consumeErr := e.challenges.Consume(ctx, id, internal.HashCode(code), e.config.OTC.MaxAttempts)
	if consumeErr != nil {
		err = e.mapChallengeError(ctx, op, consumeErr)
		switch KindOf(err) {
		case KindAttemptsExhausted:
			e.metricInc(MetricOTCAttemptsExhausted)
		case KindChallengeExpiredOrAbsent:
			e.metricInc(MetricOTCExpired)
		}
		e.emitAudit(ctx, auditEventChallengeFailure, false, id, err, nil)
		return VerifyResult{}, err
	}

	if !res.Matched {
		remaining := e.config.OTC.MaxAttempts - int(res.Attempts)
		if remaining < 0 {
			remaining = 0
		}
		out := newError(KindInvalidCode, op, "incorrect code", nil)
		out.AttemptsRemaining = remaining
		err = out
		e.metricInc(MetricOTCInvalidCode)
		e.emitAudit(ctx, auditEventChallengeFailure, false, id, err, func() map[string]string {
			return map[string]string{"attempts_remaining": strconv.Itoa(remaining)}
		})
		return VerifyResult{}, err
	}

	var rec *ledger.Record
	rec, err = e.markVerified(ctx, op, id)
	if err != nil {
		e.emitAudit(ctx, auditEventChallengeFailure, false, id, err, nil)
		return VerifyResult{}, err
	}

	out := VerifyResult{Registration: registrationFromRecord(rec)}
	if e.tickets != nil {
		ticket, exp, ticketErr := e.tickets.CreateTicket(rec.Identity, rec.ID)
		if ticketErr != nil {
			e.log(ctx).Error().Err(ticketErr).Str("op", op).Msg("ticket signing failed")
			err = newError(KindInternal, op, "", ticketErr)
			return VerifyResult{}, err
		}
		out.Ticket = ticket
		out.TicketExpiresAt = exp
	}

	e.metricInc(MetricOTCVerified)
	e.emitAudit(ctx, auditEventChallengeVerified, true, id, nil, func() map[string]string {
		return map[string]string{"state": string(rec.State)}
	})
	return out, nil
}

// markVerified records a successful challenge. Existing records past
// EMAIL_VERIFIED are returned unchanged; a completed registration is
// reported as KindAlreadyCompleted.
func (e *Engine) markVerified(ctx context.Context, op, identity string) (*ledger.Record, error) {
	rec := ledger.NewRecord(identity, ledger.StateEmailVerified, nil)
	err := e.ledger.Create(ctx, rec)
	if err == nil {
		e.metricInc(MetricRegistrationCreated)
		return rec, nil
	}
	if !errors.Is(err, ledger.ErrIdentityExists) {
		return nil, e.mapLedgerError(ctx, op, err)
	}

	current, err := e.ledger.Get(ctx, identity)
	if err != nil {
		return nil, e.mapLedgerError(ctx, op, err)
	}
	switch current.State {
	case ledger.StatePaymentSuccess:
		return nil, newError(KindAlreadyCompleted, op, "registration already completed", nil)
	case ledger.StateUnverified:
		next, err := e.ledger.Transition(ctx, ledger.Transition{
			Identity: identity,
			From:     ledger.StateUnverified,
			To:       ledger.StateEmailVerified,
		})
		if errors.Is(err, ledger.ErrStaleTransition) {
			// Someone else moved it forward; report whatever it is now.
			if next, err = e.ledger.Get(ctx, identity); err == nil {
				return next, nil
			}
		}
		if err != nil {
			return nil, e.mapLedgerError(ctx, op, err)
		}
		return next, nil
	default:
		return current, nil
	}
}

func (e *Engine) ensureNotCompleted(ctx context.Context, op, identity string) error {
	rec, err := e.ledger.Get(ctx, identity)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return nil
	case err != nil:
		return e.mapLedgerError(ctx, op, err)
	case rec.State == ledger.StatePaymentSuccess:
		return newError(KindAlreadyCompleted, op, "registration already completed", nil)
	default:
		return nil
	}
}
