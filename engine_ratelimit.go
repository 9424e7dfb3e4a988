package regflow

import (
	"context"

	"github.com/MrEthical07/regflow/internal/rate"
)

type rateOp string

const (
	rateOpIssue    rateOp = "issue"
	rateOpVerify   rateOp = "verify"
	rateOpInitiate rateOp = "initiate"
	rateOpConfirm  rateOp = "confirm"
)

// unknownOrigin is the origin key shared by requests that carry no client
// address, so origin windows still apply to them.
const unknownOrigin = "unknown"

func buildPolicies(cfg RateLimitConfig) map[rateOp][]rate.Policy {
	if !cfg.Enabled {
		return nil
	}
	out := make(map[rateOp][]rate.Policy, 4)
	add := func(op rateOp, scope rate.Scope, l Limit) {
		if l.Limit <= 0 {
			return
		}
		mode := rate.Hard
		if l.Soft {
			mode = rate.Soft
		}
		out[op] = append(out[op], rate.Policy{
			Name:   string(op),
			Scope:  scope,
			Limit:  l.Limit,
			Window: l.Window,
			Mode:   mode,
		})
	}
	add(rateOpIssue, rate.ScopeOrigin, cfg.IssueOrigin)
	add(rateOpIssue, rate.ScopeIdentity, cfg.IssueIdentity)
	add(rateOpVerify, rate.ScopeOrigin, cfg.VerifyOrigin)
	add(rateOpVerify, rate.ScopeIdentity, cfg.VerifyIdentity)
	add(rateOpInitiate, rate.ScopeOrigin, cfg.InitiateOrigin)
	add(rateOpInitiate, rate.ScopeIdentity, cfg.InitiateIdentity)
	add(rateOpConfirm, rate.ScopeOrigin, cfg.ConfirmOrigin)
	add(rateOpConfirm, rate.ScopeIdentity, cfg.ConfirmIdentity)
	return out
}

// checkRate counts one request against every window of rop. A hard window
// over its limit rejects; a soft one only sets flagged. The limiter fails
// closed when Redis is unreachable.
func (e *Engine) checkRate(ctx context.Context, op string, rop rateOp, identity string) (flagged bool, err error) {
	for _, policy := range e.policies[rop] {
		id := identity
		if policy.Scope == rate.ScopeOrigin {
			if id = ClientIPFromContext(ctx); id == "" {
				id = unknownOrigin
			}
		}

		decision, err := e.limiter.Allow(ctx, policy, id)
		if err != nil {
			e.log(ctx).Warn().Err(err).Str("op", op).Str("policy", policy.Name).Msg("rate limiter unavailable")
			return false, newError(KindExternalUnavailable, op, "rate limiter unavailable", err)
		}
		if !decision.Allowed {
			e.emitRateLimit(ctx, policy.Name, string(policy.Scope), identity)
			out := newError(KindRateLimited, op, "too many requests", nil)
			out.RetryAfter = decision.RetryAfter
			return false, out
		}
		if decision.Flagged {
			flagged = true
			e.metricInc(MetricRateLimitFlagged)
			e.log(ctx).Info().
				Str("op", op).
				Str("policy", policy.Name).
				Str("scope", string(policy.Scope)).
				Int64("count", decision.Count).
				Msg("soft rate limit exceeded")
		}
	}
	return flagged, nil
}
