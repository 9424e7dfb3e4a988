//go:build integration
// +build integration

package test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrEthical07/regflow"
	"github.com/MrEthical07/regflow/ledger"
)

func TestRegistrationLifecycle(t *testing.T) {
	for _, mode := range redisModes(t) {
		t.Run(mode.name, func(t *testing.T) {
			h := newHarness(t, mode.setup(t), nil)
			ctx := context.Background()
			const id = "stu25000123@college.edu"

			if _, err := h.engine.IssueChallenge(ctx, id); err != nil {
				t.Fatalf("issue: %v", err)
			}
			_, err := h.engine.IssueChallenge(ctx, id)
			if !errors.Is(err, regflow.ErrCooldown) {
				t.Fatalf("expected cooldown, got %v", err)
			}

			code := h.inbox.code(id)
			_, err = h.engine.VerifyChallenge(ctx, id, wrongCode(code))
			var rerr *regflow.Error
			if !errors.As(err, &rerr) || rerr.Kind != regflow.KindInvalidCode || rerr.AttemptsRemaining != 2 {
				t.Fatalf("expected invalid code with 2 attempts left, got %v", err)
			}

			res, err := h.engine.VerifyChallenge(ctx, id, code)
			if err != nil {
				t.Fatalf("verify: %v", err)
			}
			if res.Registration.State != ledger.StateEmailVerified {
				t.Fatalf("state = %s", res.Registration.State)
			}
			claims, err := h.engine.ValidateTicket(res.Ticket)
			if err != nil || claims.Identity != id {
				t.Fatalf("ticket: %+v %v", claims, err)
			}

			order, err := h.engine.InitiatePayment(ctx, id, map[string]string{"name": "Asha"})
			if err != nil {
				t.Fatalf("initiate: %v", err)
			}
			again, err := h.engine.InitiatePayment(ctx, id, map[string]string{"name": "Asha"})
			if err != nil || !again.Reused || again.OrderReference != order.OrderReference {
				t.Fatalf("second initiate: %+v %v", again, err)
			}

			body, sig := h.gateway.Failed(order.OrderReference, "pay_a")
			if _, err := h.engine.ReconcilePayment(ctx, body, sig); err != nil {
				t.Fatalf("failed event: %v", err)
			}

			retry, err := h.engine.InitiatePayment(ctx, id, nil)
			if err != nil || retry.OrderReference == order.OrderReference {
				t.Fatalf("retry initiate: %+v %v", retry, err)
			}

			body, sig = h.gateway.Captured(retry.OrderReference, "pay_b")
			got, err := h.engine.ReconcilePayment(ctx, body, sig)
			if err != nil || !got.Applied || got.State != ledger.StatePaymentSuccess {
				t.Fatalf("capture: %+v %v", got, err)
			}
			got, err = h.engine.ReconcilePayment(ctx, body, sig)
			if err != nil || !got.Duplicate {
				t.Fatalf("redelivery: %+v %v", got, err)
			}

			// money captured on the abandoned order is acknowledged, not applied
			body, sig = h.gateway.Captured(order.OrderReference, "pay_late")
			got, err = h.engine.ReconcilePayment(ctx, body, sig)
			if err != nil || !got.Superseded || got.Applied {
				t.Fatalf("capture on replaced order: %+v %v", got, err)
			}

			if _, err := h.engine.IssueChallenge(ctx, id); !errors.Is(err, regflow.ErrAlreadyCompleted) {
				t.Fatalf("issue after success: %v", err)
			}
			if n := h.notified.count(id); n != 1 {
				t.Fatalf("notified %d times", n)
			}

			reg, err := h.engine.PaymentStatus(ctx, id)
			if err != nil || reg.PaymentReference != "pay_b" || reg.Profile["name"] != "Asha" {
				t.Fatalf("status: %+v %v", reg, err)
			}
		})
	}
}

func TestConfirmThenWebhook(t *testing.T) {
	for _, mode := range redisModes(t) {
		t.Run(mode.name, func(t *testing.T) {
			h := newHarness(t, mode.setup(t), nil)
			ctx := context.Background()
			const id = "confirm@college.edu"

			h.verify(t, id)
			order, err := h.engine.InitiatePayment(ctx, id, nil)
			if err != nil {
				t.Fatalf("initiate: %v", err)
			}

			sig := h.gateway.SignPayment(order.OrderReference, "pay_c")
			res, err := h.engine.ConfirmPayment(ctx, id, order.OrderReference, "pay_c", sig)
			if err != nil || !res.Applied {
				t.Fatalf("confirm: %+v %v", res, err)
			}
			if _, err := h.engine.ConfirmPayment(ctx, id, order.OrderReference, "pay_c", sig); !errors.Is(err, regflow.ErrAlreadyCompleted) {
				t.Fatalf("confirm replay: %v", err)
			}

			body, whsig := h.gateway.Captured(order.OrderReference, "pay_c")
			got, err := h.engine.ReconcilePayment(ctx, body, whsig)
			if err != nil || !got.Duplicate {
				t.Fatalf("webhook after confirm: %+v %v", got, err)
			}
			if n := h.notified.count(id); n != 1 {
				t.Fatalf("notified %d times", n)
			}
		})
	}
}

func TestRateLimitedIssue(t *testing.T) {
	for _, mode := range redisModes(t) {
		t.Run(mode.name, func(t *testing.T) {
			h := newHarness(t, mode.setup(t), func(cfg *regflow.Config) {
				cfg.RateLimit = regflow.DefaultConfig().RateLimit
			})
			ctx := regflow.WithClientIP(context.Background(), "203.0.113.7")

			var limited error
			for i := 0; i < 12 && limited == nil; i++ {
				id := "burst" + string(rune('a'+i)) + "@college.edu"
				res, err := h.engine.IssueChallenge(ctx, id)
				switch {
				case err != nil:
					limited = err
				case i >= 10 && !res.Flagged:
					t.Fatalf("request %d past the soft origin limit was not flagged", i)
				}
			}
			if limited != nil {
				t.Fatalf("soft origin limit must not reject: %v", limited)
			}
		})
	}
}
