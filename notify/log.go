package notify

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/regflow"
	"github.com/rs/zerolog"
)

// LogSender writes codes and confirmations to a logger instead of
// delivering them. Development only: codes appear in the log.
type LogSender struct {
	logger zerolog.Logger
}

var (
	_ regflow.CodeSender           = LogSender{}
	_ regflow.RegistrationNotifier = LogSender{}
)

func NewLogSender(logger zerolog.Logger) LogSender {
	return LogSender{logger: logger}
}

func (s LogSender) SendCode(_ context.Context, identity, code string, expiresAt time.Time) error {
	s.logger.Info().
		Str("identity", identity).
		Str("code", code).
		Time("expires_at", expiresAt).
		Msg("verification code")
	return nil
}

func (s LogSender) NotifyRegistered(_ context.Context, reg regflow.Registration) error {
	s.logger.Info().
		Str("identity", reg.Identity).
		Str("order_reference", reg.OrderReference).
		Str("payment_reference", reg.PaymentReference).
		Msg("registration completed")
	return nil
}

// Notifiers fans a confirmation out to every member. All members are
// attempted; their failures are joined.
type Notifiers []regflow.RegistrationNotifier

func (ns Notifiers) NotifyRegistered(ctx context.Context, reg regflow.Registration) error {
	var errs []error
	for _, n := range ns {
		if n == nil {
			continue
		}
		if err := n.NotifyRegistered(ctx, reg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
