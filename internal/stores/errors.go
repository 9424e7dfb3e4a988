package stores

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrKeyAbsent is returned by Get and TTL when the key does not exist or has expired.
	ErrKeyAbsent = errors.New("key absent")
	// ErrChallengeAbsent is returned when no live code exists for an identity.
	ErrChallengeAbsent = errors.New("challenge expired or absent")
	// ErrAttemptsExhausted is returned once the attempt counter reached the cap.
	ErrAttemptsExhausted = errors.New("challenge attempts exhausted")
	// ErrCooldown matches every *CooldownError.
	ErrCooldown = errors.New("challenge cooldown active")
	// ErrContended is returned when optimistic transactions kept failing.
	ErrContended = errors.New("challenge store contended")
	// ErrUnavailable wraps Redis transport and command failures.
	ErrUnavailable = errors.New("ephemeral store unavailable")
)

// CooldownError carries the time left on an identity's cooldown marker.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: %s remaining", ErrCooldown, e.Remaining)
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrCooldown
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
