package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidPolicy is returned for policies with a non-positive limit or window.
	ErrInvalidPolicy = errors.New("invalid rate limit policy")
	// ErrUnavailable wraps counter backend failures.
	ErrUnavailable = errors.New("rate limit backend unavailable")
)

// Scope names what an identifier counts.
type Scope string

const (
	ScopeOrigin   Scope = "origin"
	ScopeIdentity Scope = "identity"
)

// Mode selects what happens when a window is exceeded.
type Mode uint8

const (
	Hard Mode = iota
	Soft
)

func (m Mode) String() string {
	if m == Soft {
		return "soft"
	}
	return "hard"
}

// Policy is one protected operation's budget for one scope.
type Policy struct {
	Name   string
	Scope  Scope
	Limit  int
	Window time.Duration
	Mode   Mode
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPolicy)
	}
	if p.Scope != ScopeOrigin && p.Scope != ScopeIdentity {
		return fmt.Errorf("%w: %s has unknown scope %q", ErrInvalidPolicy, p.Name, p.Scope)
	}
	if p.Limit <= 0 || p.Window <= 0 {
		return fmt.Errorf("%w: %s needs positive limit and window", ErrInvalidPolicy, p.Name)
	}
	return nil
}

// Decision is the outcome of one counted request.
type Decision struct {
	Allowed    bool
	Flagged    bool
	Count      int64
	RetryAfter time.Duration
}

// Counter is the window primitive the limiter counts with.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Limiter turns counted windows into decisions.
type Limiter struct {
	counter Counter
}

func New(counter Counter) *Limiter {
	return &Limiter{counter: counter}
}

// Allow counts one request for id under policy. An empty id is not counted
// and is always allowed.
func (l *Limiter) Allow(ctx context.Context, policy Policy, id string) (Decision, error) {
	if err := policy.Validate(); err != nil {
		return Decision{}, err
	}
	if id == "" {
		return Decision{Allowed: true}, nil
	}

	key := Key(policy, id)
	count, err := l.counter.Increment(ctx, key, policy.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if count <= int64(policy.Limit) {
		return Decision{Allowed: true, Count: count}, nil
	}

	retryAfter, err := l.counter.TTL(ctx, key)
	if err != nil || retryAfter <= 0 {
		retryAfter = policy.Window
	}

	if policy.Mode == Soft {
		return Decision{Allowed: true, Flagged: true, Count: count, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: false, Count: count, RetryAfter: retryAfter}, nil
}

// Key returns the counter key for id under policy.
func Key(policy Policy, id string) string {
	return "rl:" + policy.Name + ":" + string(policy.Scope) + ":" + id
}
