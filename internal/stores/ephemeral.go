package stores

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "rf"

// Ephemeral is a TTL key-value store. Deleted or expired keys never come back;
// every write carries an expiry.
type Ephemeral struct {
	redis  redis.UniversalClient
	prefix string
}

// NewEphemeral creates a store over client. An empty prefix uses [DefaultPrefix].
func NewEphemeral(client redis.UniversalClient, prefix string) *Ephemeral {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Ephemeral{
		redis:  client,
		prefix: prefix,
	}
}

func (s *Ephemeral) key(parts ...string) string {
	return s.prefix + ":" + strings.Join(parts, ":")
}

// Put stores value under key for ttl.
func (s *Ephemeral) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ephemeral put requires a positive ttl")
	}
	if err := s.redis.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Get returns the value under key or [ErrKeyAbsent].
func (s *Ephemeral) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyAbsent
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return data, nil
}

// Delete removes keys. Missing keys are not an error.
func (s *Ephemeral) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.redis.Del(ctx, full...).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Increment adds one to the counter under key and returns the new value.
// The window starts at the first increment; a counter found without an
// expiry gets ttl applied again so it can never become permanent.
func (s *Ephemeral) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, errors.New("ephemeral increment requires a positive ttl")
	}
	full := s.key(key)

	var (
		incr *redis.IntCmd
		pttl *redis.DurationCmd
	)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, full)
		pttl = pipe.PTTL(ctx, full)
		return nil
	})
	if err != nil {
		return 0, unavailable(err)
	}

	if pttl.Val() < 0 {
		if err := s.redis.PExpire(ctx, full, ttl).Err(); err != nil {
			return 0, unavailable(err)
		}
	}

	return incr.Val(), nil
}

// SetIfAbsent writes value only when key does not exist. It reports whether
// the write happened.
func (s *Ephemeral) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ephemeral set-if-absent requires a positive ttl")
	}
	ok, err := s.redis.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

// TTL returns the remaining lifetime of key or [ErrKeyAbsent].
func (s *Ephemeral) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.redis.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	if d < 0 {
		return 0, ErrKeyAbsent
	}
	return d, nil
}
