package stores

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/MrEthical07/regflow/internal"
	"github.com/redis/go-redis/v9"
)

const (
	challengeRecordVersionV1 = 1
	maxTxRetries             = 8
)

type challengeRecord struct {
	Nonce     internal.Nonce
	IssuedAt  int64
	ExpiresAt int64
	CodeHash  [32]byte
}

// Issuance describes a freshly stored challenge.
type Issuance struct {
	Nonce         internal.Nonce
	IssuedAt      time.Time
	ExpiresAt     time.Time
	CooldownUntil time.Time
}

// ConsumeResult reports the outcome of one verification attempt that reached
// the code comparison.
type ConsumeResult struct {
	Matched  bool
	Attempts int
}

// ChallengeStore keeps at most one live challenge per identity.
type ChallengeStore struct {
	store *Ephemeral
}

func NewChallengeStore(store *Ephemeral) *ChallengeStore {
	return &ChallengeStore{store: store}
}

func (s *ChallengeStore) codeKey(identity string) string {
	return s.store.key("otc", identity)
}

func (s *ChallengeStore) attemptsKey(identity string) string {
	return s.store.key("otc", "att", identity)
}

func (s *ChallengeStore) cooldownKey(identity string) string {
	return s.store.key("otc", "cd", identity)
}

// Issue stores a new challenge for identity unless a cooldown marker exists.
// The marker is claimed with SET NX so two concurrent issuances can never both
// pass the gate. A held marker yields a *CooldownError.
func (s *ChallengeStore) Issue(
	ctx context.Context,
	identity string,
	codeHash [32]byte,
	codeTTL time.Duration,
	cooldown time.Duration,
) (*Issuance, error) {
	if codeTTL <= 0 || cooldown <= 0 {
		return nil, errors.New("challenge issue requires positive ttl and cooldown")
	}

	nonce, err := internal.NewNonce()
	if err != nil {
		return nil, err
	}

	rdb := s.store.redis
	cdKey := s.cooldownKey(identity)

	for i := 0; i < 2; i++ {
		acquired, err := rdb.SetNX(ctx, cdKey, nonce.String(), cooldown).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		if acquired {
			break
		}

		remaining, err := rdb.PTTL(ctx, cdKey).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		switch {
		case remaining > 0:
			return nil, &CooldownError{Remaining: remaining}
		case remaining == -1:
			// marker without expiry; repair it and report the full window
			if err := rdb.PExpire(ctx, cdKey, cooldown).Err(); err != nil {
				return nil, unavailable(err)
			}
			return nil, &CooldownError{Remaining: cooldown}
		}
		// marker expired between SET NX and PTTL; try once more
		if i == 1 {
			return nil, ErrContended
		}
	}

	now := time.Now()
	record := &challengeRecord{
		Nonce:     nonce,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(codeTTL).Unix(),
		CodeHash:  codeHash,
	}
	encoded, err := encodeChallengeRecord(record)
	if err != nil {
		return nil, err
	}

	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.codeKey(identity), encoded, codeTTL)
		pipe.Set(ctx, s.attemptsKey(identity), 0, codeTTL)
		return nil
	})
	if err != nil {
		_ = s.Release(ctx, identity, nonce)
		return nil, unavailable(err)
	}

	return &Issuance{
		Nonce:         nonce,
		IssuedAt:      now,
		ExpiresAt:     now.Add(codeTTL),
		CooldownUntil: now.Add(cooldown),
	}, nil
}

// Consume runs one verification attempt for identity. The attempt counter is
// raised in the same transaction that decides the outcome, so every attempt
// that reached the comparison is counted. A match deletes the code, counter,
// and cooldown marker.
func (s *ChallengeStore) Consume(
	ctx context.Context,
	identity string,
	providedHash [32]byte,
	maxAttempts int,
) (ConsumeResult, error) {
	codeKey := s.codeKey(identity)
	attKey := s.attemptsKey(identity)
	cdKey := s.cooldownKey(identity)

	for i := 0; i < maxTxRetries; i++ {
		var result ConsumeResult

		err := s.store.redis.Watch(ctx, func(tx *redis.Tx) error {
			attempts, err := tx.Get(ctx, attKey).Int()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if attempts >= maxAttempts {
				return ErrAttemptsExhausted
			}

			data, err := tx.Get(ctx, codeKey).Bytes()
			if errors.Is(err, redis.Nil) {
				return ErrChallengeAbsent
			}
			if err != nil {
				return err
			}
			record, err := decodeChallengeRecord(data)
			if err != nil {
				return err
			}

			ttl, err := tx.PTTL(ctx, codeKey).Result()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				return ErrChallengeAbsent
			}

			next := attempts + 1
			matched := subtle.ConstantTimeCompare(record.CodeHash[:], providedHash[:]) == 1

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, attKey, next, ttl)
				if matched {
					pipe.Del(ctx, codeKey, attKey, cdKey)
				}
				return nil
			})
			if err != nil {
				return err
			}

			result = ConsumeResult{Matched: matched, Attempts: next}
			return nil
		}, codeKey, attKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			switch {
			case errors.Is(err, ErrAttemptsExhausted), errors.Is(err, ErrChallengeAbsent):
				return ConsumeResult{}, err
			default:
				return ConsumeResult{}, unavailable(err)
			}
		}

		return result, nil
	}

	return ConsumeResult{}, ErrContended
}

// Release deletes whatever part of the issuance identified by nonce is still
// present. Keys written by a later issuance are left alone.
func (s *ChallengeStore) Release(ctx context.Context, identity string, nonce internal.Nonce) error {
	codeKey := s.codeKey(identity)
	attKey := s.attemptsKey(identity)
	cdKey := s.cooldownKey(identity)

	for i := 0; i < maxTxRetries; i++ {
		err := s.store.redis.Watch(ctx, func(tx *redis.Tx) error {
			marker, err := tx.Get(ctx, cdKey).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			ownsMarker := err == nil && marker == nonce.String()

			ownsCode := false
			data, err := tx.Get(ctx, codeKey).Bytes()
			switch {
			case err == nil:
				if record, decErr := decodeChallengeRecord(data); decErr == nil {
					ownsCode = record.Nonce == nonce
				}
			case !errors.Is(err, redis.Nil):
				return err
			}

			if !ownsMarker && !ownsCode {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if ownsMarker {
					pipe.Del(ctx, cdKey)
				}
				if ownsCode {
					pipe.Del(ctx, codeKey, attKey)
				}
				return nil
			})
			return err
		}, cdKey, codeKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return unavailable(err)
		}
		return nil
	}

	return ErrContended
}

// CooldownRemaining returns the time left on identity's cooldown marker, or
// zero when none is held.
func (s *ChallengeStore) CooldownRemaining(ctx context.Context, identity string) (time.Duration, error) {
	d, err := s.store.TTL(ctx, "otc:cd:"+identity)
	if errors.Is(err, ErrKeyAbsent) {
		return 0, nil
	}
	return d, err
}

func encodeChallengeRecord(record *challengeRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(challengeRecordVersionV1)
	buf.Write(record.Nonce[:])

	if err := binary.Write(&buf, binary.BigEndian, record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.BigEndian, record.ExpiresAt); err != nil {
		return nil, err
	}
	buf.Write(record.CodeHash[:])

	return buf.Bytes(), nil
}

func decodeChallengeRecord(data []byte) (*challengeRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != challengeRecordVersionV1 {
		return nil, errors.New("invalid challenge record version")
	}

	record := &challengeRecord{}
	if _, err := io.ReadFull(reader, record.Nonce[:]); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.IssuedAt); err != nil {
		return nil, err
	}
	if err := binary.Read(reader, binary.BigEndian, &record.ExpiresAt); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, errors.New("trailing bytes in challenge record")
	}

	return record, nil
}
