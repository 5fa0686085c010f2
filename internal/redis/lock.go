package redisclient

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var ErrLockNotAcquired = errors.New("slot lock not acquired")

const keyPrefix = "lock:slot:"

// Locker is used by the booking engine to narrow contention on a single
// doctor/date/time key. The storage uniqueness constraint stays the
// source of truth; the lock only makes losers fail fast.
type Locker interface {
	WithSlotLock(ctx context.Context, slotKey string, fn func(ctx context.Context) error) error
}

type redisSlotLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisSlotLocker returns a Locker backed by SET NX on one key per slot.
// When Redis itself fails, fn runs unlocked.
func NewRedisSlotLocker(client redis.UniversalClient, ttl time.Duration, logger zerolog.Logger) Locker {
	return &redisSlotLocker{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "slot_lock").Logger(),
	}
}

func (l *redisSlotLocker) WithSlotLock(ctx context.Context, slotKey string, fn func(ctx context.Context) error) error {
	key := keyPrefix + slotKey
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn().Err(err).Str("slot", slotKey).Msg("redis unavailable, booking without slot lock")
		return fn(ctx)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// the key stays held until ttl if release runs on a cancelled context
		if err := l.release(context.WithoutCancel(ctx), key, token); err != nil {
			l.logger.Warn().Err(err).Str("slot", slotKey).Msg("release slot lock")
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(lockCtx)
}

// unlockScript deletes the key only while it still holds our token, so an
// expired lock taken over by another request is left alone.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *redisSlotLocker) release(ctx context.Context, key, token string) error {
	err := unlockScript.Run(ctx, l.client, []string{key}, token).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
