package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/buoooou/airline-order-course-sub001/internal/core/domain"
)

const (
	lockKeyPrefix = "lock:"
	// lockRetention bounds how long an idle lock hash survives. Expired
	// leases are harmless, so dropping the key only saves memory.
	lockRetention = 24 * time.Hour
)

// KEYS[1] lock key; ARGV holder, now, until (unix micros), retention (ms).
var acquireLockScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[2])

local current = redis.call('HGET', key, 'lock_until')
if current and tonumber(current) > now then
	return 0
end

redis.call('HSET', key, 'holder', ARGV[1], 'locked_at', ARGV[2], 'lock_until', ARGV[3])
redis.call('PEXPIRE', key, ARGV[4])
return 1
`)

// KEYS[1] lock key; ARGV holder, current until, new until (unix micros).
var releaseLockScript = redis.NewScript(`
local key = KEYS[1]

local holder = redis.call('HGET', key, 'holder')
local current = redis.call('HGET', key, 'lock_until')
if holder ~= ARGV[1] or current ~= ARGV[2] then
	return 0
end

redis.call('HSET', key, 'lock_until', ARGV[3])
return 1
`)

// RedisLockAdapter keeps lock rows as hashes and performs each
// compare-and-set inside a Lua script.
type RedisLockAdapter struct {
	client *redis.Client
}

func NewRedisLockAdapter(client *redis.Client) *RedisLockAdapter {
	return &RedisLockAdapter{client: client}
}

func (r *RedisLockAdapter) LoadLock(ctx context.Context, name string) (*domain.Lock, error) {
	fields, err := r.client.HGetAll(ctx, lockKeyPrefix+name).Result()
	if err != nil {
		return nil, errors.Wrap(err, "load lock")
	}
	if len(fields) == 0 {
		return nil, nil
	}

	lockedAt, err := parseMicros(fields["locked_at"])
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s: locked_at", name)
	}
	lockUntil, err := parseMicros(fields["lock_until"])
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s: lock_until", name)
	}
	return &domain.Lock{Name: name, Holder: fields["holder"], LockedAt: lockedAt, LockUntil: lockUntil}, nil
}

func (r *RedisLockAdapter) UpsertLockIfExpired(ctx context.Context, name, holder string, now, until time.Time) (bool, error) {
	result, err := acquireLockScript.Run(ctx, r.client, []string{lockKeyPrefix + name},
		holder, formatMicros(now), formatMicros(until), lockRetention.Milliseconds(),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "acquire lock")
	}
	return result == 1, nil
}

func (r *RedisLockAdapter) ReleaseLock(ctx context.Context, name, holder string, currentUntil, newUntil time.Time) (bool, error) {
	result, err := releaseLockScript.Run(ctx, r.client, []string{lockKeyPrefix + name},
		holder, formatMicros(currentUntil), formatMicros(newUntil),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "release lock")
	}
	return result == 1, nil
}

func formatMicros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseMicros(s string) (time.Time, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(v).UTC(), nil
}
