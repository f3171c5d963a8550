// Package ratestore tracks per-key request and token budgets in Redis.
// Reservations are atomic at the single-bucket level via server-side Lua
// scripts, so concurrent routers never over-commit a key's minute window.
package ratestore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bucket key layout. Cooldowns are plain keys with a TTL; existence means
// the key is cooling down.
const (
	rpmKeyFormat      = "rpm:%s:%d"
	tpmKeyFormat      = "tpm:%s"
	cooldownKeyFormat = "key:cooldown:%s"
)

// rpmScript increments the minute bucket and rolls back when the cap would
// be exceeded. Returns 1 when the reservation holds.
var rpmScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('EXPIRE', KEYS[1], 60)
end
if count > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

// tpmScript reserves tokens in the current minute window. The hash stores
// the window number and tokens used; a new window resets usage to zero.
var tpmScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local need = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local stored = tonumber(redis.call('HGET', KEYS[1], 'window') or '-1')
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0')
if stored ~= window then
  used = 0
end
if used + need > cap then
  return 0
end
redis.call('HSET', KEYS[1], 'window', window, 'used', used + need)
redis.call('EXPIRE', KEYS[1], 120)
return 1
`)

// tpmAdjustScript corrects the reserved token count after the provider
// reports real usage. Only the current window is touched; a window that
// already rolled over is left alone and usage never goes negative.
var tpmAdjustScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local delta = tonumber(ARGV[2])
local stored = tonumber(redis.call('HGET', KEYS[1], 'window') or '-1')
if stored ~= window then
  return 0
end
local used = tonumber(redis.call('HGET', KEYS[1], 'used') or '0') + delta
if used < 0 then
  used = 0
end
redis.call('HSET', KEYS[1], 'used', used)
return 1
`)

// Store is the Redis-backed rate-limit and cooldown bookkeeper.
type Store struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// NewFromURL connects to Redis at url (redis://host:port/db).
func NewFromURL(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

// minuteWindow floors a wall-clock time to its minute number.
func minuteWindow(now time.Time) int64 {
	return now.Unix() / 60
}

// ReserveRPM atomically takes one request slot from the key's current
// minute bucket. Returns false when the cap is already reached.
func (s *Store) ReserveRPM(ctx context.Context, keyID string, limit int, now time.Time) (bool, error) {
	bucket := fmt.Sprintf(rpmKeyFormat, keyID, minuteWindow(now))
	ok, err := rpmScript.Run(ctx, s.rdb, []string{bucket}, limit).Int()
	if err != nil {
		return false, fmt.Errorf("rpm reservation for %s: %w", keyID, err)
	}
	return ok == 1, nil
}

// ReleaseRPM returns one request slot, used to roll back when a later
// reservation step fails. Best effort.
func (s *Store) ReleaseRPM(ctx context.Context, keyID string, now time.Time) {
	bucket := fmt.Sprintf(rpmKeyFormat, keyID, minuteWindow(now))
	_ = s.rdb.Decr(ctx, bucket).Err()
}

// ReserveTPM atomically takes tokens from the key's current minute window.
// Returns false when the reservation would exceed the cap.
func (s *Store) ReserveTPM(ctx context.Context, keyID string, limit, tokens int, now time.Time) (bool, error) {
	bucket := fmt.Sprintf(tpmKeyFormat, keyID)
	ok, err := tpmScript.Run(ctx, s.rdb, []string{bucket}, minuteWindow(now), tokens, limit).Int()
	if err != nil {
		return false, fmt.Errorf("tpm reservation for %s: %w", keyID, err)
	}
	return ok == 1, nil
}

// AdjustTPM shifts the current window's token usage by delta, positive when
// the provider reported more than was reserved and negative when it reported
// less.
func (s *Store) AdjustTPM(ctx context.Context, keyID string, delta int, now time.Time) error {
	if delta == 0 {
		return nil
	}
	bucket := fmt.Sprintf(tpmKeyFormat, keyID)
	if err := tpmAdjustScript.Run(ctx, s.rdb, []string{bucket}, minuteWindow(now), delta).Err(); err != nil {
		return fmt.Errorf("tpm adjustment for %s: %w", keyID, err)
	}
	return nil
}

// SetCooldown marks the key ineligible for selection until the duration
// expires. Last writer wins; the condition is monotonic until expiry.
func (s *Store) SetCooldown(ctx context.Context, keyID string, d time.Duration, reason string) error {
	key := fmt.Sprintf(cooldownKeyFormat, keyID)
	if err := s.rdb.Set(ctx, key, reason, d).Err(); err != nil {
		return fmt.Errorf("set cooldown for %s: %w", keyID, err)
	}
	return nil
}

// InCooldown checks the cooldown flag by key existence.
func (s *Store) InCooldown(ctx context.Context, keyID string) (bool, error) {
	key := fmt.Sprintf(cooldownKeyFormat, keyID)
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check cooldown for %s: %w", keyID, err)
	}
	return n > 0, nil
}

// CooldownCount returns how many of the given keys are currently cooling
// down. Errors count as not cooling down; this feeds health reporting only.
func (s *Store) CooldownCount(ctx context.Context, keyIDs []string) int {
	count := 0
	for _, id := range keyIDs {
		if cooling, err := s.InCooldown(ctx, id); err == nil && cooling {
			count++
		}
	}
	return count
}

// Ping reports Redis reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
