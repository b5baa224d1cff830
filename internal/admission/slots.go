package admission

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

var acquireScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current < limit then
  current = redis.call('INCR', key)
  if ttl > 0 then
    redis.call('PEXPIRE', key, ttl)
  end
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local current = tonumber(redis.call('GET', key) or '0')
if current <= 1 then
  redis.call('DEL', key)
  return 0
end
return redis.call('DECR', key)
`)

// Slots caps concurrent calls across every process sharing one Redis counter.
type Slots struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewSlots constructs a distributed slot counter.
func NewSlots(client *redis.Client, key string, ttl time.Duration) *Slots {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if key == "" {
		key = "voiceagent:calls:active"
	}
	return &Slots{client: client, key: key, ttl: ttl}
}

// Acquire reserves one slot if fewer than limit are held.
func (s *Slots) Acquire(ctx context.Context, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	res, err := acquireScript.Run(ctx, s.client, []string{s.key}, limit, s.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("admission slots: acquire: %w", err)
	}
	return res == 1, nil
}

// Release frees a previously acquired slot.
func (s *Slots) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{s.key}).Int(); err != nil {
		return fmt.Errorf("admission slots: release: %w", err)
	}
	return nil
}

// Reset clears the counter after a phantom-count correction.
func (s *Slots) Reset(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("admission slots: reset: %w", err)
	}
	return nil
}
