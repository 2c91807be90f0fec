package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/makkenzo/keytier-api/internal/ratelimit"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// acquireScript checks every window counter and increments all of them only
// when none is at its ceiling. Redis runs scripts atomically, so no other
// check for the same credential can interleave.
//
// KEYS[i]      counter key of slot i
// ARGV[2i-1]   ceiling of slot i
// ARGV[2i]     ttl of slot i in milliseconds
//
// Reply: {allowed, count_1..count_n, exhausted indices (1-based)...}
var acquireScript = redis.NewScript(`
local n = #KEYS
local counts = {}
local exhausted = {}
for i = 1, n do
  local c = tonumber(redis.call('GET', KEYS[i]) or '0')
  counts[i] = c
  if c >= tonumber(ARGV[2 * i - 1]) then
    exhausted[#exhausted + 1] = i
  end
end
local reply = {}
if #exhausted > 0 then
  reply[1] = 0
  for i = 1, n do reply[#reply + 1] = counts[i] end
  for _, i in ipairs(exhausted) do reply[#reply + 1] = i end
  return reply
end
reply[1] = 1
for i = 1, n do
  local c = redis.call('INCR', KEYS[i])
  if c == 1 then
    redis.call('PEXPIRE', KEYS[i], ARGV[2 * i])
  end
  reply[#reply + 1] = c
end
return reply
`)

type RateCounterStore struct {
	client    redis.Scripter
	retention time.Duration
	logger    *zap.Logger
}

func NewRateCounterStore(client redis.Scripter, retention time.Duration, logger *zap.Logger) *RateCounterStore {
	return &RateCounterStore{
		client:    client,
		retention: retention,
		logger:    logger.Named("RateCounterStore"),
	}
}

var _ ratelimit.CounterStore = (*RateCounterStore)(nil)

// counterKey uses a hash tag on the credential so all windows of one
// credential land in the same cluster slot, which EVAL requires.
func counterKey(key string, slot ratelimit.Slot) string {
	return fmt.Sprintf("ratelimit:{%s}:%s:%d", key, slot.Kind, slot.Start.Unix())
}

func (s *RateCounterStore) Acquire(ctx context.Context, key string, slots []ratelimit.Slot, now time.Time) (ratelimit.Acquisition, error) {
	keys := make([]string, len(slots))
	args := make([]interface{}, 0, 2*len(slots))
	for i, slot := range slots {
		keys[i] = counterKey(key, slot)
		ttl := slot.End.Sub(now) + s.retention
		if ttl < time.Millisecond {
			ttl = time.Millisecond
		}
		args = append(args, slot.Ceiling, ttl.Milliseconds())
	}

	raw, err := acquireScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return ratelimit.Acquisition{}, fmt.Errorf("redis rate counter script: %w", err)
	}
	return parseAcquireReply(raw, len(slots))
}

func parseAcquireReply(raw []int64, n int) (ratelimit.Acquisition, error) {
	if len(raw) < 1+n {
		return ratelimit.Acquisition{}, fmt.Errorf("unexpected rate counter reply length %d for %d slots", len(raw), n)
	}
	acq := ratelimit.Acquisition{
		Allowed: raw[0] == 1,
		Counts:  raw[1 : 1+n],
	}
	for _, idx := range raw[1+n:] {
		if idx < 1 || int(idx) > n {
			return ratelimit.Acquisition{}, fmt.Errorf("rate counter reply has invalid slot index %d", idx)
		}
		acq.Exhausted = append(acq.Exhausted, int(idx-1))
	}
	if !acq.Allowed && len(acq.Exhausted) == 0 {
		return ratelimit.Acquisition{}, fmt.Errorf("rate counter denied without exhausted slots")
	}
	return acq, nil
}
