package cooldown

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// acquireScript checks every key against now and, only if all have expired,
// stores the new expiry in each with a PX ttl for cleanup.
// ARGV: [1]=now_ms, [2]=expires_ms, [3]=ttl_ms
var acquireScript = goredis.NewScript(`
for _, k in ipairs(KEYS) do
  local exp = tonumber(redis.call('GET', k))
  if exp and exp > tonumber(ARGV[1]) then
    return 0
  end
end
for _, k in ipairs(KEYS) do
  redis.call('SET', k, ARGV[2], 'PX', ARGV[3])
end
return 1
`)

// Redis is a Backend shared across replicas. Keys of one channel share a hash
// tag so a multi-key check stays on one cluster slot.
type Redis struct {
	rdb    goredis.UniversalClient
	prefix string
}

// NewRedis returns a Redis backend. prefix defaults to "cooldown".
func NewRedis(rdb goredis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "cooldown"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

// NewRedisClient connects to addr, which is either host:port or a redis:// URL.
func NewRedisClient(addr string) (*goredis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opts, err := goredis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis URL: %w", err)
		}
		return goredis.NewClient(opts), nil
	}
	return goredis.NewClient(&goredis.Options{Addr: addr}), nil
}

func (r *Redis) redisKey(k Key) string {
	s := r.prefix + ":{" + k.Channel + "}:" + k.Command
	if k.UserID != "" {
		s += ":" + k.UserID
	}
	return s
}

// Acquire implements Backend.
func (r *Redis) Acquire(ctx context.Context, keys []Key, now time.Time, ttl time.Duration) (bool, error) {
	rkeys := make([]string, len(keys))
	for i, k := range keys {
		rkeys[i] = r.redisKey(k)
	}
	ttlMs := ttl.Milliseconds()
	if ttlMs <= 0 {
		ttlMs = 1
	}
	res, err := acquireScript.Run(ctx, r.rdb, rkeys,
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(ttl).UnixMilli(), 10),
		strconv.FormatInt(ttlMs, 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("cooldown script failed: %w", err)
	}
	return res == 1, nil
}

// Remaining implements Inspector. Redis expires the key itself, so nothing is
// pruned here.
func (r *Redis) Remaining(ctx context.Context, k Key, now time.Time) (time.Duration, error) {
	ms, err := r.rdb.Get(ctx, r.redisKey(k)).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cooldown lookup failed: %w", err)
	}
	if d := time.UnixMilli(ms).Sub(now); d > 0 {
		return d, nil
	}
	return 0, nil
}
