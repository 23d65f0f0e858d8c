package ratecache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "keyservice:rate"

// admitScript performs the read-check-increment atomically server-side.
// Returns {count, limit, state} where state is -1 miss, 0 denied, 1 allowed.
var admitScript = redis.NewScript(`
local n = redis.call('HGET', KEYS[1], 'n')
if not n then
	return {-1, -1, -1}
end
n = tonumber(n)
local l = tonumber(redis.call('HGET', KEYS[1], 'l') or '0')
if n >= l then
	return {n, l, 0}
end
n = redis.call('HINCRBY', KEYS[1], 'n', 1)
return {n, l, 1}
`)

// Redis is a Cache backed by a shared Redis instance, letting multiple
// replicas share one warm window instead of each paying a durable read
// per bucket.
type Redis struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Cache = (*Redis)(nil)

type RedisOption func(*Redis)

func WithRedisPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = strings.Trim(prefix, ":") }
}

func WithRedisTTL(d time.Duration) RedisOption {
	return func(r *Redis) { r.ttl = d }
}

func NewRedis(rdb *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: defaultRedisPrefix,
		ttl:    defaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) keyFor(key string, bucket int64) string {
	return r.prefix + ":" + key + ":" + strconv.FormatInt(bucket, 10)
}

func (r *Redis) Admit(ctx context.Context, key string, bucket int64) (Result, error) {
	raw, err := admitScript.Run(ctx, r.rdb, []string{r.keyFor(key, bucket)}).Slice()
	if err != nil {
		return Result{State: Miss}, fmt.Errorf("rate cache admit: %w", err)
	}
	if len(raw) != 3 {
		return Result{State: Miss}, fmt.Errorf("rate cache admit: unexpected reply %v", raw)
	}

	count, _ := raw[0].(int64)
	limit, _ := raw[1].(int64)
	state, _ := raw[2].(int64)

	switch state {
	case 1:
		return Result{State: Allowed, Count: count, Limit: limit}, nil
	case 0:
		return Result{State: Denied, Count: count, Limit: limit}, nil
	default:
		return Result{State: Miss}, nil
	}
}

func (r *Redis) Seed(ctx context.Context, key string, bucket, count, limit int64) error {
	composite := r.keyFor(key, bucket)

	pipe := r.rdb.Pipeline()
	pipe.HSetNX(ctx, composite, "n", count)
	pipe.HSetNX(ctx, composite, "l", limit)
	pipe.Expire(ctx, composite, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rate cache seed: %w", err)
	}
	return nil
}
