package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "tokex:settlement:lock:"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisOptions struct {
	Prefix string
	// TTL bounds how long a crashed holder can block the symbol.
	TTL          time.Duration
	PollInterval time.Duration
	Timeout      time.Duration
}

// RedisGate serializes symbols across instances. Waiters in this process
// queue on a local gate first so only one of them polls Redis.
type RedisGate struct {
	client *redis.Client
	local  *LocalGate
	opts   RedisOptions
}

func NewRedisGate(client *redis.Client, opts RedisOptions) *RedisGate {
	if opts.Prefix == "" {
		opts.Prefix = defaultRedisPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	return &RedisGate{client: client, local: NewLocalGate(0), opts: opts}
}

func (g *RedisGate) Acquire(ctx context.Context, symbol string) (*Lease, error) {
	symbol = normalizeSymbol(symbol)
	if err := checkNested(ctx, symbol); err != nil {
		return nil, err
	}
	waitCtx, cancel := withTimeout(ctx, g.opts.Timeout)
	defer cancel()

	local, err := g.local.Acquire(waitCtx, symbol)
	if err != nil {
		return nil, waitError(ctx, waitCtx, symbol)
	}

	key := g.opts.Prefix + symbol
	token := uuid.NewString()
	ticker := time.NewTicker(g.opts.PollInterval)
	defer ticker.Stop()
	for {
		ok, err := g.client.SetNX(waitCtx, key, token, g.opts.TTL).Result()
		if err != nil {
			local.Release()
			if waitCtx.Err() != nil {
				return nil, waitError(ctx, waitCtx, symbol)
			}
			return nil, fmt.Errorf("redis gate acquire %s: %w", symbol, err)
		}
		if ok {
			return newLease(symbol, func() {
				g.unlock(key, token)
				local.Release()
			}), nil
		}
		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			local.Release()
			return nil, waitError(ctx, waitCtx, symbol)
		}
	}
}

// unlock deletes key only while it still holds token, so an expired lease
// never drops a lock another instance has since taken.
func (g *RedisGate) unlock(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, g.client, []string{key}, token).Err()
}
