// Package claim provides leases preventing overlapping sweeps from harvesting the same region.
package claim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/regharvest/harvester/internal/harvest/region"
)

// DefaultTTL bounds how long a crashed sweep can keep a region claimed.
const DefaultTTL = 30 * time.Minute

// releaseScript deletes the key only if it is still held by the caller.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

type redisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Redis claims regions with SET NX and a TTL.
type Redis struct {
	rdb    redisClient
	prefix string
	ttl    time.Duration
}

// Option configures a Redis claimer.
type Option func(*Redis)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(r *Redis) { r.prefix = strings.Trim(prefix, ":") }
}

// WithTTL sets the lease duration. Non-positive values keep the default.
func WithTTL(d time.Duration) Option {
	return func(r *Redis) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// NewRedis returns a claimer backed by rdb, usually a *redis.Client.
func NewRedis(rdb redisClient, opts ...Option) *Redis {
	r := &Redis{
		rdb:    rdb,
		prefix: "bizreg-harvest:claim",
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) key(u region.Unit) string {
	return r.prefix + ":" + u.City + ":" + u.District
}

// Claim takes the lease of u for owner. It returns false when another owner holds it.
func (r *Redis) Claim(ctx context.Context, u region.Unit, owner string) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, r.key(u), owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("could not claim %s: %v", u, err)
	}
	return ok, nil
}

// Release drops the lease of u if owner still holds it.
func (r *Redis) Release(ctx context.Context, u region.Unit, owner string) error {
	if err := r.rdb.Eval(ctx, releaseScript, []string{r.key(u)}, owner).Err(); err != nil {
		return fmt.Errorf("could not release %s: %v", u, err)
	}
	return nil
}

// Noop grants every claim. It is used when no Redis is configured.
type Noop struct{}

// Claim always succeeds.
func (Noop) Claim(context.Context, region.Unit, string) (bool, error) { return true, nil }

// Release does nothing.
func (Noop) Release(context.Context, region.Unit, string) error { return nil }
