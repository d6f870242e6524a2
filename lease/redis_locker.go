package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "lock:"

// releaseScript only touches the key while it still carries our token. A
// positive ARGV[2] shortens the key to the remaining min hold instead of
// deleting it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
local keep = tonumber(ARGV[2])
if keep > 0 then
	redis.call("PEXPIRE", KEYS[1], keep)
else
	redis.call("DEL", KEYS[1])
end
return 1
`)

// RedisLocker implements Locker with SET NX PX, so every instance pointed at
// the same Redis shares the leases.
type RedisLocker struct {
	client    redis.UniversalClient
	clock     clockwork.Clock
	keyPrefix string
}

func NewRedisLocker(client redis.UniversalClient, clock clockwork.Clock) *RedisLocker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisLocker{client: client, clock: clock, keyPrefix: defaultKeyPrefix}
}

func (r *RedisLocker) key(name string) string {
	return r.keyPrefix + name
}

func (r *RedisLocker) TryAcquire(ctx context.Context, name string, minHold, maxHold time.Duration) (Lease, bool, error) {
	if err := validateHold(minHold, maxHold); err != nil {
		return nil, false, err
	}

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.key(name), token, maxHold).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lease %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisLease{
		locker:     r,
		name:       name,
		token:      token,
		acquiredAt: r.clock.Now(),
		minHold:    minHold,
	}, true, nil
}

type redisLease struct {
	locker     *RedisLocker
	name       string
	token      string
	acquiredAt time.Time
	minHold    time.Duration
}

func (l *redisLease) Release(ctx context.Context) error {
	keep := l.minHold - l.locker.clock.Since(l.acquiredAt)
	if keep < 0 {
		keep = 0
	}
	err := releaseScript.Run(ctx, l.locker.client, []string{l.locker.key(l.name)}, l.token, keep.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.name, err)
	}
	return nil
}

// RedisOptions mirrors the REDIS_* environment settings.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient opens a pooled client and pings it once.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		// Connection pool settings
		PoolSize:     10,
		MinIdleConns: 2,
		// Timeout settings
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}
