// Package lock provides a Redis lease used to keep one payment poll loop per job across
// API replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLock hands out token-guarded leases with SET NX PX.
type RedisLock struct {
	client *redis.Client
	prefix string
}

// Options mirror the Redis connection settings in config.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient builds the shared Redis client.
func NewClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

func NewRedisLock(client *redis.Client, prefix string) *RedisLock {
	if prefix == "" {
		prefix = "lock:"
	}
	return &RedisLock{client: client, prefix: prefix}
}

func (l *RedisLock) key(name string) string {
	return l.prefix + name
}

// Acquire takes the lease for name if nobody holds it. ok is false when another holder has it.
func (l *RedisLock) Acquire(ctx context.Context, name string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Refresh extends a lease still held with token.
func (l *RedisLock) Refresh(ctx context.Context, name, token string, ttl time.Duration) error {
	res, err := refreshScript.Run(ctx, l.client, []string{l.key(name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock %s: %w", name, err)
	}
	if res == 0 {
		return ErrNotHeld
	}
	return nil
}

// Release drops the lease if token still holds it. Releasing an expired lease is not an error.
func (l *RedisLock) Release(ctx context.Context, name, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// ErrNotHeld is returned by Refresh when the lease expired or changed hands.
var ErrNotHeld = errors.New("lock not held")

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)
