// Package runlock serializes pipeline runs across processes.
package runlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("runlock: lock held by another run")

// Locker acquires named leases.
type Locker interface {
	// Acquire takes the named lock for at most ttl. It fails with ErrLocked
	// if the lock is held.
	Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error)
	Close() error
}

// Lease is a held lock.
type Lease interface {
	// Release gives the lock up. Releasing a lease that expired and was
	// taken by another run leaves the other run's lock in place.
	Release(ctx context.Context) error
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

// NewRedisLocker wraps an existing client.
func NewRedisLocker(client *redis.Client) *RedisLocker {
	return &RedisLocker{client: client, prefix: "actionlog:lock:"}
}

// NewRedisLockerFromURL connects to redisURL and verifies the connection.
func NewRedisLockerFromURL(ctx context.Context, redisURL string) (*RedisLocker, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisLocker(client), nil
}

// Acquire sets the lock key with a random token if it is absent.
func (l *RedisLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}

	key := l.prefix + name
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, name)
	}

	return &redisLease{client: l.client, key: key, token: token}, nil
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// NopLocker grants every lock. It is used when no Redis is configured.
type NopLocker struct{}

func (NopLocker) Acquire(ctx context.Context, name string, ttl time.Duration) (Lease, error) {
	return nopLease{}, nil
}

func (NopLocker) Close() error { return nil }

type nopLease struct{}

func (nopLease) Release(ctx context.Context) error { return nil }

func newToken() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
