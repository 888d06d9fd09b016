package dns

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrRecordBusy means another workflow instance holds the record name
var ErrRecordBusy = errors.New("dns record is locked by another instance")

// RecordLocker serializes writes to one record name across workflow instances.
// Acquire is non-blocking and re-entrant for the same owner.
type RecordLocker interface {
	Acquire(ctx context.Context, key, owner string) (bool, error)
	Release(ctx context.Context, key, owner string) error
}

// LockKey builds the lock key for a record in a zone
func LockKey(zone Zone, relativeName string) string {
	return fmt.Sprintf("acmebot:dns-lock:%s:%s", zone.ID, relativeName)
}

const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisLocker holds record locks in Redis so several processes can share them
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a Redis backed locker. Locks expire after ttl so a
// crashed holder cannot block a record forever.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Acquire takes the lock or confirms owner already holds it
func (l *RedisLocker) Acquire(ctx context.Context, key, owner string) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	current, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read lock %s: %w", key, err)
	}
	if current != owner {
		return false, nil
	}

	if err := l.client.Expire(ctx, key, l.ttl).Err(); err != nil {
		return false, fmt.Errorf("failed to refresh lock %s: %w", key, err)
	}
	return true, nil
}

// Release deletes the lock only if owner holds it
func (l *RedisLocker) Release(ctx context.Context, key, owner string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{key}, owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	return nil
}

type localLock struct {
	owner   string
	expires time.Time
}

// LocalLocker keeps locks in process memory. Used when Redis is not configured.
type LocalLocker struct {
	mu    sync.Mutex
	ttl   time.Duration
	locks map[string]localLock
	now   func() time.Time
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker(ttl time.Duration) *LocalLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &LocalLocker{
		ttl:   ttl,
		locks: make(map[string]localLock),
		now:   time.Now,
	}
}

// Acquire takes the lock or confirms owner already holds it
func (l *LocalLocker) Acquire(ctx context.Context, key, owner string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.locks[key]; ok && cur.owner != owner && now.Before(cur.expires) {
		return false, nil
	}
	l.locks[key] = localLock{owner: owner, expires: now.Add(l.ttl)}
	return true, nil
}

// Release deletes the lock only if owner holds it
func (l *LocalLocker) Release(ctx context.Context, key, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.locks[key]; ok && cur.owner == owner {
		delete(l.locks, key)
	}
	return nil
}
