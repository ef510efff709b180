// Package lock provides a Redis-backed distributed lock guarding the
// shared agreement-maxcsn tombstone entry across multiple engine processes
// (e.g. during a supplier failover where more than one instance may run
// against the same directory). Within one process the agreement mutex
// already serializes writers to a given agreement; this lock only covers
// the cross-process race on the tombstone's shared value list.
package lock

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lock represents one held (or not-yet-held) distributed lock on a single
// Redis key.
type Lock struct {
	redis    *redis.Client
	key      string
	value    string
	ttl      time.Duration
	logger   *slog.Logger
	acquired bool
}

// Config holds lock settings. New reads only TTL, and TryAcquireMaxcsnLock
// passes MaxRetries to Acquire; RetryInterval, AcquireTimeout and
// ReleaseTimeout are not read.
type Config struct {
	TTL            time.Duration
	MaxRetries     int
	RetryInterval  time.Duration
	AcquireTimeout time.Duration
	ReleaseTimeout time.Duration
}

// DefaultConfig returns sensible defaults for the tombstone lock.
func DefaultConfig() Config {
	return Config{
		TTL:            30 * time.Second,
		MaxRetries:     3,
		RetryInterval:  100 * time.Millisecond,
		AcquireTimeout: 5 * time.Second,
		ReleaseTimeout: 2 * time.Second,
	}
}

// MaxcsnKey builds the Redis key guarding the tombstone for subtree.
func MaxcsnKey(subtree string) string {
	return fmt.Sprintf("agreement-engine:maxcsn-lock:%s", subtree)
}

// New creates a Lock for key. The lock is not yet acquired.
func New(client *redis.Client, key string, cfg Config, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		redis:  client,
		key:    key,
		value:  generateValue(),
		ttl:    cfg.TTL,
		logger: logger,
	}
}

func generateValue() string {
	buf := make([]byte, 16)
	if _, err := cryptorand.Read(buf); err != nil {
		return fmt.Sprintf("lock_%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// Acquire attempts to take the lock with a small number of retries,
// sleeping between attempts for a linearly growing interval (100ms times
// the attempt number) with up to 25% jitter either way.
func (l *Lock) Acquire(ctx context.Context, maxRetries int) (bool, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		acquireCtx, cancel := context.WithTimeout(ctx, l.ttl)
		ok, err := l.redis.SetNX(acquireCtx, l.key, l.value, l.ttl).Result()
		cancel()
		if err != nil {
			l.logger.Error("lock: acquire attempt failed", "key", l.key, "attempt", attempt+1, "error", err)
			if attempt == maxRetries {
				return false, fmt.Errorf("lock: acquire %q after %d attempts: %w", l.key, maxRetries+1, err)
			}
			time.Sleep(backoff(attempt))
			continue
		}
		if ok {
			l.acquired = true
			return true, nil
		}
		if attempt == maxRetries {
			return false, nil
		}
		time.Sleep(backoff(attempt))
	}
	return false, nil
}

// releaseScript deletes the key only if its value still matches ours,
// so a lock whose TTL already expired and was re-acquired by another
// process is never released out from under it.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// Release frees the lock if held. A no-op if it was never acquired.
func (l *Lock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	releaseCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(releaseCtx, releaseScript, []string{l.key}, l.value).Result()
	if err != nil {
		return fmt.Errorf("lock: release %q: %w", l.key, err)
	}
	if n, _ := result.(int64); n == 1 {
		l.acquired = false
	}
	return nil
}

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("expire", KEYS[1], ARGV[2])
else
	return 0
end
`

// Extend renews the lock's TTL, failing if it is no longer held by us.
func (l *Lock) Extend(ctx context.Context, newTTL time.Duration) error {
	if !l.acquired {
		return fmt.Errorf("lock: cannot extend %q: not held", l.key)
	}
	extendCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	result, err := l.redis.Eval(extendCtx, extendScript, []string{l.key}, l.value, int(newTTL.Seconds())).Result()
	if err != nil {
		return fmt.Errorf("lock: extend %q: %w", l.key, err)
	}
	if n, _ := result.(int64); n == 1 {
		l.ttl = newTTL
		return nil
	}
	return fmt.Errorf("lock: extend %q: no longer held", l.key)
}

func (l *Lock) IsAcquired() bool { return l.acquired }

func backoff(attempt int) time.Duration {
	base := 100 * time.Millisecond
	interval := time.Duration(attempt+1) * base
	jitter := time.Duration(float64(interval) * 0.25 * (2*rand.Float64() - 1))
	return interval + jitter
}

// TryAcquireMaxcsnLock is the convenience entry point the Lifecycle
// Controller uses before writing a tombstone maxcsn update: acquire, run
// fn, always release.
func TryAcquireMaxcsnLock(ctx context.Context, client *redis.Client, subtree string, logger *slog.Logger, fn func() error) error {
	cfg := DefaultConfig()
	l := New(client, MaxcsnKey(subtree), cfg, logger)
	ok, err := l.Acquire(ctx, cfg.MaxRetries)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("lock: could not acquire maxcsn lock for %q", subtree)
	}
	defer func() {
		if relErr := l.Release(ctx); relErr != nil {
			logger.Warn("lock: release failed", "subtree", subtree, "error", relErr)
		}
	}()
	return fn()
}
