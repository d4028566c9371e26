package kvs

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockTaken is returned by Lock.Acquire when every retry attempt found
// the lock already held by someone else.
var ErrLockTaken = errors.New("kvs: lock already held")

const (
	lockTTL         = 30 * time.Second
	lockMaxAttempts = 11
	lockRetryMinMs  = 10
	lockRetryMaxMs  = 50
	canaryBytes     = 20 // 160 bits
)

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Lock is a single-key distributed mutex, modeled on a SET-NX-with-canary
// Redlock variant: a random per-acquisition token ("canary") is stored as
// the key's value so only the holder that set it can release it, and a
// TTL bounds how long a crashed holder can block others.
type Lock struct {
	store *RedisStore
	key   string
}

func (s *RedisStore) newLock(name string) *Lock {
	return &Lock{store: s, key: "lock:" + name}
}

// Lock returns a handle for the named distributed lock. It does not
// acquire anything by itself.
func (s *RedisStore) Lock(name string) *Lock { return s.newLock(name) }

// Held represents a successful acquisition; Unlock releases it.
type Held struct {
	lock   *Lock
	canary string
}

// Acquire blocks (retrying with jittered backoff) until the lock is
// obtained or lockMaxAttempts tries are exhausted, whichever is first.
// Context cancellation aborts early.
func (l *Lock) Acquire(ctx context.Context) (*Held, error) {
	canary, err := newCanary()
	if err != nil {
		return nil, fmt.Errorf("kvs: generating canary: %w", err)
	}

	for attempt := 0; attempt < lockMaxAttempts; attempt++ {
		ok, err := l.store.client.SetNX(ctx, l.key, canary, lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("kvs: lock acquire: %w", err)
		}
		if ok {
			return &Held{lock: l, canary: canary}, nil
		}
		if attempt == lockMaxAttempts-1 {
			break
		}
		delay, err := jitteredDelay()
		if err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.store.clock.After(delay):
		}
	}
	return nil, ErrLockTaken
}

// Unlock releases the lock, but only if it is still held by this
// acquisition's canary — a lock whose TTL already expired and was taken
// by someone else is left untouched.
func (h *Held) Unlock(ctx context.Context) error {
	res, err := unlockScript.Run(ctx, h.lock.store.client, []string{h.lock.key}, h.canary).Result()
	if err != nil {
		return fmt.Errorf("kvs: lock release: %w", err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return errors.New("kvs: lock release: canary mismatch, lock was not held by us")
	}
	return nil
}

func newCanary() (string, error) {
	buf := make([]byte, canaryBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func jitteredDelay() (time.Duration, error) {
	span := lockRetryMaxMs - lockRetryMinMs
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return 0, err
	}
	return time.Duration(lockRetryMinMs+n.Int64()) * time.Millisecond, nil
}
