// Package kvs wraps the Redis-backed shared state every signaling module
// reads and writes: participant/room attributes, presence sets, ordered
// structures, and the small atomic scripts legal-vote and automod rely on
// for correctness under concurrent access from multiple instances.
//
// Every method degrades gracefully when the circuit breaker is open: a
// write returns an error the caller can surface, but the process never
// panics on a transient Redis outage.
package kvs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// ErrNotFound is returned by Get/HGet when the key or field is absent.
var ErrNotFound = errors.New("kvs: not found")

// Store is the shared-state surface modules and the room package depend
// on. Production code gets a *RedisStore; tests can fake this interface
// directly or point a *RedisStore at miniredis.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SCard(ctx context.Context, key string) (int64, error)

	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	ZAdd(ctx context.Context, key string, member string, score float64) error
	ZIncrBy(ctx context.Context, key string, member string, delta float64) (float64, error)
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) (map[string]float64, error)

	Lock(name string) *Lock

	// RunScript is the escape hatch for module-specific atomic scripts
	// (e.g. legalvote's cast_vote/end_current_vote/cleanup_vote) whose
	// key layout is private to the module that defines them.
	RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error)
}

// RedisStore is the production Store, wrapping a *redis.Client with the
// same circuit-breaker-guarded degrade-don't-crash pattern the bus uses
// for pub/sub.
type RedisStore struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
	clock  clock.Clock
}

// NewRedisStore wraps an already-connected client. Connection lifecycle
// (dial, ping, pool sizing) is owned by the caller, mirroring how the bus
// package owns its own client.
func NewRedisStore(client *redis.Client, logger *zap.Logger) *RedisStore {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "kvs",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("kvs circuit breaker state change",
				zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &RedisStore{client: client, cb: cb, logger: logger, clock: clock.RealClock{}}
}

// SetClock overrides the clock used by distributed-lock retry backoff,
// letting tests drive lock contention with a fake clock instead of
// sleeping in wall time.
func (s *RedisStore) SetClock(c clock.Clock) { s.clock = c }

// Client exposes the underlying client for script registration by callers
// in this package's sibling files (lock.go, votescripts.go).
func (s *RedisStore) Client() *redis.Client { return s.client }

func (s *RedisStore) execute(fn func() (any, error)) (any, error) {
	v, err := s.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) {
		return nil, fmt.Errorf("kvs: circuit open: %w", err)
	}
	return v, err
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.Get(ctx, key).Result()
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	return err
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := s.execute(func() (any, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	return err
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.SAdd(ctx, key, toAny(members)...).Err()
	})
	return err
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.SRem(ctx, key, toAny(members)...).Err()
	})
	return err
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if errors.Is(err, gobreaker.ErrOpenState) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (s *RedisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.SIsMember(ctx, key, member).Result()
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.SCard(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *RedisStore) RPush(ctx context.Context, key string, values ...string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.RPush(ctx, key, toAny(values)...).Err()
	})
	return err
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.LRange(ctx, key, start, stop).Result()
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (s *RedisStore) LRem(ctx context.Context, key string, value string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.LRem(ctx, key, 1, value).Err()
	})
	return err
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.LLen(ctx, key).Result()
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	_, err := s.execute(func() (any, error) {
		return nil, s.client.HSet(ctx, key, flat...).Err()
	})
	return err
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.HGet(ctx, key, field).Result()
	})
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.HGetAll(ctx, key).Result()
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]string), nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.HDel(ctx, key, fields...).Err()
	})
	return err
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	_, err := s.execute(func() (any, error) {
		return nil, s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
	return err
}

func (s *RedisStore) ZIncrBy(ctx context.Context, key string, member string, delta float64) (float64, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.ZIncrBy(ctx, key, delta, member).Result()
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (s *RedisStore) ZRangeWithScores(ctx context.Context, key string, start, stop int64) (map[string]float64, error) {
	v, err := s.execute(func() (any, error) {
		return s.client.ZRangeWithScores(ctx, key, start, stop).Result()
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	for _, z := range v.([]redis.Z) {
		if member, ok := z.Member.(string); ok {
			out[member] = z.Score
		}
	}
	return out, nil
}

func (s *RedisStore) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	return s.execute(func() (any, error) {
		return script.Run(ctx, s.client, keys, args...).Result()
	})
}

func toAny(s []string) []any {
	out := make([]any, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
