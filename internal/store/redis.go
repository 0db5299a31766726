package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// lockPollInterval is how often a blocked Acquire re-tries the lock
const lockPollInterval = 50 * time.Millisecond

// releaseScript deletes the lock key only if it still holds our token,
// so an expired lease reacquired by another worker is never released here.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisKV implements KV on a Redis connection
type RedisKV struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewRedisKV connects to Redis at the given URL (redis://host:port/db)
func NewRedisKV(url string, logger zerolog.Logger) (*RedisKV, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisKV{rdb: redis.NewClient(opts), logger: logger}, nil
}

// wrapErr maps go-redis errors onto the store error taxonomy
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (s *RedisKV) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	return v, wrapErr(err)
}

func (s *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return wrapErr(s.rdb.Set(ctx, key, value, ttl).Err())
}

func (s *RedisKV) GetDel(ctx context.Context, key string) (string, error) {
	var get *redis.StringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.Get(ctx, key)
		pipe.Del(ctx, key)
		return nil
	})
	if err != nil {
		return "", wrapErr(err)
	}
	v, err := get.Result()
	return v, wrapErr(err)
}

func (s *RedisKV) Del(ctx context.Context, key string) error {
	return wrapErr(s.rdb.Del(ctx, key).Err())
}

func (s *RedisKV) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	return v, wrapErr(err)
}

func (s *RedisKV) HSet(ctx context.Context, key, field, value string) error {
	return wrapErr(s.rdb.HSet(ctx, key, field, value).Err())
}

func (s *RedisKV) HDel(ctx context.Context, key string, fields ...string) error {
	return wrapErr(s.rdb.HDel(ctx, key, fields...).Err())
}

func (s *RedisKV) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	v, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return v, nil
}

// HGetDel runs HGET and HDEL in one transactional pipeline so the
// fetch-and-delete is atomic with respect to other readers of the hash.
func (s *RedisKV) HGetDel(ctx context.Context, key, field string) (string, error) {
	var get *redis.StringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, key, field)
		pipe.HDel(ctx, key, field)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", wrapErr(err)
	}
	v, err := get.Result()
	return v, wrapErr(err)
}

func (s *RedisKV) ZAdd(ctx context.Context, key, member string, score float64) error {
	return wrapErr(s.rdb.ZAdd(ctx, key, redis.Z{Member: member, Score: score}).Err())
}

func (s *RedisKV) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapErr(s.rdb.ZRem(ctx, key, args...).Err())
}

func (s *RedisKV) ZPopMin(ctx context.Context, key string) (ZMember, error) {
	res, err := s.rdb.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return ZMember{}, wrapErr(err)
	}
	if len(res) == 0 {
		return ZMember{}, ErrNotFound
	}
	member, _ := res[0].Member.(string)
	return ZMember{Member: member, Score: res[0].Score}, nil
}

func (s *RedisKV) ZRange(ctx context.Context, key string) ([]string, error) {
	v, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	return v, nil
}

func (s *RedisKV) Ping(ctx context.Context) error {
	return wrapErr(s.rdb.Ping(ctx).Err())
}

func (s *RedisKV) Lock(name string, ttl time.Duration) Lock {
	return &redisLock{
		rdb:   s.rdb,
		name:  name,
		token: uuid.New().String(),
		ttl:   ttl,
	}
}

// redisLock is a leased lock on a single key: SET NX PX to acquire,
// compare-and-delete script to release.
type redisLock struct {
	rdb      *redis.Client
	name     string
	token    string
	ttl      time.Duration
	acquired bool
}

func (l *redisLock) Acquire(ctx context.Context, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := l.rdb.SetNX(ctx, l.name, l.token, l.ttl).Result()
		if err != nil {
			return wrapErr(err)
		}
		if ok {
			l.acquired = true
			return nil
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (l *redisLock) Release(ctx context.Context) error {
	if !l.acquired {
		return nil
	}
	l.acquired = false
	if err := releaseScript.Run(ctx, l.rdb, []string{l.name}, l.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return wrapErr(err)
	}
	return nil
}
