// Package redis implements kv.Store on a go-redis universal client.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/backstop/kv"
)

var ErrNilClient = errors.New("redis store: nil client")

type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool
}

var _ kv.Store = (*Store)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this store exclusively owns the client
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Store{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0 // treat non-positive TTLs as "no expiry" per store contract
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.rdb.HSet(ctx, key, field, value).Err()
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err()
}

func (s *Store) ZRem(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.rdb.ZRem(ctx, key, args...).Result()
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key, min, max string) (int64, error) {
	return s.rdb.ZRemRangeByScore(ctx, key, min, max).Result()
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRange(ctx, key, start, stop).Result()
}

func (s *Store) ZRevRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.ZRevRange(ctx, key, start, stop).Result()
}

func (s *Store) ZRangeWithScores(ctx context.Context, key string, start, stop int64) ([]kv.ScoredMember, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	out := make([]kv.ScoredMember, len(zs))
	for i, z := range zs {
		m, _ := z.Member.(string)
		out[i] = kv.ScoredMember{Member: m, Score: z.Score}
	}
	return out, nil
}

// Close releases the underlying redis client only when this store owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (s *Store) Close() error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
