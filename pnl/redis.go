package pnl

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/rustyeddy/riskguard/fault"
	"github.com/rustyeddy/riskguard/reset"
)

// RedisStore keeps counters in Redis so several processes reading the same
// accounts agree on P&L. Keys are {prefix}:pnl:{account}:day and :week.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "riskguard"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(account string, p reset.Period) string {
	suffix := "day"
	if p == reset.Weekly {
		suffix = "week"
	}
	return fmt.Sprintf("%s:pnl:%s:%s", s.prefix, account, suffix)
}

// Add applies realized to both counters in one MULTI/EXEC, so a failed call
// moves neither and can be retried.
func (s *RedisStore) Add(ctx context.Context, account string, realized float64) (Totals, error) {
	var day, week *redis.FloatCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		day = p.IncrByFloat(ctx, s.key(account, reset.Daily), realized)
		week = p.IncrByFloat(ctx, s.key(account, reset.Weekly), realized)
		return nil
	})
	if err != nil {
		return Totals{}, fault.Transient("pnl add", err)
	}
	return Totals{Daily: day.Val(), Weekly: week.Val()}, nil
}

func (s *RedisStore) Get(ctx context.Context, account string) (Totals, error) {
	var t Totals
	var err error
	if t.Daily, err = s.get(ctx, s.key(account, reset.Daily)); err != nil {
		return Totals{}, err
	}
	if t.Weekly, err = s.get(ctx, s.key(account, reset.Weekly)); err != nil {
		return Totals{}, err
	}
	return t, nil
}

func (s *RedisStore) get(ctx context.Context, key string) (float64, error) {
	v, err := s.client.Get(ctx, key).Float64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fault.Transient("pnl get", err)
	}
	return v, nil
}

func (s *RedisStore) Reset(ctx context.Context, account string, period reset.Period) error {
	if err := s.client.Del(ctx, s.key(account, period)).Err(); err != nil {
		return fault.Transient("pnl reset", err)
	}
	return nil
}
