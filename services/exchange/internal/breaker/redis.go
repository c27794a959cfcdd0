package breaker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const defaultRedisKey = "hlh:breaker:tvl"

// RedisStore keeps the TVL series in a sorted set scored by unix
// milliseconds, so windowed reads are a single ZRANGEBYSCORE.
type RedisStore struct {
	client *redis.Client
	key    string
	retain time.Duration
}

func NewRedisStore(client *redis.Client, key string, retain time.Duration) *RedisStore {
	if key == "" {
		key = defaultRedisKey
	}
	if retain <= 0 {
		retain = 48 * time.Hour
	}
	return &RedisStore{client: client, key: key, retain: retain}
}

func (r *RedisStore) Append(ctx context.Context, s Sample) error {
	ms := s.At.UnixMilli()
	member := fmt.Sprintf("%d:%s", ms, s.Value.String())

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.key, redis.Z{Score: float64(ms), Member: member})
	cutoff := s.At.Add(-r.retain).UnixMilli()
	pipe.ZRemRangeByScore(ctx, r.key, "-inf", strconv.FormatInt(cutoff, 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append tvl sample: %w", err)
	}
	return nil
}

func (r *RedisStore) Range(ctx context.Context, from, to time.Time) ([]Sample, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("range tvl samples: %w", err)
	}

	out := make([]Sample, 0, len(members))
	for _, member := range members {
		sample, err := parseMember(member)
		if err != nil {
			return nil, err
		}
		out = append(out, sample)
	}
	return out, nil
}

func parseMember(member string) (Sample, error) {
	parts := strings.SplitN(member, ":", 2)
	if len(parts) != 2 {
		return Sample{}, fmt.Errorf("malformed tvl member %q", member)
	}
	ms, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("malformed tvl timestamp %q: %w", parts[0], err)
	}
	value, err := decimal.NewFromString(parts[1])
	if err != nil {
		return Sample{}, fmt.Errorf("malformed tvl value %q: %w", parts[1], err)
	}
	return Sample{At: time.UnixMilli(ms).UTC(), Value: value}, nil
}
