package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/vigil/pkg/event"
)

const (
	eventKeyPrefix = "vigil:event:"
	eventTimeIndex = "vigil:events:by_time"
)

// RedisEventStore keeps the hot window in redis so dedup and correlation
// scans survive restarts and are shared across replicas. Each event lives
// under a per-id key carrying the dedup TTL; a sorted set indexes ids by
// event time for window scans. An id stays deduplicated for the key TTL,
// which is the retention window for replayed webhooks.
type RedisEventStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisEventStore(rdb *redis.Client, ttl time.Duration) *RedisEventStore {
	return &RedisEventStore{rdb: rdb, ttl: ttl}
}

var _ EventStore = (*RedisEventStore)(nil)

func (s *RedisEventStore) Put(ctx context.Context, ev *event.RawEvent) (bool, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("encode event %s: %w", ev.EventID, err)
	}
	ok, err := s.rdb.SetNX(ctx, eventKeyPrefix+ev.EventID, body, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	if !ok {
		return false, nil
	}
	err = s.rdb.ZAdd(ctx, eventTimeIndex, redis.Z{
		Score:  float64(ev.Timestamp.UnixMilli()),
		Member: ev.EventID,
	}).Err()
	if err != nil {
		return false, fmt.Errorf("redis zadd: %w", err)
	}
	return true, nil
}

func (s *RedisEventStore) Get(ctx context.Context, eventID string) (*event.RawEvent, error) {
	body, err := s.rdb.Get(ctx, eventKeyPrefix+eventID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var ev event.RawEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("corrupt event %s in hot store: %w", eventID, err)
	}
	return &ev, nil
}

func (s *RedisEventStore) Window(ctx context.Context, from, to time.Time) ([]*event.RawEvent, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, eventTimeIndex, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrangebyscore: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = eventKeyPrefix + id
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}

	events := make([]*event.RawEvent, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Index member outlived its value key; the next Prune
			// sweep clears it.
			continue
		}
		var ev event.RawEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("corrupt event %s in hot store: %w", ids[i], err)
		}
		events = append(events, &ev)
	}
	return events, nil
}

func (s *RedisEventStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	max := "(" + strconv.FormatInt(cutoff.UnixMilli(), 10)
	n, err := s.rdb.ZRemRangeByScore(ctx, eventTimeIndex, "-inf", max).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zremrangebyscore: %w", err)
	}
	return int(n), nil
}

func (s *RedisEventStore) Size(ctx context.Context) (int, error) {
	n, err := s.rdb.ZCard(ctx, eventTimeIndex).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard: %w", err)
	}
	return int(n), nil
}
