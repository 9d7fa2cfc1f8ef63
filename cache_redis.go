package nostrclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisLookupCap = 500

// RedisEventCache implements EventCache on Redis: event JSON stored by id
// plus a per-kind sorted-set index on created_at, so kind/time-range
// lookups translate to ZREVRANGEBYSCORE.
type RedisEventCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisEventCache creates a Redis cache from a URL of the form
// redis://[:password@]host:port/db.
func NewRedisEventCache(redisURL, prefix string, ttl time.Duration, logger *slog.Logger) (*RedisEventCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	// Connection pool settings
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisEventCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: loggerOrDefault(logger),
	}, nil
}

func (r *RedisEventCache) eventKey(id string) string {
	return r.prefix + "event:" + id
}

func (r *RedisEventCache) kindKey(kind int) string {
	return r.prefix + "kind:" + strconv.Itoa(kind)
}

// Store writes the event and its kind-index entry in one pipeline.
// Failures are logged and swallowed.
func (r *RedisEventCache) Store(ctx context.Context, evt Event) {
	data, err := json.Marshal(&evt)
	if err != nil {
		return
	}

	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.eventKey(evt.ID), data, r.ttl)
	pipe.ZAdd(ctx, r.kindKey(evt.Kind), redis.Z{
		Score:  float64(evt.CreatedAt),
		Member: evt.ID,
	})
	pipe.Expire(ctx, r.kindKey(evt.Kind), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Debug("redis cache write failed", "event_id", evt.ID, "error", err)
	}
}

// Lookup queries the per-kind indexes for the filter's time range, loads
// the candidate events, and applies the rest of the filter locally.
// Filters without a kind list cannot use the index and return nothing.
func (r *RedisEventCache) Lookup(ctx context.Context, filter Filter) []Event {
	if len(filter.Kinds) == 0 {
		return nil
	}

	min, max := "-inf", "+inf"
	if filter.Since != nil {
		min = strconv.FormatInt(*filter.Since, 10)
	}
	if filter.Until != nil {
		max = strconv.FormatInt(*filter.Until, 10)
	}

	var ids []string
	for _, kind := range filter.Kinds {
		kindIDs, err := r.client.ZRevRangeByScore(ctx, r.kindKey(kind), &redis.ZRangeBy{
			Min:   min,
			Max:   max,
			Count: redisLookupCap,
		}).Result()
		if err != nil {
			r.logger.Debug("redis cache lookup failed", "kind", kind, "error", err)
			return nil
		}
		ids = append(ids, kindIDs...)
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.eventKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		r.logger.Debug("redis cache fetch failed", "error", err)
		return nil
	}

	var events []Event
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// Index entry outlived the event value; skip.
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(str), &evt); err != nil {
			continue
		}
		if filter.Matches(&evt) {
			events = append(events, evt)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].CreatedAt != events[j].CreatedAt {
			return events[i].CreatedAt > events[j].CreatedAt
		}
		return events[i].ID > events[j].ID
	})
	if filter.Limit > 0 && len(events) > filter.Limit {
		events = events[:filter.Limit]
	}
	return events
}

func (r *RedisEventCache) Close() error {
	return r.client.Close()
}
