package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned by AcquireLock when another holder owns the lock.
var ErrLockHeld = errors.New("lock held by another worker")

// Stats are the analysis cache counters of one project.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Entries int64   `json:"entries"`
	HitRate float64 `json:"hit_rate"`
}

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)

	GetAnalysis(ctx context.Context, projectID uuid.UUID, fingerprint string) ([]byte, bool, error)
	StoreAnalysis(ctx context.Context, projectID uuid.UUID, fingerprint string, value []byte, ttl time.Duration) ([]byte, bool, error)
	ReplaceAnalysis(ctx context.Context, projectID uuid.UUID, fingerprint string, value []byte, ttl time.Duration) error
	InvalidateAnalysis(ctx context.Context, projectID uuid.UUID, fingerprint string) error
	FlushProject(ctx context.Context, projectID uuid.UUID) (int64, error)
	FlushAll(ctx context.Context) (int64, error)
	Stats(ctx context.Context, projectID uuid.UUID) (Stats, error)

	AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// GetAnalysis looks up a cached analysis and counts the hit or miss.
func (c *RedisCache) GetAnalysis(ctx context.Context, projectID uuid.UUID, fingerprint string) ([]byte, bool, error) {
	val, found, err := c.Get(ctx, AnalysisKey(projectID, fingerprint))
	if err != nil {
		return nil, false, err
	}
	field := "misses"
	if found {
		field = "hits"
	}
	if err := c.client.HIncrBy(ctx, StatsKey(projectID), field, 1).Err(); err != nil {
		return nil, false, err
	}
	return val, found, nil
}

// StoreAnalysis writes value only if no entry exists. When another writer got there first,
// the existing entry is returned with stored=false so the caller can adopt it.
func (c *RedisCache) StoreAnalysis(ctx context.Context, projectID uuid.UUID, fingerprint string, value []byte, ttl time.Duration) ([]byte, bool, error) {
	key := AnalysisKey(projectID, fingerprint)
	ok, err := c.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if ok {
		if err := c.client.SAdd(ctx, AnalysisIndexKey(projectID), key).Err(); err != nil {
			return nil, false, err
		}
		return value, true, nil
	}
	existing, found, err := c.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		// Expired between SETNX and GET; retry once as a plain write.
		return value, true, c.ReplaceAnalysis(ctx, projectID, fingerprint, value, ttl)
	}
	return existing, false, nil
}

// ReplaceAnalysis overwrites the entry unconditionally.
func (c *RedisCache) ReplaceAnalysis(ctx context.Context, projectID uuid.UUID, fingerprint string, value []byte, ttl time.Duration) error {
	key := AnalysisKey(projectID, fingerprint)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, value, ttl)
	pipe.SAdd(ctx, AnalysisIndexKey(projectID), key)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) InvalidateAnalysis(ctx context.Context, projectID uuid.UUID, fingerprint string) error {
	key := AnalysisKey(projectID, fingerprint)
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, AnalysisIndexKey(projectID), key)
	_, err := pipe.Exec(ctx)
	return err
}

// FlushProject drops every cached analysis of a project and returns how many keys were removed.
func (c *RedisCache) FlushProject(ctx context.Context, projectID uuid.UUID) (int64, error) {
	index := AnalysisIndexKey(projectID)
	keys, err := c.client.SMembers(ctx, index).Result()
	if err != nil {
		return 0, err
	}
	var removed int64
	if len(keys) > 0 {
		removed, err = c.client.Del(ctx, keys...).Result()
		if err != nil {
			return 0, err
		}
	}
	return removed, c.client.Del(ctx, index).Err()
}

// FlushAll drops every cached analysis across projects.
func (c *RedisCache) FlushAll(ctx context.Context) (int64, error) {
	var removed int64
	iter := c.client.Scan(ctx, 0, "analysis:*", 500).Iterator()
	batch := make([]string, 0, 500)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			n, err := c.client.Del(ctx, batch...).Result()
			if err != nil {
				return removed, err
			}
			removed += n
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if len(batch) > 0 {
		n, err := c.client.Del(ctx, batch...).Result()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

func (c *RedisCache) Stats(ctx context.Context, projectID uuid.UUID) (Stats, error) {
	pipe := c.client.Pipeline()
	counters := pipe.HMGet(ctx, StatsKey(projectID), "hits", "misses")
	index := pipe.SMembers(ctx, AnalysisIndexKey(projectID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Stats{}, err
	}

	var s Stats
	var parsed struct {
		Hits   int64 `redis:"hits"`
		Misses int64 `redis:"misses"`
	}
	if err := counters.Scan(&parsed); err != nil {
		return Stats{}, err
	}
	s.Hits, s.Misses = parsed.Hits, parsed.Misses

	// Index members may outlive their TTL'd keys; count only the live ones.
	if keys := index.Val(); len(keys) > 0 {
		live, err := c.client.Exists(ctx, keys...).Result()
		if err != nil {
			return Stats{}, err
		}
		s.Entries = live
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// AcquireLock takes a single-holder lock with a TTL. The returned func releases it only if
// this caller still holds it.
func (c *RedisCache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, c.client, []string{key}, token).Err()
	}, nil
}

func (c *RedisCache) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

// Subscribe streams messages from channel until the returned close func is called or ctx ends.
func (c *RedisCache) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	sub := c.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, sub.Close, nil
}
