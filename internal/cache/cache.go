package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/visionwatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// DefaultSnapshotTTL bounds how long a published job snapshot stays readable.
const DefaultSnapshotTTL = 24 * time.Hour

// Cache is the Redis-backed side channel of the watcher: job update fan-out,
// last-known snapshots and API rate limiting. Implementations must be safe for
// concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	PublishJobUpdate(ctx context.Context, job models.Job) error
	LastJobUpdate(ctx context.Context, jobID string) (models.Job, bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Close() error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client      *redis.Client
	snapshotTTL time.Duration
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts), snapshotTTL: DefaultSnapshotTTL}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// PublishJobUpdate stores job as the latest snapshot for its id and publishes
// it on JobUpdatesChannel in one transaction.
func (c *RedisCache) PublishJobUpdate(ctx context.Context, job models.Job) error {
	if job.ID == "" {
		return errors.New("publish job update: empty job id")
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job update: %w", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, JobSnapshotKey(job.ID), payload, c.snapshotTTL)
	pipe.Publish(ctx, JobUpdatesChannel, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish job update: %w", err)
	}
	return nil
}

func (c *RedisCache) LastJobUpdate(ctx context.Context, jobID string) (models.Job, bool, error) {
	val, err := c.client.Get(ctx, JobSnapshotKey(jobID)).Bytes()
	if err == redis.Nil {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}

	var job models.Job
	if err := json.Unmarshal(val, &job); err != nil {
		return models.Job{}, false, fmt.Errorf("decode job snapshot %s: %w", jobID, err)
	}
	return job, true, nil
}

// SubscribeJobUpdates streams published snapshots until ctx is cancelled.
func (c *RedisCache) SubscribeJobUpdates(ctx context.Context) (<-chan models.Job, error) {
	sub := c.client.Subscribe(ctx, JobUpdatesChannel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", JobUpdatesChannel, err)
	}

	out := make(chan models.Job)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var job models.Job
				if err := json.Unmarshal([]byte(msg.Payload), &job); err != nil {
					continue
				}
				select {
				case out <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
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

// Compile-time check that RedisCache implements Cache.
var _ Cache = (*RedisCache)(nil)
