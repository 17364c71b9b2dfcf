// Package redisqueue keeps orphan event retries in a redis sorted set scored by due time, so
// they survive restarts and are shared by every instance.
package redisqueue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 50
)

type Queue struct {
	client       *redis.Client
	key          string
	pollInterval time.Duration
	batchSize    int64
	logger       *slog.Logger
	now          func() time.Time
}

func New(client *redis.Client, keySpace string, logger *slog.Logger) *Queue {
	return &Queue{
		client:       client,
		key:          keySpace + ":orphan-events",
		pollInterval: defaultPollInterval,
		batchSize:    defaultBatchSize,
		logger:       logger,
		now:          time.Now,
	}
}

func (q *Queue) WithPollInterval(d time.Duration) *Queue {
	q.pollInterval = d
	return q
}

func (q *Queue) Enqueue(ctx context.Context, providerEventID string, delay time.Duration) error {
	due := q.now().Add(delay).UnixMilli()
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(due),
		Member: providerEventID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", providerEventID, err)
	}
	return nil
}

func (q *Queue) Run(ctx context.Context, handle func(ctx context.Context, providerEventID string)) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.drain(ctx, handle); err != nil {
				q.logger.Error("failed to poll orphan retry queue", "error", err)
			}
		}
	}
}

// drain hands every due id to handle. ZREM decides ownership when several instances poll the
// same set: only the instance whose ZREM removed the member processes it.
func (q *Queue) drain(ctx context.Context, handle func(ctx context.Context, providerEventID string)) error {
	due, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: q.batchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, eventID := range due {
		removed, err := q.client.ZRem(ctx, q.key, eventID).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		handle(ctx, eventID)
	}
	return nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
