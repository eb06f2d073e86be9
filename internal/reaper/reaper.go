package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
}

// Queue records pending room-cleanup checks so that a restart during a grace period does not lose them.
// Members are session IDs scored by the check deadline in unix milliseconds.
type Queue struct {
	redis  redis.UniversalClient
	prefix string
}

func NewQueue(c Config) *Queue {
	return &Queue{
		redis:  c.Redis,
		prefix: c.Prefix,
	}
}

// Check is a pending cleanup check.
type Check struct {
	SessionID string
	Deadline  time.Time
}

// Schedule records (or moves) the check of a session.
func (q *Queue) Schedule(ctx context.Context, sessionID string, deadline time.Time) error {
	if err := q.redis.ZAdd(ctx, q.key(), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: sessionID,
	}).Err(); err != nil {
		return fmt.Errorf("schedule cleanup of %s: %w", sessionID, err)
	}
	return nil
}

// Cancel forgets the check of a session. Cancelling an unknown session is not an error.
func (q *Queue) Cancel(ctx context.Context, sessionID string) error {
	if err := q.redis.ZRem(ctx, q.key(), sessionID).Err(); err != nil {
		return fmt.Errorf("cancel cleanup of %s: %w", sessionID, err)
	}
	return nil
}

// Pending returns every recorded check, earliest deadline first.
func (q *Queue) Pending(ctx context.Context) ([]Check, error) {
	res, err := q.redis.ZRangeByScoreWithScores(ctx, q.key(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending cleanups: %w", err)
	}

	checks := make([]Check, 0, len(res))
	for _, z := range res {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		checks = append(checks, Check{
			SessionID: id,
			Deadline:  time.UnixMilli(int64(z.Score)),
		})
	}

	return checks, nil
}

func (q *Queue) key() string {
	return fmt.Sprintf("%s:cleanup", q.prefix)
}
