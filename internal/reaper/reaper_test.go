package reaper_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/victornm/couplequiz/internal/reaper"
)

func TestQueue(t *testing.T) {
	q := makeQueue(t)
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli())

	require.NoError(t, q.Schedule(ctx, "s1", now.Add(-time.Second)))
	require.NoError(t, q.Schedule(ctx, "s2", now.Add(time.Minute)))
	require.NoError(t, q.Schedule(ctx, "s3", now))

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, []reaper.Check{
		{SessionID: "s1", Deadline: now.Add(-time.Second)},
		{SessionID: "s3", Deadline: now},
		{SessionID: "s2", Deadline: now.Add(time.Minute)},
	}, pending)

	// Rescheduling moves the deadline instead of adding a second entry.
	require.NoError(t, q.Schedule(ctx, "s1", now.Add(2*time.Minute)))
	require.NoError(t, q.Cancel(ctx, "s3"))
	require.NoError(t, q.Cancel(ctx, "unknown"))

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, []reaper.Check{
		{SessionID: "s2", Deadline: now.Add(time.Minute)},
		{SessionID: "s1", Deadline: now.Add(2 * time.Minute)},
	}, pending)
}

func makeQueue(t *testing.T) *reaper.Queue {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	return reaper.NewQueue(reaper.Config{
		Redis:  rc,
		Prefix: "test",
	})
}
