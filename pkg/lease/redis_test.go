package lease_test

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/depotgate/depotgate/pkg/contracts"
	"github.com/depotgate/depotgate/pkg/lease"
)

// TestRedis_Integration requires a running Redis.
// We skip if connection fails.
func TestRedis_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer client.Close()

	guard := lease.NewRedis(client)
	key := "t-redis/task-redis/" + t.Name()

	release, err := guard.Acquire(ctx, key, 30*time.Second)
	require.NoError(t, err)

	_, err = guard.Acquire(ctx, key, 30*time.Second)
	assert.ErrorIs(t, err, contracts.ErrLeaseHeld)

	release()
	release2, err := guard.Acquire(ctx, key, 30*time.Second)
	require.NoError(t, err)
	release2()
}
