package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/depotgate/depotgate/pkg/contracts"
)

// releaseScript deletes the lease only when the caller still holds it.
// KEYS[1] = lease key, ARGV[1] = holder token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Guard backed by a shared Redis, giving cross-process
// exclusion. Keys are prefixed with "depotgate:lease:".
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	fullKey := "depotgate:lease:" + key
	ok, err := r.client.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	if !ok {
		return nil, contracts.ErrLeaseHeld
	}
	return func() {
		// Compare-and-delete so an expired lease re-acquired by another
		// holder is never released by us.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, r.client, []string{fullKey}, token).Err()
	}, nil
}
