package locks

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only when it still holds our value.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisKeyspace backs the marker keyspace with redis, for deployments
// running more than one engine instance. SET NX carries the atomicity;
// redis expires the keys itself.
type RedisKeyspace struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to redis and verifies the connection.
func NewRedis(ctx context.Context, addr, prefix string) (*RedisKeyspace, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return &RedisKeyspace{client: client, prefix: prefix}, nil
}

func (r *RedisKeyspace) key(k string) string {
	return r.prefix + k
}

// Acquire sets key to value with SET NX, returning the holder on loss.
func (r *RedisKeyspace) Acquire(ctx context.Context, key, value string, ttl time.Duration) (string, bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), value, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquiring marker: %w", err)
	}
	if ok {
		return value, true, nil
	}

	held, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		// Expired between SetNX and Get; treat as contended, the caller
		// retries or returns the stale handle.
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading marker: %w", err)
	}
	return held, false, nil
}

// Release deletes the key when it still holds value.
func (r *RedisKeyspace) Release(ctx context.Context, key, value string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, value).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("releasing marker: %w", err)
	}
	return nil
}

// Get returns the live value for key.
func (r *RedisKeyspace) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading marker: %w", err)
	}
	return val, true, nil
}

// Close closes the redis client.
func (r *RedisKeyspace) Close() error {
	return r.client.Close()
}
