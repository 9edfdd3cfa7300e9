package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// release deletes the key only while it still holds our session id, so a
// claim that expired and was taken over is never removed by the old owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures a Redis-backed registry.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces the claim keys.
	KeyPrefix string
	// TTL bounds a claim whose owner died without releasing it.
	TTL time.Duration
}

// Redis shares claims across relay replicas.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("registry: connect redis: %w", err)
	}
	return NewRedisWithClient(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "voice-relay:stream:"
	}
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (r *Redis) key(streamSid string) string { return r.prefix + streamSid }

func (r *Redis) Claim(ctx context.Context, streamSid, sessionID string) error {
	ok, err := r.client.SetNX(ctx, r.key(streamSid), sessionID, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("registry: claim %s: %w", streamSid, err)
	}
	if !ok {
		return ErrClaimed
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, streamSid, sessionID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(streamSid)}, sessionID).Err(); err != nil {
		return fmt.Errorf("registry: release %s: %w", streamSid, err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
