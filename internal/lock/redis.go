package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawlsched/internal/crawler"
)

// releaseScript deletes the lock only if this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisConfig configures the Redis lock manager.
type RedisConfig struct {
	URL    string        `mapstructure:"url"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
	// Retry is the wait between acquisition attempts.
	Retry time.Duration `mapstructure:"retry"`
}

// Redis is a Manager shared by every process pointed at the same server.
// Locks expire after TTL so a crashed holder cannot wedge the cluster.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig

	mu     sync.Mutex
	tokens map[string]string
}

var _ Manager = (*Redis)(nil)

// NewRedis connects to cfg.URL and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, crawler.NewSetupError("redis lock", err)
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, crawler.NewTransientError("redis ping", err)
	}
	return NewRedisWithClient(client, cfg), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "crawlsched:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 50 * time.Millisecond
	}
	return &Redis{client: client, cfg: cfg, tokens: make(map[string]string)}
}

func (r *Redis) lockKey(name string) string { return r.cfg.Prefix + "lock:" + name }
func (r *Redis) dataKey(name string) string { return r.cfg.Prefix + "data:" + name }

// EnterWriteLock implements Manager.
func (r *Redis) EnterWriteLock(ctx context.Context, name string) error {
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, r.lockKey(name), token, r.cfg.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("enter lock %s: %w", name, ctx.Err())
			}
			return crawler.NewTransientError("enter lock "+name, err)
		}
		if ok {
			r.mu.Lock()
			r.tokens[name] = token
			r.mu.Unlock()
			return nil
		}
		t := time.NewTimer(r.cfg.Retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("enter lock %s: %w", name, ctx.Err())
		case <-t.C:
		}
	}
}

// LeaveWriteLock implements Manager.
func (r *Redis) LeaveWriteLock(ctx context.Context, name string) error {
	r.mu.Lock()
	token, ok := r.tokens[name]
	delete(r.tokens, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("leave lock %s: not held", name)
	}
	n, err := releaseScript.Run(ctx, r.client, []string{r.lockKey(name)}, token).Int()
	if err != nil {
		return crawler.NewTransientError("leave lock "+name, err)
	}
	if n == 0 {
		return fmt.Errorf("leave lock %s: lease expired before release", name)
	}
	return nil
}

// ReadData implements Manager.
func (r *Redis) ReadData(ctx context.Context, name string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.dataKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, crawler.NewTransientError("read datum "+name, err)
	}
	return v, nil
}

// WriteData implements Manager.
func (r *Redis) WriteData(ctx context.Context, name string, data []byte) error {
	if err := r.client.Set(ctx, r.dataKey(name), data, 0).Err(); err != nil {
		return crawler.NewTransientError("write datum "+name, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
