package settings

import (
	"context"
	"crypto/tls"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/hitrelay/hitrelay/config"
	"github.com/hitrelay/hitrelay/logger"
)

// RedisStore keeps settings in redis so several relays can share them. Keys
// are namespaced as "<prefix>:<key>".
type RedisStore struct {
	Config config.Config `inject:""`
	Logger logger.Logger `inject:""`

	client redis.UniversalClient
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) Start() error {
	if r.client != nil {
		return nil
	}
	cfg := r.Config.GetSettingsConfig()
	options := &redis.UniversalOptions{
		Addrs:    []string{cfg.RedisHost},
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDatabase,
	}
	if cfg.RedisUseTLS {
		r.Logger.Info().Logf("Using TLS with Redis")
		options.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	r.Logger.Info().WithString("host", cfg.RedisHost).WithString("prefix", cfg.RedisPrefix).Logf("Using Redis settings store")

	r.client = redis.NewUniversalClient(options)
	r.prefix = cfg.RedisPrefix
	return nil
}

func (r *RedisStore) Stop() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

func (r *RedisStore) key(key string) string {
	if r.prefix == "" {
		return key
	}
	return r.prefix + ":" + key
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return v, err
}

func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	return r.client.Set(ctx, r.key(key), value, 0).Err()
}
