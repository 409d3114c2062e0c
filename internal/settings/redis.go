package settings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultKeyPrefix = "fluxsweep:settings:"

// RedisOptions configures RedisBackend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	Logger   *zap.Logger
}

// RedisBackend stores one key per user in Redis.
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend connects and pings the server before returning.
func NewRedisBackend(opts RedisOptions) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger = logger.With(zap.String("component", "settings"))
	logger.Debug("redis settings store connected", zap.String("addr", opts.Addr), zap.Int("db", opts.DB))
	return &RedisBackend{client: client, prefix: prefix, logger: logger}, nil
}

func (r *RedisBackend) Load(ctx context.Context, userID string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+userID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (r *RedisBackend) Save(ctx context.Context, userID string, data []byte) error {
	return r.client.Set(ctx, r.prefix+userID, data, 0).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, userID string) error {
	return r.client.Del(ctx, r.prefix+userID).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
