package settings

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// OpenOptions selects and configures a settings backend.
type OpenOptions struct {
	Backend       string
	Path          string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string
	Logger        *zap.Logger
}

// Open builds the Store for opts.Backend: file, memory, badger or redis.
func Open(opts OpenOptions) (*KeyedStore, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "file":
		if opts.Path == "" {
			return nil, fmt.Errorf("file settings store needs a path")
		}
		return NewStore(NewFileBackend(opts.Path), JSONCodec), nil
	case "memory":
		return NewStore(NewMemoryBackend(), JSONCodec), nil
	case "badger":
		b, err := NewBadgerBackend(BadgerOptions{Dir: opts.Path, Prefix: opts.KeyPrefix, Logger: opts.Logger})
		if err != nil {
			return nil, fmt.Errorf("open badger settings store: %w", err)
		}
		return NewStore(b, MsgpackCodec), nil
	case "redis":
		b, err := NewRedisBackend(RedisOptions{
			Addr:     opts.RedisAddr,
			Password: opts.RedisPassword,
			DB:       opts.RedisDB,
			Prefix:   opts.KeyPrefix,
			Logger:   opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return NewStore(b, MsgpackCodec), nil
	default:
		return nil, fmt.Errorf("unknown settings backend %q", opts.Backend)
	}
}
