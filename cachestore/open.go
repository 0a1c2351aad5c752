package cachestore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

type Options struct {
	Backend       string
	Dir           string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// New opens the store selected by opts.Backend.
func New(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(opts.Dir)
	case BackendBolt, "":
		return NewBoltStore(filepath.Join(opts.Dir, "cache.db"))
	case BackendRedis:
		return NewRedisStore(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unsupported cache backend %q", opts.Backend)
	}
}
