// Package cache stores encoded layer payloads keyed by tile, layer and
// terrain revision.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend names accepted by New.
const (
	BackendNone   = "none"
	BackendMemory = "memory"
	BackendBadger = "badger"
	BackendRedis  = "redis"
)

// ErrUnknownBackend is returned by New for an unrecognized backend name.
var ErrUnknownBackend = errors.New("unknown cache backend")

// PayloadCache is a byte-oriented cache. Implementations are safe for
// concurrent use.
type PayloadCache interface {
	// Get reports found=false on a miss; err is reserved for backend
	// failures.
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Backend    string
	CapacityMB int

	BadgerDir string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// New opens the configured backend. BackendNone returns a nil cache and
// no error.
func New(cfg Config) (PayloadCache, error) {
	var (
		c   PayloadCache
		err error
	)
	switch cfg.Backend {
	case "", BackendNone:
		return nil, nil
	case BackendMemory:
		c, err = NewMemoryCache(int64(cfg.CapacityMB) << 20)
	case BackendBadger:
		c, err = OpenBadgerCache(cfg.BadgerDir, cfg.TTL)
	case BackendRedis:
		c, err = NewRedisCache(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
