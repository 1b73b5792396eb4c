// Package store provides the key/value stores that back task metadata.
// Every adapter satisfies the same contract: Set then Get returns the exact
// value (empty string included), Delete of a missing key is a no-op and
// Exists reflects the latest Set or Delete.
package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("store: key not found")

type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// CompareAndSwap stores value when the current value equals old.
	// An empty old matches a missing key only.
	CompareAndSwap(ctx context.Context, key, old, value string) (bool, error)
	Close() error
}

type Config struct {
	Driver    string `yaml:"driver"`
	Dir       string `yaml:"dir"`
	RedisAddr string `yaml:"redis_addr"`
	Prefix    string `yaml:"prefix"`
	DSN       string `yaml:"dsn"`
}

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		return NewFileStore(cfg.Dir)
	case "redis":
		return NewRedisStore(ctx, cfg.RedisAddr, cfg.Prefix)
	case "postgres", "sqlite":
		s, err := NewDBStore(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}

func hashKey(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}
