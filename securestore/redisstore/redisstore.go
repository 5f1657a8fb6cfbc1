// Package redisstore is a securestore.Store backed by Redis, for headless
// or shared deployments where the platform keyring is unavailable.
// Encryption at rest is delegated to the Redis deployment.
package redisstore

import (
	"context"

	"github.com/joeshaw/envdecode"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/moodesky/atproto-auth/securestore"
)

var _ securestore.Store = (*Store)(nil)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: AUTH_REDIS_ADDR
	RedisAddr string `env:"AUTH_REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: AUTH_REDIS_KEY_PREFIX
	KeyPrefix string `env:"AUTH_REDIS_KEY_PREFIX,default=atproto:auth:"`
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, errors.Wrap(err, "redis ping")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "atproto:auth:"
	}
	return &Store{client: client, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "redisstore config")
	}
	return New(cfg)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, securestore.ErrKeyNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	return value, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.keyPrefix+key, value, 0).Err(); err != nil {
		return errors.Wrap(err, "redis set")
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return errors.Wrap(err, "redis del")
	}
	return nil
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.keyPrefix+prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(s.keyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis scan")
	}
	return keys, nil
}
