// Package redisstore is a durable store.Storage backed by plain Redis
// GET/SET/DEL against a single non-cluster node.
package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Store is a Redis-backed store.Storage.
type Store struct {
	client *redis.Client
	log    *logrus.Entry
}

// New parses redisURI (redis://[user:pass@]host:port/db) and connects.
func New(ctx context.Context, redisURI string) (*Store, error) {
	log := logrus.WithField("prefix", "redisstore.Store")

	opts, err := redis.ParseURL(redisURI)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse uri: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping: %w", err)
	}

	log.Info("connected")
	return &Store{client: client, log: log}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) GetItem(ctx context.Context, key, def string) (string, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return "", fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetItem(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) RemoveItem(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redisstore: remove %s: %w", key, err)
	}
	return nil
}
