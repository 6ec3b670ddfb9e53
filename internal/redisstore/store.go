// Package redisstore keeps the gateway's short-lived side state in Redis:
// request rate counters, the IMAP UID ledger and recent pass history.
package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	client *redis.Client
	uidTTL time.Duration
}

func New(ctx context.Context, redisURL string, uidTTL time.Duration) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &Store{
		client: client,
		uidTTL: uidTTL,
	}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// IsUIDProcessed reports whether a message from the folder has already been
// persisted in the given UIDVALIDITY epoch.
func (s *Store) IsUIDProcessed(ctx context.Context, folder string, validity, uid uint32) (bool, error) {
	exists, err := s.client.Exists(ctx, uidKey(folder, validity, uid)).Result()
	return exists > 0, err
}

func (s *Store) MarkUIDProcessed(ctx context.Context, folder string, validity, uid uint32) error {
	return s.client.Set(ctx, uidKey(folder, validity, uid), "1", s.uidTTL).Err()
}

// RateLimit counts one event for key and action and reports whether the
// count is still within limit. Every event pushes the window forward.
func (s *Store) RateLimit(ctx context.Context, key string, action string, limit int, window time.Duration) (bool, error) {
	k := rateKey(action, key)

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return false, err
	}

	return incr.Val() <= int64(limit), nil
}
