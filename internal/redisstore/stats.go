package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"mailgateway/internal/domain"
)

// historySize bounds the pass history list.
const historySize = 50

// RecordPass prepends a pass summary to the history and trims it.
func (s *Store) RecordPass(ctx context.Context, r domain.PassResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.LPush(ctx, KeyPassHistory, data)
	pipe.LTrim(ctx, KeyPassHistory, 0, historySize-1)
	pipe.Incr(ctx, KeyPassCount)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentPasses returns up to n summaries, newest first.
func (s *Store) RecentPasses(ctx context.Context, n int) ([]domain.PassResult, error) {
	if n <= 0 {
		return []domain.PassResult{}, nil
	}
	vals, err := s.client.LRange(ctx, KeyPassHistory, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading pass history: %w", err)
	}

	passes := make([]domain.PassResult, 0, len(vals))
	for _, v := range vals {
		var r domain.PassResult
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			slog.Warn("skipping malformed pass record", "error", err)
			continue
		}
		passes = append(passes, r)
	}
	return passes, nil
}

// TotalPasses returns how many passes were ever recorded.
func (s *Store) TotalPasses(ctx context.Context) (int64, error) {
	n, err := s.client.Get(ctx, KeyPassCount).Int64()
	if isNil(err) {
		return 0, nil
	}
	return n, err
}

// TrackedUIDs counts ledger entries across all folders.
func (s *Store) TrackedUIDs(ctx context.Context) (int64, error) {
	var cursor uint64
	var count int64

	for {
		keys, nextCursor, err := s.client.Scan(ctx, cursor, uidPattern, 100).Result()
		if err != nil {
			return 0, err
		}
		count += int64(len(keys))
		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}
	return count, nil
}
