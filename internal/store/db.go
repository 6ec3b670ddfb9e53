// Package store persists email records in MongoDB, one collection per
// stream.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"mailgateway/internal/domain"
)

type Options struct {
	URI                string
	Database           string
	SentCollection     string
	ReceivedCollection string
	Timeout            time.Duration
	// ConnectAttempts bounds the initial ping; values below 1 mean 1.
	ConnectAttempts int
}

// Client wraps mongo.Client and hands out one collection per stream.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
	names  map[domain.Stream]string
}

const maxBackoff = 5 * time.Second

// Connect builds the client and pings the primary, backing off between
// attempts. The driver retries individual reads and writes itself; callers
// above this layer never retry.
func Connect(ctx context.Context, o Options) (*Client, error) {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := options.Client().
		ApplyURI(o.URI).
		SetConnectTimeout(timeout).
		SetTimeout(timeout).
		SetRetryReads(true).
		SetRetryWrites(true)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	attempts := max(o.ConnectAttempts, 1)
	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		err = client.Ping(pingCtx, readpref.Primary())
		cancel()
		if err == nil {
			break
		}
		if attempt >= attempts {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("failed to ping MongoDB after %d attempts: %w", attempt, err)
		}
		slog.Warn("mongodb not reachable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			_ = client.Disconnect(context.Background())
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}

	return &Client{
		client: client,
		db:     client.Database(o.Database),
		names: map[domain.Stream]string{
			domain.StreamSent:     o.SentCollection,
			domain.StreamReceived: o.ReceivedCollection,
		},
	}, nil
}

// Collection returns the collection backing a stream.
func (c *Client) Collection(s domain.Stream) *mongo.Collection {
	return c.db.Collection(c.names[s])
}

// Stream returns the persistence service for a stream.
func (c *Client) Stream(s domain.Stream) *Stream {
	return NewStream(s, c.Collection(s))
}

// Ping checks the primary is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes provisions the indexes paging and batch lookups rely on.
// The database and collections are created on first write.
func (c *Client) CreateIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			// Page order: newest first, id as tie-break.
			Keys: bson.D{{Key: "sentAt", Value: -1}, {Key: "_id", Value: -1}},
		},
		{
			Keys: bson.D{{Key: "batchNumber", Value: 1}},
		},
	}
	for _, s := range []domain.Stream{domain.StreamSent, domain.StreamReceived} {
		if _, err := c.Collection(s).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", s, err)
		}
		slog.Info("indexes ensured", "stream", s, "collection", c.names[s])
	}
	return nil
}
