package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"mailgateway/internal/domain"
)

// Stream provides database operations for one stream of messages.
type Stream struct {
	stream domain.Stream
	coll   *mongo.Collection
	now    func() time.Time
}

func NewStream(s domain.Stream, coll *mongo.Collection) *Stream {
	return &Stream{stream: s, coll: coll, now: time.Now}
}

// Save upserts the full record. An empty id is replaced with a new ULID and
// written back to m.
func (s *Stream) Save(ctx context.Context, m *domain.EmailMessage) (string, error) {
	if m.ID == "" {
		m.ID = ulid.Make().String()
	}
	doc := ToDocument(m)
	doc.CreatedAt = s.now().UTC()

	filter := bson.D{{Key: "_id", Value: doc.ID}, {Key: "partitionKey", Value: doc.PartitionKey}}
	_, err := s.coll.ReplaceOne(ctx, filter, doc, options.Replace().SetUpsert(true))
	if err != nil {
		slog.Error("failed to save message", "stream", s.stream, "id", doc.ID, "error", err)
		return "", fmt.Errorf("saving %s message %s: %w", s.stream, doc.ID, err)
	}
	slog.Debug("message saved", "stream", s.stream, "id", doc.ID)
	return doc.ID, nil
}

// GetByID returns nil without error when no record has the id.
func (s *Stream) GetByID(ctx context.Context, id string) (*domain.EmailMessage, error) {
	var doc Document
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		slog.Info("message not found", "stream", s.stream, "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("failed to get message", "stream", s.stream, "id", id, "error", err)
		return nil, fmt.Errorf("getting %s message %s: %w", s.stream, id, err)
	}
	return ToMessage(&doc), nil
}

// GetPage counts the stream, then reads one page ordered newest first. The
// two reads are not transactional, so a concurrent write can make the count
// and the items disagree by that write.
func (s *Stream) GetPage(ctx context.Context, req domain.PageRequest) (*domain.Page[*domain.EmailMessage], error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	total, err := s.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		slog.Error("failed to count messages", "stream", s.stream, "error", err)
		return nil, fmt.Errorf("counting %s messages: %w", s.stream, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Past the end: nothing to read.
	if req.Skip() >= total {
		return domain.NewPage[*domain.EmailMessage](req, nil, total), nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "sentAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(req.Skip()).
		SetLimit(int64(req.PageSize))

	cursor, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		slog.Error("failed to query page", "stream", s.stream, "page", req.Page, "error", err)
		return nil, fmt.Errorf("querying %s page %d: %w", s.stream, req.Page, err)
	}
	defer cursor.Close(ctx)

	var docs []*Document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding %s page %d: %w", s.stream, req.Page, err)
	}

	items := make([]*domain.EmailMessage, 0, len(docs))
	for _, d := range docs {
		items = append(items, ToMessage(d))
	}
	return domain.NewPage(req, items, total), nil
}

// DeleteByID looks the record up to learn its partition key, then deletes
// it. It reports false when no record has the id.
func (s *Stream) DeleteByID(ctx context.Context, id string) (bool, error) {
	var doc Document
	lookup := options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "partitionKey", Value: 1}})
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}, lookup).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		slog.Info("delete of unknown message", "stream", s.stream, "id", id)
		return false, nil
	}
	if err != nil {
		slog.Error("failed to look up message for delete", "stream", s.stream, "id", id, "error", err)
		return false, fmt.Errorf("looking up %s message %s: %w", s.stream, id, err)
	}

	res, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: doc.ID}, {Key: "partitionKey", Value: doc.PartitionKey}})
	if err != nil {
		slog.Error("failed to delete message", "stream", s.stream, "id", id, "error", err)
		return false, fmt.Errorf("deleting %s message %s: %w", s.stream, id, err)
	}
	return res.DeletedCount > 0, nil
}

// DeleteAll removes every record one at a time and returns how many were
// deleted. It is not atomic: on error or cancellation the records already
// deleted stay deleted.
func (s *Stream) DeleteAll(ctx context.Context) (int64, error) {
	opts := options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}, {Key: "partitionKey", Value: 1}})
	cursor, err := s.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		slog.Error("failed to enumerate messages", "stream", s.stream, "error", err)
		return 0, fmt.Errorf("enumerating %s messages: %w", s.stream, err)
	}
	defer cursor.Close(ctx)

	var deleted int64
	for cursor.Next(ctx) {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		var key struct {
			ID           string `bson:"_id"`
			PartitionKey string `bson:"partitionKey"`
		}
		if err := cursor.Decode(&key); err != nil {
			return deleted, fmt.Errorf("decoding %s key: %w", s.stream, err)
		}
		res, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: key.ID}, {Key: "partitionKey", Value: key.PartitionKey}})
		if err != nil {
			slog.Error("failed to delete message", "stream", s.stream, "id", key.ID, "error", err)
			return deleted, fmt.Errorf("deleting %s message %s: %w", s.stream, key.ID, err)
		}
		deleted += res.DeletedCount
	}
	if err := cursor.Err(); err != nil {
		return deleted, fmt.Errorf("enumerating %s messages: %w", s.stream, err)
	}

	slog.Info("stream cleared", "stream", s.stream, "deleted", deleted)
	return deleted, nil
}

func (s *Stream) Count(ctx context.Context) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("counting %s messages: %w", s.stream, err)
	}
	return n, nil
}
