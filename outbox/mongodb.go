package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/busguard/busguard"
	"github.com/busguard/busguard/lifecycle"
)

// MongoStore implements Store on a MongoDB collection.
//
// The duplicate-id invariant rides the _id unique index; the optimistic
// version check rides a FindOneAndUpdate filtered on {_id, version} with a
// $inc on version, so both are single round trips.
type MongoStore struct {
	coll *mongo.Collection
}

// mongoMessage is the BSON document shape.
type mongoMessage struct {
	ID          string            `bson:"_id"`
	Payload     []byte            `bson:"payload"`
	MessageType string            `bson:"message_type"`
	RoutingKey  string            `bson:"routing_key"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
	Status      string            `bson:"status"`
	CreatedAt   time.Time         `bson:"created_at"`
	LastSendAt  time.Time         `bson:"last_send_at,omitempty"`
	LastError   string            `bson:"last_error,omitempty"`
	RetryCount  int               `bson:"retry_count"`
	NextRetryAt *time.Time        `bson:"next_retry_at,omitempty"`
	Version     int64             `bson:"version"`
}

func toMongo(m *Message) mongoMessage {
	return mongoMessage{
		ID:          m.ID,
		Payload:     m.Payload,
		MessageType: m.MessageType,
		RoutingKey:  m.RoutingKey,
		Metadata:    m.Metadata,
		Status:      string(m.Status),
		CreatedAt:   m.CreatedAt,
		LastSendAt:  m.LastSendAt,
		LastError:   m.LastError,
		RetryCount:  m.RetryCount,
		NextRetryAt: m.NextRetryAt,
		Version:     m.Version,
	}
}

func (d mongoMessage) toMessage() *Message {
	return &Message{
		ID:          d.ID,
		Payload:     d.Payload,
		MessageType: d.MessageType,
		RoutingKey:  d.RoutingKey,
		Metadata:    d.Metadata,
		Status:      lifecycle.Status(d.Status),
		CreatedAt:   d.CreatedAt,
		LastSendAt:  d.LastSendAt,
		LastError:   d.LastError,
		RetryCount:  d.RetryCount,
		NextRetryAt: d.NextRetryAt,
		Version:     d.Version,
	}
}

// NewMongoStore creates a store over the given collection.
func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureIndexes creates the supporting indexes. Safe to call repeatedly.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_send_at", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("ensure outbox indexes: %w", err)
	}
	return nil
}

// Insert adds a new document.
func (s *MongoStore) Insert(ctx context.Context, msg *Message) error {
	_, err := s.coll.InsertOne(ctx, toMongo(msg))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return busguard.ErrDuplicateID
		}
		return fmt.Errorf("insert outbox document: %w", err)
	}
	return nil
}

// Get fetches a document by id.
func (s *MongoStore) Get(ctx context.Context, id string) (*Message, error) {
	var doc mongoMessage
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, busguard.ErrNotFound
		}
		return nil, fmt.Errorf("get outbox document: %w", err)
	}
	return doc.toMessage(), nil
}

// Update writes the document under an optimistic version check.
func (s *MongoStore) Update(ctx context.Context, msg *Message) error {
	update := bson.M{
		"$set": bson.M{
			"payload":       msg.Payload,
			"message_type":  msg.MessageType,
			"routing_key":   msg.RoutingKey,
			"metadata":      msg.Metadata,
			"status":        string(msg.Status),
			"last_send_at":  msg.LastSendAt,
			"last_error":    msg.LastError,
			"retry_count":   msg.RetryCount,
			"next_retry_at": msg.NextRetryAt,
		},
		"$inc": bson.M{"version": int64(1)},
	}
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": msg.ID, "version": msg.Version}, update).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Version mismatch or the document is gone; distinguish them.
			n, countErr := s.coll.CountDocuments(ctx, bson.M{"_id": msg.ID})
			if countErr != nil {
				return fmt.Errorf("update outbox document: %w", countErr)
			}
			if n == 0 {
				return busguard.ErrNotFound
			}
			return busguard.ErrVersionConflict
		}
		return fmt.Errorf("update outbox document: %w", err)
	}
	msg.Version++
	return nil
}

// FetchPending returns new documents, oldest first.
func (s *MongoStore) FetchPending(ctx context.Context, limit int) ([]*Message, error) {
	return s.find(ctx, bson.M{"status": string(lifecycle.StatusNew)}, limit)
}

// FetchRetryDue returns failed documents whose retry time has elapsed.
func (s *MongoStore) FetchRetryDue(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	return s.find(ctx, bson.M{
		"status":        string(lifecycle.StatusFailed),
		"next_retry_at": bson.M{"$lte": now},
	}, limit)
}

// FetchStaleProcessing returns processing documents orphaned before the
// given time.
func (s *MongoStore) FetchStaleProcessing(ctx context.Context, before time.Time, limit int) ([]*Message, error) {
	return s.find(ctx, bson.M{
		"status":       string(lifecycle.StatusProcessing),
		"last_send_at": bson.M{"$lt": before},
	}, limit)
}

// CountProcessed returns the number of processed documents.
func (s *MongoStore) CountProcessed(ctx context.Context) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, bson.M{"status": string(lifecycle.StatusProcessed)})
	if err != nil {
		return 0, fmt.Errorf("count processed: %w", err)
	}
	return n, nil
}

// FetchProcessedExcess returns processed documents beyond the newest keep
// documents, oldest first.
func (s *MongoStore) FetchProcessedExcess(ctx context.Context, keep int64, limit int) ([]*Message, error) {
	total, err := s.CountProcessed(ctx)
	if err != nil {
		return nil, err
	}
	window := excessWindow(total, keep, limit)
	if window == 0 {
		return nil, nil
	}
	return s.find(ctx, bson.M{"status": string(lifecycle.StatusProcessed)}, window)
}

// excessWindow bounds a trim fetch to the oldest rows past the newest keep
// rows. An ascending scan with this limit yields exactly the oldest slice of
// the excess.
func excessWindow(total, keep int64, limit int) int {
	excess := total - keep
	if excess <= 0 {
		return 0
	}
	if int64(limit) < excess {
		return limit
	}
	return int(excess)
}

func expiredFilter(now time.Time, processedRetention, failedRetention time.Duration) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{
			"status":       string(lifecycle.StatusProcessed),
			"last_send_at": bson.M{"$lt": now.Add(-processedRetention)},
		},
		bson.M{
			"status":       string(lifecycle.StatusFailed),
			"last_send_at": bson.M{"$lt": now.Add(-failedRetention)},
		},
	}}
}

// CountExpired returns how many documents are cleanup-eligible by age.
func (s *MongoStore) CountExpired(ctx context.Context, now time.Time, processedRetention, failedRetention time.Duration) (int64, error) {
	n, err := s.coll.CountDocuments(ctx, expiredFilter(now, processedRetention, failedRetention))
	if err != nil {
		return 0, fmt.Errorf("count expired: %w", err)
	}
	return n, nil
}

// FetchExpired returns cleanup-eligible documents, oldest first.
func (s *MongoStore) FetchExpired(ctx context.Context, now time.Time, processedRetention, failedRetention time.Duration, limit int) ([]*Message, error) {
	return s.find(ctx, expiredFilter(now, processedRetention, failedRetention), limit)
}

// Delete removes documents by id.
func (s *MongoStore) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.coll.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, fmt.Errorf("delete outbox documents: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) find(ctx context.Context, filter bson.M, limit int) ([]*Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find outbox documents: %w", err)
	}
	return decodeAll(ctx, cur)
}

func decodeAll(ctx context.Context, cur *mongo.Cursor) ([]*Message, error) {
	defer cur.Close(ctx)
	var out []*Message
	for cur.Next(ctx) {
		var doc mongoMessage
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode outbox document: %w", err)
		}
		out = append(out, doc.toMessage())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox documents: %w", err)
	}
	return out, nil
}

// Compile-time check.
var _ Store = (*MongoStore)(nil)
