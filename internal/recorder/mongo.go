package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/ent0n29/divevoice/internal/transcript"
)

const mongoCollection = "voice_session_entries"

// MongoStore persists entries as documents.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// ConnectMongo dials uri and returns a store on database dbName.
func ConnectMongo(ctx context.Context, uri, dbName string, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	s := &MongoStore{
		client:     client,
		collection: client.Database(dbName).Collection(mongoCollection),
		logger:     logger,
	}
	_, err = s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "subject_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		logger.Warn("failed to create session entry index", zap.Error(err))
	}
	logger.Info("connected to mongodb", zap.String("database", dbName))
	return s, nil
}

func (s *MongoStore) CreatePendingEntry(ctx context.Context, subjectID string) (string, error) {
	e := Entry{
		ID:         uuid.NewString(),
		SubjectID:  subjectID,
		Status:     StatusPending,
		Transcript: []transcript.Message{},
		CreatedAt:  time.Now().UTC(),
	}
	if _, err := s.collection.InsertOne(ctx, e); err != nil {
		return "", fmt.Errorf("create pending entry: %w", err)
	}
	return e.ID, nil
}

func (s *MongoStore) FinalizeEntry(ctx context.Context, entryID string, result Result) error {
	if !validFinal(result.Status) {
		return ErrInvalidStatus
	}
	msgs := result.Transcript
	if msgs == nil {
		msgs = []transcript.Message{}
	}
	res, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": entryID, "status": StatusPending},
		bson.M{"$set": bson.M{
			"status":       result.Status,
			"transcript":   msgs,
			"pii_redacted": result.PIIRedacted,
			"finalized_at": time.Now().UTC(),
		}},
	)
	if err != nil {
		return fmt.Errorf("finalize entry: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, entryID string) (Entry, error) {
	var e Entry
	err := s.collection.FindOne(ctx, bson.M{"_id": entryID}).Decode(&e)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Entry{}, ErrEntryNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		s.logger.Error("failed to disconnect from mongodb", zap.Error(err))
		return err
	}
	return nil
}
