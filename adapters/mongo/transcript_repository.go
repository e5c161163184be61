package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/satriahrh/voxbridge/domain/entities"
	"github.com/satriahrh/voxbridge/domain/repositories"
)

const transcriptCollection = "transcripts"

type TranscriptRepository struct {
	collection *mongo.Collection
}

// NewTranscriptRepository creates a new MongoDB transcript repository
func NewTranscriptRepository(db *mongo.Database) *TranscriptRepository {
	return &TranscriptRepository{
		collection: db.Collection(transcriptCollection),
	}
}

var _ repositories.TranscriptRepository = (*TranscriptRepository)(nil)

// EnsureIndexes creates the session_id lookup index
func (r *TranscriptRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create transcript index: %w", err)
	}
	return nil
}

// Save implements repositories.TranscriptRepository
func (r *TranscriptRepository) Save(ctx context.Context, record *entities.TranscriptRecord) error {
	if record == nil {
		return errors.New("transcript cannot be nil")
	}
	if record.SessionID == "" {
		return errors.New("session ID cannot be empty")
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now()
	}

	result, err := r.collection.InsertOne(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to save transcript: %w", err)
	}

	// Set the generated ID back to the record
	if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
		record.ID = oid
	}
	return nil
}

// GetBySessionID implements repositories.TranscriptRepository
func (r *TranscriptRepository) GetBySessionID(ctx context.Context, sessionID string) (*entities.TranscriptRecord, error) {
	if sessionID == "" {
		return nil, errors.New("session ID cannot be empty")
	}

	var record entities.TranscriptRecord
	err := r.collection.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&record)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // No transcript yet
		}
		return nil, fmt.Errorf("failed to get transcript for session %s: %w", sessionID, err)
	}
	return &record, nil
}
