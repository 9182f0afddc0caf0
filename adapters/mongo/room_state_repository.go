package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/domain/repositories"
)

type RoomStateRepository struct {
	collection *mongo.Collection
}

// NewRoomStateRepository creates a new MongoDB room state repository
func NewRoomStateRepository(db *mongo.Database) repositories.RoomStateRepository {
	return &RoomStateRepository{
		collection: db.Collection("room_states"),
	}
}

// Save upserts the state keyed by room ID.
func (r *RoomStateRepository) Save(ctx context.Context, state *entities.RoomState) error {
	if state == nil {
		return errors.New("room state cannot be nil")
	}
	if err := state.Validate(); err != nil {
		return fmt.Errorf("invalid room state: %w", err)
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}

	_, err := r.collection.ReplaceOne(
		ctx,
		bson.M{"_id": state.RoomID},
		state,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to save room state %s: %w", state.RoomID, err)
	}
	return nil
}

// GetByRoomID implements repositories.RoomStateRepository
func (r *RoomStateRepository) GetByRoomID(ctx context.Context, roomID string) (*entities.RoomState, error) {
	if roomID == "" {
		return nil, errors.New("room ID cannot be empty")
	}

	var state entities.RoomState
	err := r.collection.FindOne(ctx, bson.M{"_id": roomID}).Decode(&state)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil // No state stored, return nil without error
		}
		return nil, fmt.Errorf("failed to get room state %s: %w", roomID, err)
	}

	return &state, nil
}

// Delete implements repositories.RoomStateRepository
func (r *RoomStateRepository) Delete(ctx context.Context, roomID string) error {
	if _, err := r.collection.DeleteOne(ctx, bson.M{"_id": roomID}); err != nil {
		return fmt.Errorf("failed to delete room state %s: %w", roomID, err)
	}
	return nil
}

// DeleteIdle implements repositories.RoomStateRepository
func (r *RoomStateRepository) DeleteIdle(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := r.collection.DeleteMany(ctx, bson.M{"updated_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle room states: %w", err)
	}
	return int(result.DeletedCount), nil
}
