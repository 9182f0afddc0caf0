package repositories

import (
	"context"
	"time"

	"github.com/satriahrh/djsync/server/domain/entities"
)

// RoomStateRepository stores the last authoritative playback state per room.
type RoomStateRepository interface {
	Save(ctx context.Context, state *entities.RoomState) error
	// GetByRoomID returns (nil, nil) when the room has no stored state.
	GetByRoomID(ctx context.Context, roomID string) (*entities.RoomState, error)
	Delete(ctx context.Context, roomID string) error
	// DeleteIdle removes rooms not updated since before cutoff and returns how many.
	DeleteIdle(ctx context.Context, cutoff time.Time) (int, error)
}
