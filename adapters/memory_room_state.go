package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/domain/repositories"
)

// MemoryRoomStateRepository keeps room states in process memory. State is lost
// on restart, which is fine for a single relay instance.
type MemoryRoomStateRepository struct {
	mu     sync.RWMutex
	states map[string]*entities.RoomState
}

var _ repositories.RoomStateRepository = (*MemoryRoomStateRepository)(nil)

// NewMemoryRoomStateRepository creates an empty repository
func NewMemoryRoomStateRepository() *MemoryRoomStateRepository {
	return &MemoryRoomStateRepository{
		states: make(map[string]*entities.RoomState),
	}
}

// Save implements RoomStateRepository interface
func (m *MemoryRoomStateRepository) Save(ctx context.Context, state *entities.RoomState) error {
	if state == nil {
		return errors.New("room state cannot be nil")
	}
	if err := state.Validate(); err != nil {
		return err
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *state
	m.states[state.RoomID] = &stored
	return nil
}

// GetByRoomID implements RoomStateRepository interface
func (m *MemoryRoomStateRepository) GetByRoomID(ctx context.Context, roomID string) (*entities.RoomState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, exists := m.states[roomID]
	if !exists {
		return nil, nil
	}

	// Return a copy so callers cannot mutate the stored state
	result := *state
	return &result, nil
}

// Delete implements RoomStateRepository interface
func (m *MemoryRoomStateRepository) Delete(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, roomID)
	return nil
}

// DeleteIdle implements RoomStateRepository interface
func (m *MemoryRoomStateRepository) DeleteIdle(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, state := range m.states {
		if state.UpdatedAt.Before(cutoff) {
			delete(m.states, id)
			removed++
		}
	}
	return removed, nil
}

// Count returns the number of stored rooms.
func (m *MemoryRoomStateRepository) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
