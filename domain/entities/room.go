package entities

import (
	"errors"
	"time"
)

// AuthorityStatus describes who controls playback in a room.
type AuthorityStatus string

const (
	// AuthorityHeld means a connected DJ holds the lease.
	AuthorityHeld AuthorityStatus = "held"
	// AuthorityPlayingNoHost means the DJ is away but the last state is playing.
	AuthorityPlayingNoHost AuthorityStatus = "playing_no_host"
	// AuthorityControlAvailable means nobody holds the lease and nothing plays.
	AuthorityControlAvailable AuthorityStatus = "control_available"
)

// Lease is the single-writer token for DJ authority in a room.
type Lease struct {
	RoomID    string    `json:"room_id" bson:"room_id"`
	HolderID  string    `json:"holder_id" bson:"holder_id"`
	Token     string    `json:"token" bson:"token"`
	ExpiresAt time.Time `json:"expires_at" bson:"expires_at"`
}

// Valid reports whether the lease is still in force at now.
func (l *Lease) Valid(now time.Time) bool {
	return l != nil && now.Before(l.ExpiresAt)
}

// HeldBy reports whether memberID holds a valid lease at now.
func (l *Lease) HeldBy(memberID string, now time.Time) bool {
	return l.Valid(now) && l.HolderID == memberID
}

// RoomState is the last authoritative playback state the relay has seen.
type RoomState struct {
	RoomID    string           `json:"room_id" bson:"_id"`
	Snapshot  PlaybackSnapshot `json:"snapshot" bson:"snapshot"`
	HolderID  string           `json:"holder_id,omitempty" bson:"holder_id,omitempty"`
	UpdatedAt time.Time        `json:"updated_at" bson:"updated_at"`
}

// NewRoomState creates an empty state for a room.
func NewRoomState(roomID string) *RoomState {
	return &RoomState{
		RoomID:    roomID,
		UpdatedAt: time.Now(),
	}
}

// Accept records snapshot if it is not older than the stored one for the same
// track. It returns false when the snapshot is stale.
func (r *RoomState) Accept(s PlaybackSnapshot, holderID string) bool {
	if s.TrackURL == r.Snapshot.TrackURL && s.EventTimestampMs < r.Snapshot.EventTimestampMs {
		return false
	}
	s.Normalize()
	r.Snapshot = s
	r.HolderID = holderID
	r.UpdatedAt = time.Now()
	return true
}

// AcceptVolume records the volume fields of s without touching the position
// baseline or its timestamp.
func (r *RoomState) AcceptVolume(s PlaybackSnapshot, holderID string) {
	r.Snapshot.VolumePercent = s.VolumePercent
	r.Snapshot.IsMuted = s.IsMuted
	r.Snapshot.PreviousVolumePercent = s.PreviousVolumePercent
	r.Snapshot.Normalize()
	r.HolderID = holderID
	r.UpdatedAt = time.Now()
}

// IsIdle reports whether the room has seen no update for ttl.
func (r *RoomState) IsIdle(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.UpdatedAt) > ttl
}

// Validate validates the room state.
func (r *RoomState) Validate() error {
	if r.RoomID == "" {
		return errors.New("room_id is required")
	}
	if r.Snapshot.TrackURL == "" && r.Snapshot.IsPlaying {
		return errors.New("a room without a track cannot be playing")
	}
	return nil
}
