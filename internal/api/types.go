package api

import (
	"time"

	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/internal/protocol"
)

// TokenRequest represents the request payload for joining a room
type TokenRequest struct {
	MemberID string `json:"member_id,omitempty"`
	Name     string `json:"name"`
}

// TokenResponse represents the response payload for joining a room
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	MemberID  string    `json:"member_id"`
	Room      string    `json:"room"`
}

// RoomStateResponse describes a room for late joiners and dashboards
type RoomStateResponse struct {
	Room      string                   `json:"room"`
	Authority entities.AuthorityStatus `json:"authority"`
	Members   []protocol.User          `json:"members"`
	State     *protocol.PlaybackState  `json:"state,omitempty"`
	UpdatedAt *time.Time               `json:"updated_at,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
