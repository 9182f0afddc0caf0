// Package protocol defines the events exchanged between sync clients and the
// relay, and converts them to and from playback snapshots. It is the only place
// where wire units are converted; everything inside the module uses seconds.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names.
const (
	EventPlay          = "audio:play"
	EventPause         = "audio:pause"
	EventSeek          = "audio:seek"
	EventTrackChange   = "audio:track-change"
	EventVolume        = "audio:volume"
	EventPlaybackState = "playback-state"

	EventRoomUsers     = "room:users"
	EventJoined        = "joined"
	EventLeft          = "left"
	EventPlaybackQuery = "playback:query"

	EventAuthorityClaim   = "authority:claim"
	EventAuthorityRenew   = "authority:renew"
	EventAuthorityRelease = "authority:release"
	EventAuthorityGranted = "authority:granted"
	EventAuthorityDenied  = "authority:denied"
	EventRoomAuthority    = "room:authority"

	EventTimePing = "time:ping"
	EventTimePong = "time:pong"

	EventError = "error"
)

// IsCommand reports whether event is a DJ transport command. Only the
// authority holder may send these.
func IsCommand(event string) bool {
	switch event {
	case EventPlay, EventPause, EventSeek, EventTrackChange, EventVolume, EventPlaybackState:
		return true
	default:
		return false
	}
}

// Envelope is the frame every event travels in.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal wraps payload in an envelope.
func Marshal(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// Unmarshal parses an envelope.
func Unmarshal(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("invalid envelope: missing event")
	}
	return env, nil
}

// PlayPause is the payload of audio:play and audio:pause. Position is optional;
// when omitted the receiver uses its own estimate.
type PlayPause struct {
	TimestampMs int64    `json:"timestampMs"`
	Position    *float64 `json:"position,omitempty"`
}

// Seek is the payload of audio:seek.
type Seek struct {
	Position    float64 `json:"position"`
	TimestampMs int64   `json:"timestampMs"`
}

// TrackChange is the payload of audio:track-change.
type TrackChange struct {
	TrackID     string   `json:"trackId"`
	TrackURL    string   `json:"trackUrl"`
	TrackTitle  string   `json:"trackTitle,omitempty"`
	TrackArtist string   `json:"trackArtist,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
	DurationMs  *int64   `json:"durationMs,omitempty"`
	IsPlaying   *bool    `json:"isPlaying,omitempty"`
	TimestampMs int64    `json:"timestampMs"`
}

// Volume is the payload of audio:volume.
type Volume struct {
	Volume         int   `json:"volume"`
	Muted          bool  `json:"muted"`
	PreviousVolume *int  `json:"previousVolume,omitempty"`
	TimestampMs    int64 `json:"timestampMs"`
}

// PlaybackState is the full-state payload, sent on join and after track changes.
type PlaybackState struct {
	Room        string   `json:"room,omitempty"`
	Position    float64  `json:"position"`
	IsPlaying   bool     `json:"isPlaying"`
	TrackURL    string   `json:"trackUrl"`
	TrackID     string   `json:"trackId,omitempty"`
	TrackTitle  string   `json:"trackTitle,omitempty"`
	TrackArtist string   `json:"trackArtist,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`
	DurationMs  *int64   `json:"durationMs,omitempty"`
	Volume      *int     `json:"volume,omitempty"`
	Muted       *bool    `json:"muted,omitempty"`
	TimestampMs int64    `json:"timestampMs"`
}

// User identifies a room member.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RoomUsers is sent to a joiner with the current membership.
type RoomUsers struct {
	Users []User `json:"users"`
}

// Membership is the payload of joined and left.
type Membership struct {
	User User `json:"user"`
}

// AuthorityRenew carries the lease token on renew and release.
type AuthorityRenew struct {
	Token string `json:"token"`
}

// AuthorityGranted answers a successful claim or renew. State is the last
// authoritative playback state the relay holds, if any.
type AuthorityGranted struct {
	Token       string         `json:"token"`
	ExpiresAtMs int64          `json:"expiresAtMs"`
	State       *PlaybackState `json:"state,omitempty"`
}

// AuthorityDenied answers a claim while another member holds the lease.
type AuthorityDenied struct {
	Holder string `json:"holder"`
}

// RoomAuthority tells members who controls playback.
type RoomAuthority struct {
	Status string `json:"status"`
	Holder string `json:"holder,omitempty"`
}

// TimePing starts a clock-offset sample.
type TimePing struct {
	ClientMs int64 `json:"clientMs"`
}

// TimePong answers a ping with the relay's clock.
type TimePong struct {
	ClientMs int64 `json:"clientMs"`
	ServerMs int64 `json:"serverMs"`
}

// Codes carried by Error.
const (
	ErrorInvalidMessage = "invalid_message"
	ErrorNotAuthority   = "not_authority"
	ErrorStale          = "stale"
)

// Error is sent by the relay when it rejects an event.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
