package entities

import "fmt"

// ErrorKind classifies playback failures.
type ErrorKind string

const (
	ErrorEmptySource           ErrorKind = "empty_source"
	ErrorInvalidSource         ErrorKind = "invalid_source"
	ErrorDecode                ErrorKind = "decode_error"
	ErrorNetwork               ErrorKind = "network_error"
	ErrorTransportDisconnected ErrorKind = "transport_disconnected"
	ErrorPlayRejected          ErrorKind = "play_rejected"
)

// Fatal reports whether the error ends the current track. Fatal errors move
// the authority into the error state and require an explicit track load.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrorEmptySource, ErrorInvalidSource, ErrorDecode, ErrorNetwork:
		return true
	default:
		return false
	}
}

// PlaybackError carries enough context for a caller to render a message.
type PlaybackError struct {
	Kind     ErrorKind `json:"kind"`
	TrackURL string    `json:"track_url,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

func (e *PlaybackError) Error() string {
	if e.TrackURL == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.TrackURL, e.Reason)
}

// NewPlaybackError builds a PlaybackError.
func NewPlaybackError(kind ErrorKind, trackURL, reason string) *PlaybackError {
	return &PlaybackError{Kind: kind, TrackURL: trackURL, Reason: reason}
}
