package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/satriahrh/djsync/server/internal/protocol"
)

// Error codes sent in protocol.Error payloads
const (
	ErrorCodeInvalidMessage = protocol.ErrorInvalidMessage
	ErrorCodeNotAuthority   = protocol.ErrorNotAuthority
	ErrorCodeStale          = protocol.ErrorStale
)

// inboundEvents lists what a member may send to the relay
var inboundEvents = map[string]bool{
	protocol.EventPlay:             true,
	protocol.EventPause:            true,
	protocol.EventSeek:             true,
	protocol.EventTrackChange:      true,
	protocol.EventVolume:           true,
	protocol.EventPlaybackState:    true,
	protocol.EventPlaybackQuery:    true,
	protocol.EventAuthorityClaim:   true,
	protocol.EventAuthorityRenew:   true,
	protocol.EventAuthorityRelease: true,
	protocol.EventTimePing:         true,
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage parses an inbound frame and checks that the event is one a
// member may send, with a well-formed payload.
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (protocol.Envelope, error) {
	env, err := protocol.Unmarshal(messageBytes)
	if err != nil {
		return protocol.Envelope{}, err
	}

	if !inboundEvents[env.Event] {
		return protocol.Envelope{}, fmt.Errorf("unsupported event: %s", env.Event)
	}

	switch {
	case protocol.IsCommand(env.Event):
		if _, _, err := protocol.Decode(env.Event, env.Data, protocol.Base{}); err != nil {
			return protocol.Envelope{}, err
		}

	case env.Event == protocol.EventTimePing:
		var ping protocol.TimePing
		if err := decodeData(env, &ping); err != nil {
			return protocol.Envelope{}, err
		}
		if ping.ClientMs <= 0 {
			return protocol.Envelope{}, fmt.Errorf("clientMs is required")
		}

	case env.Event == protocol.EventAuthorityRenew || env.Event == protocol.EventAuthorityRelease:
		var renew protocol.AuthorityRenew
		if err := decodeData(env, &renew); err != nil {
			return protocol.Envelope{}, err
		}
		if renew.Token == "" {
			return protocol.Envelope{}, fmt.Errorf("token is required")
		}
	}

	return env, nil
}

// CreateErrorMessage creates a standardized error frame
func CreateErrorMessage(code, message string) []byte {
	frame, _ := protocol.Marshal(protocol.EventError, protocol.Error{Code: code, Message: message})
	return frame
}

func decodeData(env protocol.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%s requires data", env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("invalid %s data: %w", env.Event, err)
	}
	return nil
}
