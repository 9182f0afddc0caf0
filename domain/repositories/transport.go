package repositories

import (
	"context"
	"encoding/json"
)

// Handler receives the raw payload of one inbound event.
type Handler func(payload json.RawMessage)

// StatusHandler receives connection state changes.
type StatusHandler func(connected bool)

// Transport is a bidirectional, message-based channel to the rest of the room.
// Delivery is at-most-once; nothing is buffered while disconnected.
type Transport interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	On(event string, handler Handler)
	OnStatus(handler StatusHandler)
	Emit(event string, payload any) error
	Close() error
}
