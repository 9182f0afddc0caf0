package repositories

import (
	"context"

	"github.com/satriahrh/djsync/server/domain/entities"
)

// DeviceEventType enumerates the callbacks a playback device raises.
type DeviceEventType string

const (
	DeviceEventMetadata DeviceEventType = "metadata"
	DeviceEventPlay     DeviceEventType = "play"
	DeviceEventPause    DeviceEventType = "pause"
	DeviceEventSeeked   DeviceEventType = "seeked"
	DeviceEventEnded    DeviceEventType = "ended"
	DeviceEventError    DeviceEventType = "error"
)

// DeviceEvent is a callback from the playback device. Origin echoes the origin
// of the call that caused it, or OriginDevice when the device acted on its own
// or cannot tell.
type DeviceEvent struct {
	Type            DeviceEventType
	Origin          entities.Origin
	PositionSeconds float64
	DurationSeconds float64
	ErrorKind       entities.ErrorKind
	Reason          string
}

// PlaybackDevice abstracts a native media element. Implementations deliver
// callbacks on Events(); they must never call back into the caller directly.
type PlaybackDevice interface {
	Load(ctx context.Context, url string, origin entities.Origin) error
	// Play may fail asynchronously (autoplay policy, decode error); a returned
	// error means playback did not start.
	Play(ctx context.Context, origin entities.Origin) error
	Pause(ctx context.Context, origin entities.Origin) error
	Seek(ctx context.Context, positionSeconds float64, origin entities.Origin) error
	SetVolume(ctx context.Context, percent int, muted bool) error

	PositionSeconds() float64
	DurationSeconds() float64
	Paused() bool

	Events() <-chan DeviceEvent
	// Release drops the loaded source. The device holds no source reference afterwards.
	Release() error
}
