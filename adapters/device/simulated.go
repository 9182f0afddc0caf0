// Package device provides playback devices for the sync client.
package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/domain/repositories"
)

const eventBuffer = 64

var ErrNoSource = errors.New("no source loaded")

// DurationFunc resolves the duration of a track. A duration <= 0 means the
// source does not report one.
type DurationFunc func(ctx context.Context, url string) (float64, error)

// Options configures a simulated device.
type Options struct {
	Clock clock.Clock
	// LoadDelay is how long metadata takes to arrive after Load.
	LoadDelay time.Duration
	Duration  DurationFunc
	// EchoOrigin makes callbacks carry the origin of the call that caused
	// them. Without it every callback reports OriginDevice.
	EchoOrigin bool
}

// Simulated is a clock-driven stand-in for a native media element. It keeps a
// virtual playhead, raises metadata, play, pause, seeked and ended callbacks,
// and can be told to reject play like a browser autoplay policy.
type Simulated struct {
	opts   Options
	logger *zap.Logger
	events chan repositories.DeviceEvent

	mu         sync.Mutex
	url        string
	duration   float64
	position   float64
	startedAt  time.Time
	playing    bool
	volume     int
	muted      bool
	rejectPlay bool
	generation int
	endTimer   *clock.Timer
	loadTimer  *clock.Timer

	// Events that must not be lost wait here when the channel is full.
	emitMu     sync.Mutex
	overflow   []repositories.DeviceEvent
	forwarding bool
}

var _ repositories.PlaybackDevice = (*Simulated)(nil)

// NewSimulated creates an empty device.
func NewSimulated(opts Options, logger *zap.Logger) *Simulated {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Duration == nil {
		opts.Duration = func(context.Context, string) (float64, error) { return 0, nil }
	}
	return &Simulated{
		opts:   opts,
		logger: logger,
		events: make(chan repositories.DeviceEvent, eventBuffer),
		volume: entities.DefaultVolume.Percent,
	}
}

// Load replaces the source and resolves its metadata after LoadDelay.
func (d *Simulated) Load(ctx context.Context, url string, origin entities.Origin) error {
	d.mu.Lock()
	d.stopTimersLocked()
	d.generation++
	gen := d.generation
	d.url = url
	d.duration = 0
	d.position = 0
	d.playing = false
	d.mu.Unlock()

	duration, err := d.opts.Duration(ctx, url)
	if err != nil {
		d.emit(repositories.DeviceEvent{
			Type:      repositories.DeviceEventError,
			Origin:    d.origin(origin),
			ErrorKind: entities.ErrorNetwork,
			Reason:    err.Error(),
		})
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if gen != d.generation {
		return nil
	}
	d.loadTimer = d.opts.Clock.AfterFunc(d.opts.LoadDelay, func() {
		d.mu.Lock()
		if gen != d.generation {
			d.mu.Unlock()
			return
		}
		d.duration = duration
		d.mu.Unlock()

		d.emit(repositories.DeviceEvent{
			Type:            repositories.DeviceEventMetadata,
			Origin:          d.origin(origin),
			DurationSeconds: duration,
		})
	})
	return nil
}

// Play starts the playhead. It fails with PlayRejected while rejection is on.
func (d *Simulated) Play(ctx context.Context, origin entities.Origin) error {
	d.mu.Lock()
	if d.url == "" {
		d.mu.Unlock()
		return ErrNoSource
	}
	if d.rejectPlay {
		d.mu.Unlock()
		return entities.NewPlaybackError(entities.ErrorPlayRejected, "", "playback requires a user gesture")
	}
	if d.playing {
		d.mu.Unlock()
		return nil
	}
	d.playing = true
	d.startedAt = d.opts.Clock.Now()
	d.scheduleEndLocked()
	position := d.position
	d.mu.Unlock()

	d.emit(repositories.DeviceEvent{Type: repositories.DeviceEventPlay, Origin: d.origin(origin), PositionSeconds: position})
	return nil
}

// Pause freezes the playhead.
func (d *Simulated) Pause(ctx context.Context, origin entities.Origin) error {
	d.mu.Lock()
	if !d.playing {
		d.mu.Unlock()
		return nil
	}
	d.position = d.positionLocked()
	d.playing = false
	d.stopEndLocked()
	position := d.position
	d.mu.Unlock()

	d.emit(repositories.DeviceEvent{Type: repositories.DeviceEventPause, Origin: d.origin(origin), PositionSeconds: position})
	return nil
}

// Seek moves the playhead.
func (d *Simulated) Seek(ctx context.Context, positionSeconds float64, origin entities.Origin) error {
	d.mu.Lock()
	if d.url == "" {
		d.mu.Unlock()
		return ErrNoSource
	}
	if positionSeconds < 0 {
		positionSeconds = 0
	}
	if d.duration > 0 && positionSeconds > d.duration {
		positionSeconds = d.duration
	}
	d.position = positionSeconds
	if d.playing {
		d.startedAt = d.opts.Clock.Now()
		d.stopEndLocked()
		d.scheduleEndLocked()
	}
	d.mu.Unlock()

	d.emit(repositories.DeviceEvent{Type: repositories.DeviceEventSeeked, Origin: d.origin(origin), PositionSeconds: positionSeconds})
	return nil
}

// SetVolume records the output level.
func (d *Simulated) SetVolume(ctx context.Context, percent int, muted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = entities.ClampVolume(percent)
	d.muted = muted
	return nil
}

// Volume returns the output level.
func (d *Simulated) Volume() entities.Volume {
	d.mu.Lock()
	defer d.mu.Unlock()
	return entities.Volume{Percent: d.volume, Muted: d.muted}
}

// PositionSeconds returns the playhead.
func (d *Simulated) PositionSeconds() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.positionLocked()
}

// DurationSeconds returns the resolved duration, 0 before metadata.
func (d *Simulated) DurationSeconds() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration
}

// Paused reports whether the playhead is stopped.
func (d *Simulated) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.playing
}

// Events delivers device callbacks.
func (d *Simulated) Events() <-chan repositories.DeviceEvent {
	return d.events
}

// Release drops the source.
func (d *Simulated) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimersLocked()
	d.generation++
	d.url = ""
	d.duration = 0
	d.position = 0
	d.playing = false
	return nil
}

// SetRejectPlay makes Play fail the way an autoplay policy does.
func (d *Simulated) SetRejectPlay(reject bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejectPlay = reject
}

// Stall pauses the playhead on the device's own initiative, as buffering does.
func (d *Simulated) Stall() {
	d.Pause(context.Background(), entities.OriginDevice)
}

func (d *Simulated) positionLocked() float64 {
	if !d.playing {
		return d.position
	}
	p := d.position + d.opts.Clock.Since(d.startedAt).Seconds()
	if d.duration > 0 && p > d.duration {
		p = d.duration
	}
	return p
}

func (d *Simulated) scheduleEndLocked() {
	if d.duration <= 0 {
		return
	}
	remaining := time.Duration((d.duration - d.position) * float64(time.Second))
	if remaining < 0 {
		remaining = 0
	}
	gen := d.generation
	d.endTimer = d.opts.Clock.AfterFunc(remaining, func() {
		d.mu.Lock()
		if gen != d.generation || !d.playing {
			d.mu.Unlock()
			return
		}
		d.position = d.duration
		d.playing = false
		position := d.position
		d.mu.Unlock()

		d.emit(repositories.DeviceEvent{Type: repositories.DeviceEventEnded, Origin: entities.OriginDevice, PositionSeconds: position})
	})
}

func (d *Simulated) stopEndLocked() {
	if d.endTimer != nil {
		d.endTimer.Stop()
		d.endTimer = nil
	}
}

func (d *Simulated) stopTimersLocked() {
	d.stopEndLocked()
	if d.loadTimer != nil {
		d.loadTimer.Stop()
		d.loadTimer = nil
	}
}

func (d *Simulated) origin(o entities.Origin) entities.Origin {
	if d.opts.EchoOrigin {
		return o
	}
	return entities.OriginDevice
}

// emit delivers ev without blocking the caller. When the channel is full,
// play, pause and seeked events are dropped; metadata, ended and error events
// are queued in order behind a forwarding goroutine.
func (d *Simulated) emit(ev repositories.DeviceEvent) {
	d.emitMu.Lock()
	defer d.emitMu.Unlock()

	if len(d.overflow) == 0 {
		select {
		case d.events <- ev:
			return
		default:
		}
	}

	if !mustDeliver(ev.Type) {
		d.logger.Warn("Device event dropped", zap.String("event", string(ev.Type)))
		return
	}
	d.overflow = append(d.overflow, ev)
	if !d.forwarding {
		d.forwarding = true
		go d.forward()
	}
}

func (d *Simulated) forward() {
	for {
		d.emitMu.Lock()
		if len(d.overflow) == 0 {
			d.forwarding = false
			d.emitMu.Unlock()
			return
		}
		ev := d.overflow[0]
		d.emitMu.Unlock()

		d.events <- ev

		d.emitMu.Lock()
		d.overflow = d.overflow[1:]
		d.emitMu.Unlock()
	}
}

func mustDeliver(t repositories.DeviceEventType) bool {
	switch t {
	case repositories.DeviceEventMetadata, repositories.DeviceEventEnded, repositories.DeviceEventError:
		return true
	}
	return false
}
