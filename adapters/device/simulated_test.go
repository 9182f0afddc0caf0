package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/domain/repositories"
)

const track = "https://cdn.example/tracks/one.mp3"

func newTestDevice(echo bool) (*Simulated, *clock.Mock) {
	mock := clock.NewMock()
	d := NewSimulated(Options{
		Clock:      mock,
		LoadDelay:  50 * time.Millisecond,
		EchoOrigin: echo,
		Duration: func(ctx context.Context, url string) (float64, error) {
			if url == "https://cdn.example/missing.mp3" {
				return 0, errors.New("404 not found")
			}
			return 180, nil
		},
	}, zap.NewNop())
	return d, mock
}

func nextEvent(t *testing.T, d *Simulated) repositories.DeviceEvent {
	t.Helper()
	select {
	case ev := <-d.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a device event")
		return repositories.DeviceEvent{}
	}
}

func TestSimulatedPlayback(t *testing.T) {
	ctx := context.Background()
	d, mock := newTestDevice(false)

	if err := d.Play(ctx, entities.OriginLocal); !errors.Is(err, ErrNoSource) {
		t.Fatalf("Play() without source = %v, want ErrNoSource", err)
	}

	if err := d.Load(ctx, track, entities.OriginLocal); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	mock.Add(50 * time.Millisecond)
	ev := nextEvent(t, d)
	if ev.Type != repositories.DeviceEventMetadata || ev.DurationSeconds != 180 {
		t.Fatalf("event = %+v, want metadata 180", ev)
	}

	if err := d.Play(ctx, entities.OriginLocal); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if ev := nextEvent(t, d); ev.Type != repositories.DeviceEventPlay || ev.Origin != entities.OriginDevice {
		t.Errorf("event = %+v, want untagged play", ev)
	}

	mock.Add(10 * time.Second)
	if got := d.PositionSeconds(); got != 10 {
		t.Errorf("PositionSeconds() = %v, want 10", got)
	}

	_ = d.Pause(ctx, entities.OriginLocal)
	nextEvent(t, d)
	mock.Add(5 * time.Second)
	if got := d.PositionSeconds(); got != 10 {
		t.Errorf("PositionSeconds() while paused = %v, want 10", got)
	}

	_ = d.Seek(ctx, 175, entities.OriginLocal)
	if ev := nextEvent(t, d); ev.Type != repositories.DeviceEventSeeked || ev.PositionSeconds != 175 {
		t.Errorf("event = %+v, want seeked 175", ev)
	}
	_ = d.Play(ctx, entities.OriginLocal)
	nextEvent(t, d)

	mock.Add(5 * time.Second)
	if ev := nextEvent(t, d); ev.Type != repositories.DeviceEventEnded {
		t.Fatalf("event = %+v, want ended", ev)
	}
	if !d.Paused() || d.PositionSeconds() != 180 {
		t.Errorf("after end: paused=%v position=%v", d.Paused(), d.PositionSeconds())
	}
}

func TestSimulatedEchoOrigin(t *testing.T) {
	ctx := context.Background()
	d, mock := newTestDevice(true)

	_ = d.Load(ctx, track, entities.OriginLocal)
	mock.Add(50 * time.Millisecond)
	nextEvent(t, d)

	_ = d.Seek(ctx, 30, entities.OriginSync)
	if ev := nextEvent(t, d); ev.Origin != entities.OriginSync {
		t.Errorf("origin = %v, want sync", ev.Origin)
	}

	_ = d.Play(ctx, entities.OriginLocal)
	nextEvent(t, d)
	d.Stall()
	if ev := nextEvent(t, d); ev.Type != repositories.DeviceEventPause || ev.Origin != entities.OriginDevice {
		t.Errorf("stall event = %+v, want device pause", ev)
	}
}

func TestSimulatedRejectPlay(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDevice(false)
	_ = d.Load(ctx, track, entities.OriginLocal)
	d.SetRejectPlay(true)

	err := d.Play(ctx, entities.OriginLocal)
	var perr *entities.PlaybackError
	if !errors.As(err, &perr) || perr.Kind != entities.ErrorPlayRejected {
		t.Fatalf("Play() error = %v, want play_rejected", err)
	}
	if !d.Paused() {
		t.Error("rejected play must leave the device paused")
	}
}

func TestSimulatedLoadError(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDevice(false)

	_ = d.Load(ctx, "https://cdn.example/missing.mp3", entities.OriginLocal)
	ev := nextEvent(t, d)
	if ev.Type != repositories.DeviceEventError || ev.ErrorKind != entities.ErrorNetwork {
		t.Errorf("event = %+v, want network error", ev)
	}
}

func TestSimulatedReleaseCancelsMetadata(t *testing.T) {
	ctx := context.Background()
	d, mock := newTestDevice(false)

	_ = d.Load(ctx, track, entities.OriginLocal)
	_ = d.Release()
	mock.Add(time.Second)

	select {
	case ev := <-d.Events():
		t.Errorf("unexpected event after release: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	if d.DurationSeconds() != 0 {
		t.Error("released device should have no duration")
	}
}

func TestSimulatedKeepsMetadataWhenBufferFull(t *testing.T) {
	ctx := context.Background()
	d, mock := newTestDevice(false)

	if err := d.Load(ctx, track, entities.OriginLocal); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	mock.Add(50 * time.Millisecond)
	nextEvent(t, d)

	for i := 0; i < eventBuffer+8; i++ {
		_ = d.Seek(ctx, float64(i), entities.OriginLocal)
	}

	if err := d.Load(ctx, track, entities.OriginLocal); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	mock.Add(50 * time.Millisecond)

	for i := 0; i <= eventBuffer; i++ {
		ev := nextEvent(t, d)
		if ev.Type == repositories.DeviceEventMetadata {
			if i != eventBuffer {
				t.Errorf("metadata after %d events, want after the %d buffered seeks", i, eventBuffer)
			}
			return
		}
		if ev.Type != repositories.DeviceEventSeeked {
			t.Fatalf("event %d = %+v, want seeked", i, ev)
		}
	}
	t.Fatal("metadata was dropped")
}
