package playback

import (
	"context"
	"sync"

	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/domain/repositories"
)

type deviceCall struct {
	op       string
	origin   entities.Origin
	position float64
}

type fakeDevice struct {
	mu       sync.Mutex
	calls    []deviceCall
	url      string
	position float64
	duration float64
	paused   bool
	volume   int
	muted    bool
	playErr  error
	events   chan repositories.DeviceEvent
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{paused: true, events: make(chan repositories.DeviceEvent, 16)}
}

func (d *fakeDevice) record(op string, origin entities.Origin, position float64) {
	d.calls = append(d.calls, deviceCall{op: op, origin: origin, position: position})
}

func (d *fakeDevice) Load(ctx context.Context, url string, origin entities.Origin) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = url
	d.position = 0
	d.paused = true
	d.record("load", origin, 0)
	return nil
}

func (d *fakeDevice) Play(ctx context.Context, origin entities.Origin) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("play", origin, d.position)
	if d.playErr != nil {
		return d.playErr
	}
	d.paused = false
	return nil
}

func (d *fakeDevice) Pause(ctx context.Context, origin entities.Origin) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("pause", origin, d.position)
	d.paused = true
	return nil
}

func (d *fakeDevice) Seek(ctx context.Context, positionSeconds float64, origin entities.Origin) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.position = positionSeconds
	d.record("seek", origin, positionSeconds)
	return nil
}

func (d *fakeDevice) SetVolume(ctx context.Context, percent int, muted bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = percent
	d.muted = muted
	return nil
}

func (d *fakeDevice) PositionSeconds() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position
}

func (d *fakeDevice) DurationSeconds() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.duration
}

func (d *fakeDevice) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *fakeDevice) Events() <-chan repositories.DeviceEvent { return d.events }

func (d *fakeDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.url = ""
	return nil
}

func (d *fakeDevice) setPosition(p float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.position = p
}

func (d *fakeDevice) ops() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]string, len(d.calls))
	for i, c := range d.calls {
		ops[i] = c.op
	}
	return ops
}

func (d *fakeDevice) count(op string) int {
	n := 0
	for _, o := range d.ops() {
		if o == op {
			n++
		}
	}
	return n
}

func (d *fakeDevice) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}
