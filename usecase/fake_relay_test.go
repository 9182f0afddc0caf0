package usecase

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/satriahrh/djsync/server/adapters/transport"
	"github.com/satriahrh/djsync/server/domain/repositories"
	"github.com/satriahrh/djsync/server/internal/protocol"
)

type relayFrame struct {
	from  string
	event string
	data  json.RawMessage
}

type delivery struct {
	to    *fakeTransport
	event string
	data  json.RawMessage
}

// fakeRelay is an in-process stand-in for the relay hub. Deliveries go through
// one goroutine, in order, so handlers never run inside the sender's Emit.
type fakeRelay struct {
	clock clock.Clock

	mu        sync.Mutex
	members   map[string]*fakeTransport
	holder    string
	lastState *protocol.PlaybackState
	frames    []relayFrame

	queue chan delivery
	stop  chan struct{}
}

func newFakeRelay(t *testing.T, c clock.Clock) *fakeRelay {
	r := &fakeRelay{
		clock:   c,
		members: make(map[string]*fakeTransport),
		queue:   make(chan delivery, 1024),
		stop:    make(chan struct{}),
	}
	go r.run()
	t.Cleanup(func() { close(r.stop) })
	return r
}

func (r *fakeRelay) run() {
	for {
		select {
		case <-r.stop:
			return
		case d := <-r.queue:
			d.to.dispatch(d.event, d.data)
		}
	}
}

func (r *fakeRelay) transport(memberID string) *fakeTransport {
	return &fakeTransport{
		relay:    r,
		user:     protocol.User{ID: memberID, Name: memberID},
		handlers: make(map[string][]repositories.Handler),
	}
}

func (r *fakeRelay) setHolder(memberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holder = memberID
}

func (r *fakeRelay) setState(state protocol.PlaybackState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastState = &state
}

// inject delivers an event to every member as if a DJ outside the test sent it.
func (r *fakeRelay) inject(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s: %v", event, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		r.deliverLocked(m, event, data)
	}
}

// sent returns the payloads member emitted for event.
func (r *fakeRelay) sent(memberID, event string) []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []json.RawMessage
	for _, f := range r.frames {
		if f.from == memberID && f.event == event {
			out = append(out, f.data)
		}
	}
	return out
}

func (r *fakeRelay) count(memberID, event string) int {
	return len(r.sent(memberID, event))
}

func (r *fakeRelay) connect(t *fakeTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, rejoin := r.members[t.user.ID]
	r.members[t.user.ID] = t

	users := make([]protocol.User, 0, len(r.members))
	for _, m := range r.members {
		users = append(users, m.user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	r.deliverJSONLocked(t, protocol.EventRoomUsers, protocol.RoomUsers{Users: users})

	if !rejoin {
		r.broadcastLocked(t, protocol.EventJoined, protocol.Membership{User: t.user})
	}
}

func (r *fakeRelay) disconnect(t *fakeTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[t.user.ID] != t {
		return
	}
	delete(r.members, t.user.ID)
	r.broadcastLocked(nil, protocol.EventLeft, protocol.Membership{User: t.user})
}

func (r *fakeRelay) receive(from *fakeTransport, event string, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := from.user.ID
	r.frames = append(r.frames, relayFrame{from: id, event: event, data: data})

	switch event {
	case protocol.EventTimePing:
		var ping protocol.TimePing
		_ = json.Unmarshal(data, &ping)
		r.deliverJSONLocked(from, protocol.EventTimePong, protocol.TimePong{
			ClientMs: ping.ClientMs,
			ServerMs: r.clock.Now().UnixMilli(),
		})

	case protocol.EventAuthorityClaim:
		if r.holder != "" && r.holder != id {
			r.deliverJSONLocked(from, protocol.EventAuthorityDenied, protocol.AuthorityDenied{Holder: r.holder})
			return
		}
		r.holder = id
		r.deliverJSONLocked(from, protocol.EventAuthorityGranted, protocol.AuthorityGranted{
			Token:       "lease-" + id,
			ExpiresAtMs: r.clock.Now().UnixMilli() + 15_000,
			State:       r.lastState,
		})

	case protocol.EventAuthorityRenew:
		if r.holder != id {
			r.deliverJSONLocked(from, protocol.EventAuthorityDenied, protocol.AuthorityDenied{Holder: r.holder})
			return
		}
		r.deliverJSONLocked(from, protocol.EventAuthorityGranted, protocol.AuthorityGranted{
			Token:       "lease-" + id,
			ExpiresAtMs: r.clock.Now().UnixMilli() + 15_000,
		})

	case protocol.EventAuthorityRelease:
		if r.holder == id {
			r.holder = ""
		}

	case protocol.EventPlaybackQuery:
		if r.lastState != nil {
			r.deliverJSONLocked(from, protocol.EventPlaybackState, *r.lastState)
		}

	default:
		if !protocol.IsCommand(event) {
			return
		}
		if r.holder != id {
			r.deliverJSONLocked(from, protocol.EventError, protocol.Error{Code: protocol.ErrorNotAuthority})
			return
		}
		if event == protocol.EventPlaybackState {
			var state protocol.PlaybackState
			if json.Unmarshal(data, &state) == nil {
				r.lastState = &state
			}
		}
		for memberID, m := range r.members {
			if memberID != id {
				r.deliverLocked(m, event, data)
			}
		}
	}
}

func (r *fakeRelay) broadcastLocked(except *fakeTransport, event string, payload any) {
	for _, m := range r.members {
		if m != except {
			r.deliverJSONLocked(m, event, payload)
		}
	}
}

func (r *fakeRelay) deliverJSONLocked(to *fakeTransport, event string, payload any) {
	data, _ := json.Marshal(payload)
	r.deliverLocked(to, event, data)
}

func (r *fakeRelay) deliverLocked(to *fakeTransport, event string, data json.RawMessage) {
	select {
	case r.queue <- delivery{to: to, event: event, data: data}:
	case <-r.stop:
	}
}

// fakeTransport implements repositories.Transport against a fakeRelay.
type fakeTransport struct {
	relay *fakeRelay
	user  protocol.User

	mu        sync.Mutex
	connected bool
	closed    bool
	handlers  map[string][]repositories.Handler
	status    []repositories.StatusHandler
}

var _ repositories.Transport = (*fakeTransport)(nil)

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return transport.ErrClosed
	}
	f.connected = true
	f.mu.Unlock()

	f.relay.connect(f)
	f.notify(true)
	return nil
}

func (f *fakeTransport) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) On(event string, handler repositories.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
}

func (f *fakeTransport) OnStatus(handler repositories.StatusHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = append(f.status, handler)
}

func (f *fakeTransport) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	connected := f.connected
	f.mu.Unlock()
	if !connected {
		return transport.ErrNotConnected
	}
	f.relay.receive(f, event, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	wasConnected := f.connected
	f.connected = false
	f.mu.Unlock()

	if wasConnected {
		f.relay.disconnect(f)
		f.notify(false)
	}
	return nil
}

// drop simulates a lost connection.
func (f *fakeTransport) drop() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()

	f.relay.disconnect(f)
	f.notify(false)
}

func (f *fakeTransport) dispatch(event string, data json.RawMessage) {
	f.mu.Lock()
	if !f.connected {
		f.mu.Unlock()
		return
	}
	handlers := append([]repositories.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

func (f *fakeTransport) notify(connected bool) {
	f.mu.Lock()
	handlers := append([]repositories.StatusHandler(nil), f.status...)
	f.mu.Unlock()

	for _, h := range handlers {
		h(connected)
	}
}
