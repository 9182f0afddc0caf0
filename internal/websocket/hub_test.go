package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/adapters"
	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/domain/repositories"
	"github.com/satriahrh/djsync/server/internal/protocol"
)

const hubT0 = int64(1_700_000_000_000)

type testRelay struct {
	hub    *Hub
	clock  *clock.Mock
	repo   *adapters.MemoryRoomStateRepository
	server *httptest.Server
}

func setupTestHub(t *testing.T) *testRelay {
	t.Helper()
	repo := adapters.NewMemoryRoomStateRepository()
	return setupTestHubWithStore(t, repo, repo)
}

func setupTestHubWithStore(t *testing.T, store repositories.RoomStateRepository, repo *adapters.MemoryRoomStateRepository) *testRelay {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.UnixMilli(hubT0))
	logger := zap.NewNop()

	hub := NewHub(store, HubOptions{Clock: mock, LeaseTTL: 10 * time.Second}, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return HandleWebSocketWithAuth(hub, c, Identity{
			MemberID: c.QueryParam("member"),
			Name:     c.QueryParam("name"),
			Room:     c.QueryParam("room"),
		}, logger)
	})
	server := httptest.NewServer(e)

	t.Cleanup(func() {
		server.Close()
		cancel()
	})
	return &testRelay{hub: hub, clock: mock, repo: repo, server: server}
}

type testMember struct {
	t    *testing.T
	id   string
	conn *websocket.Conn
}

func (r *testRelay) join(t *testing.T, room, member string) *testMember {
	t.Helper()
	q := url.Values{"member": {member}, "name": {strings.ToUpper(member)}, "room": {room}}
	wsURL := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws?" + q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", member, err)
	}
	t.Cleanup(func() { conn.Close() })

	m := &testMember{t: t, id: member, conn: conn}
	m.expect(protocol.EventRoomUsers)
	return m
}

func (m *testMember) send(event string, payload any) {
	m.t.Helper()
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		m.t.Fatalf("marshal: %v", err)
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		m.t.Fatalf("%s write: %v", m.id, err)
	}
}

// collect reads frames until event arrives and returns everything read.
func (m *testMember) collect(event string) []protocol.Envelope {
	m.t.Helper()
	var seen []protocol.Envelope
	m.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, frame, err := m.conn.ReadMessage()
		if err != nil {
			m.t.Fatalf("%s waiting for %s: %v (seen %v)", m.id, event, err, events(seen))
		}
		env, err := protocol.Unmarshal(frame)
		if err != nil {
			m.t.Fatalf("%s bad frame: %v", m.id, err)
		}
		seen = append(seen, env)
		if env.Event == event {
			return seen
		}
	}
}

func (m *testMember) expect(event string) protocol.Envelope {
	m.t.Helper()
	seen := m.collect(event)
	return seen[len(seen)-1]
}

// sync round-trips a ping so everything the relay sent before is read.
func (m *testMember) sync() []protocol.Envelope {
	m.t.Helper()
	m.send(protocol.EventTimePing, protocol.TimePing{ClientMs: 1})
	return m.collect(protocol.EventTimePong)
}

func events(envs []protocol.Envelope) []string {
	names := make([]string, len(envs))
	for i, e := range envs {
		names[i] = e.Event
	}
	return names
}

func contains(envs []protocol.Envelope, event string) bool {
	for _, e := range envs {
		if e.Event == event {
			return true
		}
	}
	return false
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("decode %s: %v", env.Event, err)
	}
	return v
}

func TestHub_Membership(t *testing.T) {
	r := setupTestHub(t)

	dj := r.join(t, "room-1", "dj")
	listener := r.join(t, "room-1", "ann")

	joined := decode[protocol.Membership](t, dj.expect(protocol.EventJoined))
	if joined.User.ID != "ann" || joined.User.Name != "ANN" {
		t.Errorf("joined = %+v", joined)
	}

	if got := r.hub.Members("room-1"); len(got) != 2 || got[0].ID != "ann" || got[1].ID != "dj" {
		t.Errorf("Members() = %+v", got)
	}

	listener.conn.Close()
	left := decode[protocol.Membership](t, dj.expect(protocol.EventLeft))
	if left.User.ID != "ann" {
		t.Errorf("left = %+v", left)
	}
}

func TestHub_TimePong(t *testing.T) {
	r := setupTestHub(t)
	m := r.join(t, "room-1", "ann")

	m.send(protocol.EventTimePing, protocol.TimePing{ClientMs: 123})
	pong := decode[protocol.TimePong](t, m.expect(protocol.EventTimePong))
	if pong.ClientMs != 123 || pong.ServerMs != hubT0 {
		t.Errorf("pong = %+v", pong)
	}
}

func TestHub_AuthorityLease(t *testing.T) {
	r := setupTestHub(t)
	dj := r.join(t, "room-1", "dj")
	other := r.join(t, "room-1", "bob")

	dj.send(protocol.EventAuthorityClaim, nil)
	granted := decode[protocol.AuthorityGranted](t, dj.expect(protocol.EventAuthorityGranted))
	if granted.Token == "" || granted.ExpiresAtMs != hubT0+10_000 {
		t.Errorf("granted = %+v", granted)
	}
	if granted.State != nil {
		t.Errorf("fresh room should grant without state, got %+v", granted.State)
	}

	status := decode[protocol.RoomAuthority](t, other.expect(protocol.EventRoomAuthority))
	for status.Status != string(entities.AuthorityHeld) {
		status = decode[protocol.RoomAuthority](t, other.expect(protocol.EventRoomAuthority))
	}
	if status.Holder != "dj" {
		t.Errorf("holder = %q, want dj", status.Holder)
	}

	other.send(protocol.EventAuthorityClaim, nil)
	denied := decode[protocol.AuthorityDenied](t, other.expect(protocol.EventAuthorityDenied))
	if denied.Holder != "dj" {
		t.Errorf("denied holder = %q, want dj", denied.Holder)
	}

	t.Run("renew extends", func(t *testing.T) {
		r.clock.Add(5 * time.Second)
		dj.send(protocol.EventAuthorityRenew, protocol.AuthorityRenew{Token: granted.Token})
		renewed := decode[protocol.AuthorityGranted](t, dj.expect(protocol.EventAuthorityGranted))
		if renewed.ExpiresAtMs != hubT0+15_000 {
			t.Errorf("renewed expiry = %d, want %d", renewed.ExpiresAtMs, hubT0+15_000)
		}
	})

	t.Run("renew with wrong token denied", func(t *testing.T) {
		dj.send(protocol.EventAuthorityRenew, protocol.AuthorityRenew{Token: "forged"})
		dj.expect(protocol.EventAuthorityDenied)
	})

	t.Run("expired lease can be claimed", func(t *testing.T) {
		r.clock.Add(11 * time.Second)
		other.sync()
		other.send(protocol.EventAuthorityClaim, nil)
		other.expect(protocol.EventAuthorityGranted)
	})
}

func TestHub_CommandRelay(t *testing.T) {
	r := setupTestHub(t)
	dj := r.join(t, "room-1", "dj")
	listener := r.join(t, "room-1", "ann")

	dj.send(protocol.EventAuthorityClaim, nil)
	dj.expect(protocol.EventAuthorityGranted)

	track := protocol.TrackChange{
		TrackID:     "t1",
		TrackURL:    "https://cdn.example/one.mp3",
		TrackTitle:  "One",
		IsPlaying:   boolPtr(true),
		TimestampMs: hubT0 + 1000,
	}
	dj.send(protocol.EventTrackChange, track)
	relayed := decode[protocol.TrackChange](t, listener.expect(protocol.EventTrackChange))
	if relayed.TrackURL != track.TrackURL || relayed.TimestampMs != track.TimestampMs {
		t.Errorf("relayed = %+v", relayed)
	}

	dj.send(protocol.EventSeek, protocol.Seek{Position: 60, TimestampMs: hubT0 + 2000})
	listener.expect(protocol.EventSeek)

	t.Run("room state follows the holder", func(t *testing.T) {
		dj.sync()
		state, err := r.hub.RoomState(context.Background(), "room-1")
		if err != nil || state == nil {
			t.Fatalf("RoomState() = %v, %v", state, err)
		}
		if state.Snapshot.PositionSeconds != 60 || !state.Snapshot.IsPlaying || state.HolderID != "dj" {
			t.Errorf("state = %+v", state)
		}
		waitFor(t, "state persisted", func() bool {
			stored, _ := r.repo.GetByRoomID(context.Background(), "room-1")
			return stored != nil && stored.Snapshot == state.Snapshot
		})
	})

	t.Run("stale command rejected", func(t *testing.T) {
		dj.send(protocol.EventSeek, protocol.Seek{Position: 10, TimestampMs: hubT0 + 1500})
		errMsg := decode[protocol.Error](t, dj.expect(protocol.EventError))
		if errMsg.Code != ErrorCodeStale {
			t.Errorf("error code = %q, want stale", errMsg.Code)
		}
		if seen := listener.sync(); contains(seen, protocol.EventSeek) {
			t.Error("stale seek was relayed")
		}
	})

	t.Run("non-holder command dropped", func(t *testing.T) {
		listener.send(protocol.EventPause, protocol.PlayPause{TimestampMs: hubT0 + 3000})
		errMsg := decode[protocol.Error](t, listener.expect(protocol.EventError))
		if errMsg.Code != ErrorCodeNotAuthority {
			t.Errorf("error code = %q, want not_authority", errMsg.Code)
		}
		if seen := dj.sync(); contains(seen, protocol.EventPause) {
			t.Error("non-holder pause was relayed")
		}
	})

	t.Run("query answers with state", func(t *testing.T) {
		listener.send(protocol.EventPlaybackQuery, nil)
		state := decode[protocol.PlaybackState](t, listener.expect(protocol.EventPlaybackState))
		if state.Position != 60 || state.TrackURL != track.TrackURL || state.Room != "room-1" {
			t.Errorf("state = %+v", state)
		}
		status := decode[protocol.RoomAuthority](t, listener.expect(protocol.EventRoomAuthority))
		if status.Status != string(entities.AuthorityHeld) || status.Holder != "dj" {
			t.Errorf("authority = %+v", status)
		}
	})

	t.Run("holder away while playing", func(t *testing.T) {
		dj.conn.Close()
		seen := listener.collect(protocol.EventRoomAuthority)
		status := decode[protocol.RoomAuthority](t, seen[len(seen)-1])
		if status.Status != string(entities.AuthorityPlayingNoHost) {
			t.Errorf("status = %q, want playing_no_host", status.Status)
		}
	})

	t.Run("returning holder reclaims with state", func(t *testing.T) {
		back := r.join(t, "room-1", "dj")
		back.send(protocol.EventAuthorityClaim, nil)
		granted := decode[protocol.AuthorityGranted](t, back.expect(protocol.EventAuthorityGranted))
		if granted.State == nil || granted.State.Position != 60 {
			t.Errorf("granted state = %+v", granted.State)
		}
	})
}

func TestHub_VolumeKeepsPositionBaseline(t *testing.T) {
	r := setupTestHub(t)
	dj := r.join(t, "room-1", "dj")
	listener := r.join(t, "room-1", "ann")

	dj.send(protocol.EventAuthorityClaim, nil)
	dj.expect(protocol.EventAuthorityGranted)

	state := protocol.PlaybackState{
		Room:        "room-1",
		Position:    10,
		IsPlaying:   true,
		TrackURL:    "https://cdn.example/one.mp3",
		TimestampMs: hubT0,
	}
	dj.send(protocol.EventPlaybackState, state)
	listener.expect(protocol.EventPlaybackState)

	r.clock.Add(8 * time.Second)
	dj.send(protocol.EventVolume, protocol.Volume{Volume: 30, TimestampMs: hubT0 + 8000})
	listener.expect(protocol.EventVolume)

	listener.send(protocol.EventPlaybackQuery, nil)
	got := decode[protocol.PlaybackState](t, listener.expect(protocol.EventPlaybackState))
	if got.Position != 10 || got.TimestampMs != hubT0 || !got.IsPlaying {
		t.Errorf("baseline = position %.1f at %d, want 10 at %d", got.Position, got.TimestampMs, hubT0)
	}
	if got.Volume == nil || *got.Volume != 30 {
		t.Errorf("volume = %v, want 30", got.Volume)
	}
	listener.expect(protocol.EventRoomAuthority)

	t.Run("resent state is not stale", func(t *testing.T) {
		dj.send(protocol.EventPlaybackState, state)
		listener.expect(protocol.EventPlaybackState)
		if seen := dj.sync(); contains(seen, protocol.EventError) {
			t.Errorf("resent state rejected: %v", events(seen))
		}
	})
}

// blockingStore holds every Save until release is closed.
type blockingStore struct {
	*adapters.MemoryRoomStateRepository
	release chan struct{}
}

func (b *blockingStore) Save(ctx context.Context, state *entities.RoomState) error {
	<-b.release
	return b.MemoryRoomStateRepository.Save(ctx, state)
}

func TestHub_SlowStoreDoesNotBlockRelay(t *testing.T) {
	mem := adapters.NewMemoryRoomStateRepository()
	store := &blockingStore{MemoryRoomStateRepository: mem, release: make(chan struct{})}
	r := setupTestHubWithStore(t, store, mem)
	released := false
	release := func() {
		if !released {
			released = true
			close(store.release)
		}
	}
	t.Cleanup(release)

	dj := r.join(t, "room-1", "dj")
	listener := r.join(t, "room-1", "ann")
	dj.send(protocol.EventAuthorityClaim, nil)
	dj.expect(protocol.EventAuthorityGranted)

	dj.send(protocol.EventTrackChange, protocol.TrackChange{
		TrackURL:    "https://cdn.example/one.mp3",
		IsPlaying:   boolPtr(true),
		TimestampMs: hubT0 + 1000,
	})
	listener.expect(protocol.EventTrackChange)
	dj.send(protocol.EventSeek, protocol.Seek{Position: 30, TimestampMs: hubT0 + 2000})
	listener.expect(protocol.EventSeek)

	state, err := r.hub.RoomState(context.Background(), "room-1")
	if err != nil || state == nil || state.Snapshot.PositionSeconds != 30 {
		t.Fatalf("RoomState() = %+v, %v", state, err)
	}

	release()
	waitFor(t, "latest state persisted", func() bool {
		stored, _ := mem.GetByRoomID(context.Background(), "room-1")
		return stored != nil && stored.Snapshot.PositionSeconds == 30
	})
}

func TestHub_RejectsInvalidFrames(t *testing.T) {
	r := setupTestHub(t)
	m := r.join(t, "room-1", "ann")

	if err := m.conn.WriteMessage(websocket.TextMessage, []byte(`{"event": "joined"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	errMsg := decode[protocol.Error](t, m.expect(protocol.EventError))
	if errMsg.Code != ErrorCodeInvalidMessage {
		t.Errorf("error code = %q", errMsg.Code)
	}
}

func TestRoomCleanupService(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Now())
	repo := adapters.NewMemoryRoomStateRepository()

	fresh := entities.NewRoomState("fresh")
	fresh.UpdatedAt = mock.Now()
	idle := entities.NewRoomState("idle")
	idle.UpdatedAt = mock.Now().Add(-2 * time.Hour)
	_ = repo.Save(context.Background(), fresh)
	_ = repo.Save(context.Background(), idle)

	svc := NewRoomCleanupService(repo, mock, time.Hour, time.Minute, zap.NewNop())
	if removed := svc.RunCleanup(); removed != 1 {
		t.Errorf("RunCleanup() removed %d, want 1", removed)
	}
	if got, _ := repo.GetByRoomID(context.Background(), "fresh"); got == nil {
		t.Error("fresh room should survive")
	}
}

func boolPtr(b bool) *bool { return &b }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
