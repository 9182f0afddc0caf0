package websocket

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/domain/repositories"
	"github.com/satriahrh/djsync/server/internal/playback"
	"github.com/satriahrh/djsync/server/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// DefaultLeaseTTL is how long an authority lease lasts without renewal.
	DefaultLeaseTTL = 15 * time.Second

	// How often expired leases are swept.
	leaseSweepPeriod = time.Second

	storeTimeout = 3 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Room is one synchronized listening group. It is only touched by the hub.
type Room struct {
	ID      string
	members map[string]*Client
	lease   *entities.Lease
	state   *entities.RoomState
	status  entities.AuthorityStatus
}

type inboundMessage struct {
	client *Client
	env    protocol.Envelope
	raw    []byte
}

// HubOptions configures a Hub.
type HubOptions struct {
	Clock    clock.Clock
	LeaseTTL time.Duration
}

// Hub relays events between the members of each room, arbitrates DJ
// authority with an expiring lease and keeps the last authoritative state.
type Hub struct {
	rooms map[string]*Room

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Validated frames from clients.
	inbound chan inboundMessage

	// Mutex for thread-safe access to rooms
	mu sync.RWMutex

	stateRepo repositories.RoomStateRepository

	// Room states waiting to be written, newest per room.
	pendingMu   sync.Mutex
	pending     map[string]entities.RoomState
	persistWake chan struct{}

	validator *MessageValidator
	clock     clock.Clock
	leaseTTL  time.Duration

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(stateRepo repositories.RoomStateRepository, opts HubOptions, logger *zap.Logger) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	return &Hub{
		rooms:      make(map[string]*Room),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundMessage, 256),
		stateRepo:   stateRepo,
		pending:     make(map[string]entities.RoomState),
		persistWake: make(chan struct{}, 1),
		validator:   NewMessageValidator(),
		clock:      opts.Clock,
		leaseTTL:   opts.LeaseTTL,
		logger:     logger,
	}
}

// Run starts the hub's main loop. Every room mutation happens here, so claims
// and commands are processed in arrival order.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clock.Ticker(leaseSweepPeriod)
	defer ticker.Stop()

	persisted := make(chan struct{})
	go h.persistLoop(ctx, persisted)
	defer func() { <-persisted }()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.handleRegister(client)
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.handleUnregister(client)
			h.mu.Unlock()

		case msg := <-h.inbound:
			h.mu.Lock()
			h.handleMessage(msg)
			h.mu.Unlock()

		case <-ticker.C:
			h.mu.Lock()
			h.sweepLeases()
			h.mu.Unlock()
		}
	}
}

// Members returns the members currently connected to room.
func (h *Hub) Members(roomID string) []protocol.User {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return nil
	}
	return room.users()
}

// AuthorityStatus returns the authority status of a room.
func (h *Hub) AuthorityStatus(roomID string) entities.AuthorityStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return entities.AuthorityControlAvailable
	}
	return room.status
}

// RoomState returns the last authoritative state of a room, from memory when
// the room is live and from the store otherwise.
func (h *Hub) RoomState(ctx context.Context, roomID string) (*entities.RoomState, error) {
	h.mu.RLock()
	if room, ok := h.rooms[roomID]; ok && room.state != nil {
		state := *room.state
		h.mu.RUnlock()
		return &state, nil
	}
	h.mu.RUnlock()

	return h.loadState(ctx, roomID)
}

func (h *Hub) handleRegister(c *Client) {
	room := h.room(c.roomID)

	prev, reconnect := room.members[c.memberID]
	if reconnect {
		// same member on a new socket; the old one is dropped silently
		close(prev.send)
	}
	room.members[c.memberID] = c

	h.logger.Info("Member joined",
		zap.String("room", room.ID),
		zap.String("memberID", c.memberID),
		zap.Bool("reconnect", reconnect))

	c.emit(protocol.EventRoomUsers, protocol.RoomUsers{Users: room.users()})
	if !reconnect {
		h.broadcast(room, c, protocol.EventJoined, protocol.Membership{User: c.user()})
	}

	if !h.refreshAuthority(room) {
		c.emit(protocol.EventRoomAuthority, h.authorityPayload(room))
	}
}

func (h *Hub) handleUnregister(c *Client) {
	room, ok := h.rooms[c.roomID]
	if !ok || room.members[c.memberID] != c {
		return
	}

	delete(room.members, c.memberID)
	close(c.send)

	h.logger.Info("Member left",
		zap.String("room", room.ID),
		zap.String("memberID", c.memberID))

	h.broadcast(room, nil, protocol.EventLeft, protocol.Membership{User: c.user()})
	h.refreshAuthority(room)
	h.dropIfEmpty(room)
}

func (h *Hub) handleMessage(msg inboundMessage) {
	c := msg.client
	room, ok := h.rooms[c.roomID]
	if !ok || room.members[c.memberID] != c {
		return
	}

	switch msg.env.Event {
	case protocol.EventTimePing:
		var ping protocol.TimePing
		_ = decodeData(msg.env, &ping)
		c.emit(protocol.EventTimePong, protocol.TimePong{ClientMs: ping.ClientMs, ServerMs: h.nowMs()})

	case protocol.EventPlaybackQuery:
		if room.state != nil && room.state.Snapshot.EventTimestampMs > 0 {
			c.emit(protocol.EventPlaybackState, protocol.StateFromSnapshot(room.ID, room.state.Snapshot))
		}
		c.emit(protocol.EventRoomAuthority, h.authorityPayload(room))

	case protocol.EventAuthorityClaim:
		h.handleClaim(room, c)

	case protocol.EventAuthorityRenew:
		h.handleRenew(room, c, msg.env)

	case protocol.EventAuthorityRelease:
		h.handleRelease(room, c, msg.env)

	default:
		h.handleCommand(room, c, msg)
	}
}

func (h *Hub) handleClaim(room *Room, c *Client) {
	now := h.clock.Now()
	if room.lease.Valid(now) && room.lease.HolderID != c.memberID {
		h.logger.Info("Authority denied",
			zap.String("room", room.ID),
			zap.String("memberID", c.memberID),
			zap.String("holder", room.lease.HolderID))
		c.emit(protocol.EventAuthorityDenied, protocol.AuthorityDenied{Holder: room.lease.HolderID})
		return
	}

	room.lease = &entities.Lease{
		RoomID:    room.ID,
		HolderID:  c.memberID,
		Token:     uuid.New().String(),
		ExpiresAt: now.Add(h.leaseTTL),
	}

	granted := protocol.AuthorityGranted{
		Token:       room.lease.Token,
		ExpiresAtMs: room.lease.ExpiresAt.UnixMilli(),
	}
	if room.state != nil && room.state.Snapshot.EventTimestampMs > 0 {
		state := protocol.StateFromSnapshot(room.ID, room.state.Snapshot)
		granted.State = &state
	}

	h.logger.Info("Authority granted",
		zap.String("room", room.ID),
		zap.String("memberID", c.memberID))

	c.emit(protocol.EventAuthorityGranted, granted)
	h.refreshAuthority(room)
}

func (h *Hub) handleRenew(room *Room, c *Client, env protocol.Envelope) {
	var renew protocol.AuthorityRenew
	_ = decodeData(env, &renew)

	now := h.clock.Now()
	if !room.lease.HeldBy(c.memberID, now) || room.lease.Token != renew.Token {
		holder := ""
		if room.lease.Valid(now) {
			holder = room.lease.HolderID
		}
		c.emit(protocol.EventAuthorityDenied, protocol.AuthorityDenied{Holder: holder})
		return
	}

	room.lease.ExpiresAt = now.Add(h.leaseTTL)
	c.emit(protocol.EventAuthorityGranted, protocol.AuthorityGranted{
		Token:       room.lease.Token,
		ExpiresAtMs: room.lease.ExpiresAt.UnixMilli(),
	})
}

func (h *Hub) handleRelease(room *Room, c *Client, env protocol.Envelope) {
	var release protocol.AuthorityRenew
	_ = decodeData(env, &release)

	if !room.lease.HeldBy(c.memberID, h.clock.Now()) || room.lease.Token != release.Token {
		return
	}
	room.lease = nil
	h.logger.Info("Authority released",
		zap.String("room", room.ID),
		zap.String("memberID", c.memberID))
	h.refreshAuthority(room)
}

func (h *Hub) handleCommand(room *Room, c *Client, msg inboundMessage) {
	if !room.lease.HeldBy(c.memberID, h.clock.Now()) {
		h.logger.Warn("Dropping command from non-holder",
			zap.String("room", room.ID),
			zap.String("memberID", c.memberID),
			zap.String("event", msg.env.Event))
		c.sendRaw(CreateErrorMessage(ErrorCodeNotAuthority, "claim authority before sending "+msg.env.Event))
		return
	}

	if room.state == nil {
		room.state = entities.NewRoomState(room.ID)
	}
	current := room.state.Snapshot
	base := protocol.Base{
		Snapshot:          current,
		EstimatedPosition: playback.Estimate(current.Baseline(), h.nowMs(), current.TrackDurationSeconds),
	}
	kind, snapshot, err := protocol.Decode(msg.env.Event, msg.env.Data, base)
	if err != nil {
		c.sendRaw(CreateErrorMessage(ErrorCodeInvalidMessage, err.Error()))
		return
	}

	// volume leaves the position baseline alone
	if kind == playback.CommandVolume {
		room.state.AcceptVolume(snapshot, c.memberID)
	} else if !room.state.Accept(snapshot, c.memberID) {
		h.logger.Debug("Dropping stale command",
			zap.String("room", room.ID),
			zap.String("event", msg.env.Event),
			zap.Int64("timestampMs", snapshot.EventTimestampMs))
		c.sendRaw(CreateErrorMessage(ErrorCodeStale, "command is older than the room state"))
		return
	}
	room.state.UpdatedAt = h.clock.Now()

	for id, member := range room.members {
		if id == c.memberID {
			continue
		}
		member.sendRaw(msg.raw)
	}

	h.persist(room)
	h.refreshAuthority(room)
}

// sweepLeases clears expired leases and forgets empty rooms.
func (h *Hub) sweepLeases() {
	now := h.clock.Now()
	for _, room := range h.rooms {
		if room.lease != nil && !room.lease.Valid(now) {
			h.logger.Info("Authority lease expired",
				zap.String("room", room.ID),
				zap.String("holder", room.lease.HolderID))
			room.lease = nil
			if room.state != nil {
				room.state.HolderID = ""
			}
			h.refreshAuthority(room)
		}
		h.dropIfEmpty(room)
	}
}

// refreshAuthority recomputes the room's authority status and broadcasts it
// when it changed. It reports whether a broadcast went out.
func (h *Hub) refreshAuthority(room *Room) bool {
	status := h.authorityStatus(room)
	if status == room.status {
		return false
	}
	room.status = status
	h.logger.Info("Authority status changed",
		zap.String("room", room.ID),
		zap.String("status", string(status)))
	h.broadcast(room, nil, protocol.EventRoomAuthority, h.authorityPayload(room))
	return true
}

func (h *Hub) authorityStatus(room *Room) entities.AuthorityStatus {
	now := h.clock.Now()
	if room.lease.Valid(now) {
		if _, online := room.members[room.lease.HolderID]; online {
			return entities.AuthorityHeld
		}
	}
	if room.state != nil && room.state.Snapshot.IsPlaying {
		return entities.AuthorityPlayingNoHost
	}
	return entities.AuthorityControlAvailable
}

func (h *Hub) authorityPayload(room *Room) protocol.RoomAuthority {
	payload := protocol.RoomAuthority{Status: string(room.status)}
	if room.lease.Valid(h.clock.Now()) {
		payload.Holder = room.lease.HolderID
	}
	return payload
}

// room returns the live room, creating it and loading its stored state.
func (h *Hub) room(roomID string) *Room {
	if room, ok := h.rooms[roomID]; ok {
		return room
	}

	room := &Room{
		ID:      roomID,
		members: make(map[string]*Client),
		status:  entities.AuthorityControlAvailable,
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	state, err := h.loadState(ctx, roomID)
	if err != nil {
		h.logger.Error("Failed to load room state", zap.String("room", roomID), zap.Error(err))
	}
	room.state = state
	room.status = h.authorityStatus(room)

	h.rooms[roomID] = room
	return room
}

func (h *Hub) dropIfEmpty(room *Room) {
	if len(room.members) > 0 || room.lease.Valid(h.clock.Now()) {
		return
	}
	delete(h.rooms, room.ID)
	h.logger.Debug("Room closed", zap.String("room", room.ID))
}

// persist queues the room's state for the persistence goroutine. Only the
// newest state per room is written.
func (h *Hub) persist(room *Room) {
	h.pendingMu.Lock()
	h.pending[room.ID] = *room.state
	h.pendingMu.Unlock()

	select {
	case h.persistWake <- struct{}{}:
	default:
	}
}

// loadState reads a room's state, preferring one that is still queued.
func (h *Hub) loadState(ctx context.Context, roomID string) (*entities.RoomState, error) {
	h.pendingMu.Lock()
	state, ok := h.pending[roomID]
	h.pendingMu.Unlock()
	if ok {
		return &state, nil
	}
	return h.stateRepo.GetByRoomID(ctx, roomID)
}

// persistLoop writes queued states off the hub goroutine and flushes what is
// left when ctx ends.
func (h *Hub) persistLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			h.flushPending()
			return
		case <-h.persistWake:
			h.flushPending()
		}
	}
}

// flushPending writes every queued state. An entry stays queued until its
// write finishes, so loadState never sees an older stored copy.
func (h *Hub) flushPending() {
	h.pendingMu.Lock()
	batch := make(map[string]entities.RoomState, len(h.pending))
	for roomID, state := range h.pending {
		batch[roomID] = state
	}
	h.pendingMu.Unlock()

	for roomID, state := range batch {
		stored := state
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err := h.stateRepo.Save(ctx, &stored)
		cancel()
		if err != nil {
			h.logger.Error("Failed to persist room state",
				zap.String("room", roomID),
				zap.Error(err))
		}

		h.pendingMu.Lock()
		if current, ok := h.pending[roomID]; ok && current == state {
			delete(h.pending, roomID)
		}
		h.pendingMu.Unlock()
	}
}

func (h *Hub) broadcast(room *Room, except *Client, event string, payload any) {
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast", zap.String("event", event), zap.Error(err))
		return
	}
	for _, member := range room.members {
		if member == except {
			continue
		}
		member.sendRaw(frame)
	}
}

func (h *Hub) nowMs() int64 {
	return h.clock.Now().UnixMilli()
}

func (r *Room) users() []protocol.User {
	users := make([]protocol.User, 0, len(r.members))
	for _, c := range r.members {
		users = append(users, c.user())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages. Only the hub writes to or closes it.
	send chan WriteData

	memberID string
	name     string
	roomID   string

	logger *zap.Logger
}

// Identity is the authenticated member behind a connection.
type Identity struct {
	MemberID string
	Name     string
	Room     string
}

// HandleWebSocketWithAuth upgrades an authenticated request and joins the
// member to its room.
func HandleWebSocketWithAuth(hub *Hub, c echo.Context, id Identity, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan WriteData, 256),
		memberID: id.MemberID,
		name:     id.Name,
		roomID:   id.Room,
		logger:   logger,
	}

	client.hub.register <- client

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

func (c *Client) user() protocol.User {
	return protocol.User{ID: c.memberID, Name: c.name}
}

// emit queues an event. Must be called from the hub goroutine.
func (c *Client) emit(event string, payload any) {
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		c.logger.Error("Failed to marshal event", zap.String("event", event), zap.Error(err))
		return
	}
	c.sendRaw(frame)
}

// sendRaw queues a frame without blocking the hub. A member that cannot keep
// up misses the frame and catches up from the next snapshot.
func (c *Client) sendRaw(frame []byte) {
	select {
	case c.send <- WriteData{Type: websocket.TextMessage, Payload: frame}:
	default:
		c.logger.Warn("Send buffer full, dropping frame",
			zap.String("memberID", c.memberID),
			zap.String("room", c.roomID))
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}

		if messageType != websocket.TextMessage {
			c.logger.Warn("Received unsupported message type", zap.Int("type", messageType))
			continue
		}

		env, err := c.hub.validator.ValidateMessage(message)
		if err != nil {
			c.logger.Warn("Invalid message",
				zap.String("memberID", c.memberID),
				zap.Error(err))
			c.writeError(ErrorCodeInvalidMessage, err.Error())
			continue
		}

		c.hub.inbound <- inboundMessage{client: c, env: env, raw: message}
	}
}

// writeError reports a rejected frame straight to the peer.
func (c *Client) writeError(code, message string) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if room, ok := c.hub.rooms[c.roomID]; ok && room.members[c.memberID] == c {
		c.sendRaw(CreateErrorMessage(code, message))
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
