package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/domain/repositories"
	"github.com/satriahrh/djsync/server/internal/clocksync"
	"github.com/satriahrh/djsync/server/internal/playback"
	"github.com/satriahrh/djsync/server/internal/protocol"
)

var (
	ErrNotDJ         = errors.New("only the DJ controls playback")
	ErrNoSession     = errors.New("no active session")
	ErrSessionActive = errors.New("session already active")
	ErrSessionClosed = errors.New("session closed")
	ErrEmptyPlaylist = errors.New("playlist is empty")
	ErrTrackIndex    = errors.New("track index out of range")
)

const (
	DefaultDriftInterval   = 100 * time.Millisecond
	DefaultVolumeDebounce  = 150 * time.Millisecond
	DefaultTrackEndEpsilon = 0.25
	DefaultLeaseTTL        = 15 * time.Second

	errorBuffer = 16
)

// SessionOptions configures a SessionService. Zero values select defaults.
type SessionOptions struct {
	MemberID          string
	Clock             clock.Clock
	SyncThreshold     float64
	DriftInterval     time.Duration
	SuppressionWindow time.Duration
	VolumeDebounce    time.Duration
	TrackEndEpsilon   float64
	LeaseTTL          time.Duration
	ClockSamples      int
}

// CreateOptions starts a DJ session.
type CreateOptions struct {
	Room       string
	Playlist   []entities.Track
	StartIndex int
	Autoplay   bool
	Volume     *entities.Volume
}

// JoinOptions starts a listener session.
type JoinOptions struct {
	Room   string
	Volume *entities.Volume
}

// Status is a point-in-time view of the session.
type Status struct {
	Role              entities.Role
	Room              string
	State             playback.State
	Snapshot          entities.PlaybackSnapshot
	EstimatedPosition float64
	DevicePosition    float64
	TrackIndex        int
	Connected         bool
	HasAuthority      bool
	RoomAuthority     entities.AuthorityStatus
	Members           []protocol.User
	ClockOffsetMs     int64
	LastError         *entities.PlaybackError
}

type startIntent struct {
	index    int
	autoplay bool
}

// SessionService binds a role to the playback authority, the device and the
// transport. Every authority call happens with mu held, so authority callbacks
// run with mu held too and touch session fields directly.
type SessionService struct {
	device    repositories.PlaybackDevice
	transport repositories.Transport
	authority *playback.Authority
	sampler   *clocksync.Sampler
	clock     clock.Clock
	opts      SessionOptions
	logger    *zap.Logger
	errs      chan *entities.PlaybackError

	mu            sync.Mutex
	role          entities.Role
	closed        bool
	room          string
	playlist      []entities.Track
	index         int
	start         *startIntent
	members       map[string]protocol.User
	connected     bool
	roomAuthority entities.AuthorityStatus

	leaseToken   string
	claimPending bool
	renewTimer   *clock.Timer
	volumeTimer  *clock.Timer

	tickStop chan struct{}
	tickGen  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSessionService creates an idle session that owns device and transport.
func NewSessionService(
	device repositories.PlaybackDevice,
	transport repositories.Transport,
	logger *zap.Logger,
	opts SessionOptions,
) *SessionService {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.DriftInterval <= 0 {
		opts.DriftInterval = DefaultDriftInterval
	}
	if opts.VolumeDebounce <= 0 {
		opts.VolumeDebounce = DefaultVolumeDebounce
	}
	if opts.TrackEndEpsilon <= 0 {
		opts.TrackEndEpsilon = DefaultTrackEndEpsilon
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}

	s := &SessionService{
		device:        device,
		transport:     transport,
		clock:         opts.Clock,
		opts:          opts,
		logger:        logger,
		errs:          make(chan *entities.PlaybackError, errorBuffer),
		role:          entities.RoleNone,
		index:         -1,
		members:       make(map[string]protocol.User),
		roomAuthority: entities.AuthorityControlAvailable,
		ctx:           context.Background(),
		cancel:        func() {},
	}
	s.sampler = clocksync.NewSampler(opts.Clock, opts.ClockSamples, logger)
	s.authority = playback.NewAuthority(device, entities.RoleNone, logger, playback.Options{
		Clock:             opts.Clock,
		NowMs:             s.sampler.NowMs,
		Threshold:         opts.SyncThreshold,
		SuppressionWindow: opts.SuppressionWindow,
		OnBroadcast:       s.sendLocked,
		OnError:           s.signalError,
	})
	s.registerHandlers()
	return s
}

// Create starts a DJ session. Playback starts once the relay grants authority.
func (s *SessionService) Create(ctx context.Context, opts CreateOptions) error {
	if len(opts.Playlist) == 0 {
		return ErrEmptyPlaylist
	}
	if opts.StartIndex < 0 || opts.StartIndex >= len(opts.Playlist) {
		return ErrTrackIndex
	}

	s.mu.Lock()
	if err := s.beginLocked(opts.Room, entities.RoleDJ, opts.Volume); err != nil {
		s.mu.Unlock()
		return err
	}
	s.playlist = append([]entities.Track(nil), opts.Playlist...)
	s.start = &startIntent{index: opts.StartIndex, autoplay: opts.Autoplay}
	s.mu.Unlock()

	s.logger.Info("DJ session created",
		zap.String("room", opts.Room),
		zap.Int("tracks", len(opts.Playlist)),
		zap.Bool("autoplay", opts.Autoplay))

	return s.connect(ctx)
}

// Join starts a listener session.
func (s *SessionService) Join(ctx context.Context, opts JoinOptions) error {
	s.mu.Lock()
	if err := s.beginLocked(opts.Room, entities.RoleListener, opts.Volume); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.logger.Info("Listener session joined", zap.String("room", opts.Room))

	return s.connect(ctx)
}

// Leave stops the drift tick, releases authority and the device, and closes
// the transport. The session cannot be reused afterwards.
func (s *SessionService) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.role == entities.RoleNone {
		s.mu.Unlock()
		return ErrNoSession
	}
	if s.role == entities.RoleDJ && s.leaseToken != "" {
		s.emitLocked(protocol.EventAuthorityRelease, protocol.AuthorityRenew{Token: s.leaseToken})
	}
	s.logger.Info("Leaving session",
		zap.String("room", s.room),
		zap.String("role", string(s.role)))
	s.teardownLocked(ctx)
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()

	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// Play resumes playback for the room.
func (s *SessionService) Play(ctx context.Context) error {
	return s.control(func() error { return s.authority.CommandPlay(ctx) })
}

// Pause pauses playback for the room.
func (s *SessionService) Pause(ctx context.Context) error {
	return s.control(func() error { return s.authority.CommandPause(ctx) })
}

// Seek moves playback for the room.
func (s *SessionService) Seek(ctx context.Context, positionSeconds float64) error {
	return s.control(func() error { return s.authority.CommandSeek(ctx, positionSeconds) })
}

// SelectTrack loads and plays playlist entry index.
func (s *SessionService) SelectTrack(ctx context.Context, index int) error {
	return s.control(func() error { return s.selectTrackLocked(ctx, index, true) })
}

// Next advances to the next track, wrapping at the end of the playlist.
func (s *SessionService) Next(ctx context.Context) error {
	return s.control(func() error { return s.advanceLocked(ctx, 1) })
}

// Previous goes back one track, wrapping at the start of the playlist.
func (s *SessionService) Previous(ctx context.Context) error {
	return s.control(func() error { return s.advanceLocked(ctx, -1) })
}

// ResumeAfterGesture retries playback after a PlayRejected error. Listeners
// use it to start following the DJ again.
func (s *SessionService) ResumeAfterGesture(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == entities.RoleNone {
		return ErrNoSession
	}
	err := s.authority.CommandPlay(ctx)
	s.ensureTickLocked()
	return err
}

// SetVolume changes the local volume. A DJ's change reaches the room once the
// debounce window passes without another change.
func (s *SessionService) SetVolume(ctx context.Context, percent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == entities.RoleNone {
		return ErrNoSession
	}
	if _, err := s.authority.SetVolume(ctx, percent, false); err != nil {
		return err
	}
	s.scheduleVolumeLocked()
	return nil
}

// ToggleMute mutes, or unmutes back to the volume before muting.
func (s *SessionService) ToggleMute(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == entities.RoleNone {
		return false, ErrNoSession
	}
	muted := !s.authority.Snapshot().IsMuted
	if _, err := s.authority.SetVolume(ctx, 0, muted); err != nil {
		return muted, err
	}
	s.scheduleVolumeLocked()
	return muted, nil
}

// Errors delivers playback errors, including PlayRejected and transport
// disconnects. Errors are dropped when nobody drains the channel.
func (s *SessionService) Errors() <-chan *entities.PlaybackError {
	return s.errs
}

// Status returns the current session state.
func (s *SessionService) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := make([]protocol.User, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })

	return Status{
		Role:              s.role,
		Room:              s.room,
		State:             s.authority.State(),
		Snapshot:          s.authority.Snapshot(),
		EstimatedPosition: s.authority.EstimatePosition(),
		DevicePosition:    s.device.PositionSeconds(),
		TrackIndex:        s.index,
		Connected:         s.connected,
		HasAuthority:      s.role == entities.RoleDJ && s.leaseToken != "" && !s.claimPending,
		RoomAuthority:     s.roomAuthority,
		Members:           members,
		ClockOffsetMs:     s.sampler.Offset(),
		LastError:         s.authority.LastError(),
	}
}

func (s *SessionService) beginLocked(room string, role entities.Role, volume *entities.Volume) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.role != entities.RoleNone {
		return ErrSessionActive
	}

	s.role = role
	s.room = room
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.authority.SetRole(role)

	seed := entities.DefaultVolume
	if volume != nil {
		seed = *volume
	}
	if err := s.authority.SeedVolume(s.ctx, seed); err != nil {
		s.logger.Warn("Failed to seed volume", zap.Error(err))
	}

	s.wg.Add(1)
	go s.deviceLoop(s.ctx)
	return nil
}

// connect must run without mu held: the transport reports status synchronously.
func (s *SessionService) connect(ctx context.Context) error {
	if s.transport.IsConnected() {
		s.handleStatus(true)
		return nil
	}
	if err := s.transport.Connect(ctx); err != nil {
		s.mu.Lock()
		s.teardownLocked(ctx)
		s.mu.Unlock()
		s.wg.Wait()
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	return nil
}

func (s *SessionService) teardownLocked(ctx context.Context) {
	if s.tickStop != nil {
		s.stopTickLocked()
	}
	s.stopRenewLocked()
	if s.volumeTimer != nil {
		s.volumeTimer.Stop()
		s.volumeTimer = nil
	}

	s.authority.ClearSuppression()
	if err := s.device.Pause(ctx, entities.OriginLocal); err != nil {
		s.logger.Debug("Device pause on teardown", zap.Error(err))
	}
	if err := s.device.Release(); err != nil {
		s.logger.Warn("Failed to release device", zap.Error(err))
	}
	s.authority.Reset()
	s.authority.SetRole(entities.RoleNone)
	s.cancel()

	s.role = entities.RoleNone
	s.playlist = nil
	s.index = -1
	s.start = nil
	s.members = make(map[string]protocol.User)
	s.leaseToken = ""
	s.claimPending = false
}

func (s *SessionService) control(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.role {
	case entities.RoleNone:
		return ErrNoSession
	case entities.RoleListener:
		return ErrNotDJ
	}
	err := fn()
	s.ensureTickLocked()
	return err
}

func (s *SessionService) selectTrackLocked(ctx context.Context, index int, playing bool) error {
	if index < 0 || index >= len(s.playlist) {
		return ErrTrackIndex
	}

	snapshot := s.authority.Snapshot().WithTrack(s.playlist[index])
	snapshot.IsPlaying = playing
	snapshot.PositionSeconds = 0
	snapshot.EventTimestampMs = s.sampler.NowMs()
	s.index = index
	s.start = nil

	if err := s.authority.LoadTrack(ctx, snapshot); err != nil {
		return err
	}

	s.logger.Info("Track selected",
		zap.Int("index", index),
		zap.String("trackURL", snapshot.TrackURL))

	loaded := s.authority.Snapshot()
	s.sendLocked(playback.CommandTrackChange, loaded)
	s.sendLocked(playback.CommandState, loaded)
	s.ensureTickLocked()
	return nil
}

func (s *SessionService) advanceLocked(ctx context.Context, step int) error {
	n := len(s.playlist)
	if n == 0 {
		return ErrEmptyPlaylist
	}
	next := 0
	if s.index >= 0 {
		next = ((s.index+step)%n + n) % n
	}
	return s.selectTrackLocked(ctx, next, true)
}

// sendLocked encodes a DJ snapshot change and emits it. It is also the
// authority's broadcast hook.
func (s *SessionService) sendLocked(kind playback.CommandKind, snapshot entities.PlaybackSnapshot) {
	if s.role != entities.RoleDJ {
		return
	}
	if s.leaseToken == "" {
		s.logger.Debug("Holding back command until authority is granted", zap.String("kind", string(kind)))
		return
	}
	event, payload := protocol.Encode(kind, s.room, snapshot)
	s.emitLocked(event, payload)
}

// pushStateLocked sends the current state stamped with the current time, so
// it is never older than what the relay already holds.
func (s *SessionService) pushStateLocked() {
	snapshot := s.authority.Snapshot()
	if !snapshot.HasTrack() {
		return
	}
	if now := s.sampler.NowMs(); now > snapshot.EventTimestampMs {
		snapshot.PositionSeconds = playback.Estimate(snapshot.Baseline(), now, snapshot.TrackDurationSeconds)
		snapshot.EventTimestampMs = now
	}
	s.sendLocked(playback.CommandState, snapshot)
}

func (s *SessionService) emitLocked(event string, payload any) {
	if err := s.transport.Emit(event, payload); err != nil {
		s.logger.Debug("Dropped outbound event",
			zap.String("event", event),
			zap.Error(err))
	}
}

// signalError is the authority's error hook.
func (s *SessionService) signalError(perr *entities.PlaybackError) {
	select {
	case s.errs <- perr:
	default:
		s.logger.Warn("Error channel full, dropping error", zap.String("kind", string(perr.Kind)))
	}
}

func (s *SessionService) scheduleVolumeLocked() {
	if s.role != entities.RoleDJ {
		return
	}
	if s.volumeTimer != nil {
		s.volumeTimer.Stop()
	}
	s.volumeTimer = s.clock.AfterFunc(s.opts.VolumeDebounce, s.flushVolume)
}

func (s *SessionService) flushVolume() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.volumeTimer = nil
	if s.role != entities.RoleDJ {
		return
	}
	snapshot := s.authority.Snapshot()
	snapshot.EventTimestampMs = s.sampler.NowMs()
	s.sendLocked(playback.CommandVolume, snapshot)
}

func (s *SessionService) claimLocked() {
	s.claimPending = true
	s.emitLocked(protocol.EventAuthorityClaim, struct{}{})
}

func (s *SessionService) scheduleRenewLocked(expiresAtMs int64) {
	s.stopRenewLocked()
	ttl := time.Duration(expiresAtMs-s.sampler.NowMs()) * time.Millisecond
	if ttl <= 0 {
		ttl = s.opts.LeaseTTL
	}
	s.renewTimer = s.clock.AfterFunc(ttl/3, s.renew)
}

func (s *SessionService) stopRenewLocked() {
	if s.renewTimer != nil {
		s.renewTimer.Stop()
		s.renewTimer = nil
	}
}

func (s *SessionService) renew() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.renewTimer = nil
	if s.role != entities.RoleDJ || s.leaseToken == "" || !s.connected {
		return
	}
	s.emitLocked(protocol.EventAuthorityRenew, protocol.AuthorityRenew{Token: s.leaseToken})
}

// takeControlLocked runs on the first grant after connecting. The relay's
// state wins when it is newer than ours.
func (s *SessionService) takeControlLocked(ctx context.Context, state *protocol.PlaybackState) {
	own := s.authority.Snapshot()
	if state != nil && state.TrackURL != "" && state.TimestampMs > own.EventTimestampMs {
		s.adoptLocked(ctx, *state)
		return
	}

	if s.start != nil {
		start := *s.start
		s.start = nil
		if err := s.selectTrackLocked(ctx, start.index, start.autoplay); err != nil {
			s.logger.Warn("Failed to load first track", zap.Error(err))
		}
		return
	}
	s.pushStateLocked()
}

func (s *SessionService) adoptLocked(ctx context.Context, state protocol.PlaybackState) {
	s.start = nil
	own := s.authority.Snapshot()
	now := s.sampler.NowMs()

	snapshot := state.Snapshot()
	if snapshot.IsPlaying {
		snapshot.PositionSeconds = playback.Estimate(snapshot.Baseline(), now, snapshot.TrackDurationSeconds)
	}
	snapshot.EventTimestampMs = now
	snapshot.VolumePercent = own.VolumePercent
	snapshot.IsMuted = own.IsMuted
	snapshot.PreviousVolumePercent = own.PreviousVolumePercent
	s.index = s.indexOf(snapshot.TrackURL)

	s.logger.Info("Adopting room state",
		zap.String("trackURL", snapshot.TrackURL),
		zap.Float64("position", snapshot.PositionSeconds),
		zap.Bool("playing", snapshot.IsPlaying))

	if err := s.authority.LoadTrack(ctx, snapshot); err != nil {
		s.logger.Warn("Failed to adopt room state", zap.Error(err))
		return
	}
	s.pushStateLocked()
	s.ensureTickLocked()
}

func (s *SessionService) indexOf(url string) int {
	for i, t := range s.playlist {
		if t.URL == url {
			return i
		}
	}
	return -1
}

func (s *SessionService) demoteLocked() {
	s.claimPending = false
	s.leaseToken = ""
	s.start = nil
	s.stopRenewLocked()
	if s.volumeTimer != nil {
		s.volumeTimer.Stop()
		s.volumeTimer = nil
	}

	s.role = entities.RoleListener
	s.authority.SetRole(entities.RoleListener)
	s.emitLocked(protocol.EventPlaybackQuery, struct{}{})
}

func (s *SessionService) deviceLoop(ctx context.Context) {
	defer s.wg.Done()

	events := s.device.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleDeviceEvent(ctx, ev)
		}
	}
}

func (s *SessionService) handleDeviceEvent(ctx context.Context, ev repositories.DeviceEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == entities.RoleNone {
		return
	}
	if !s.authority.HandleDeviceEvent(ctx, ev) {
		return
	}
	if ev.Type == repositories.DeviceEventEnded && s.role == entities.RoleDJ &&
		s.authority.State() == playback.StatePlaying {
		s.logger.Info("Track ended", zap.Int("index", s.index))
		if err := s.advanceLocked(ctx, 1); err != nil {
			s.logger.Warn("Failed to advance track", zap.Error(err))
		}
	}
	s.ensureTickLocked()
}

// ensureTickLocked runs the drift tick exactly while playback is meant to run.
func (s *SessionService) ensureTickLocked() {
	want := s.role != entities.RoleNone &&
		(s.authority.Snapshot().IsPlaying || s.authority.State() == playback.StatePlaying)

	switch {
	case want && s.tickStop == nil:
		s.tickGen++
		stop := make(chan struct{})
		s.tickStop = stop
		go s.tickLoop(s.tickGen, stop, s.clock.Ticker(s.opts.DriftInterval))
	case !want && s.tickStop != nil:
		s.stopTickLocked()
	}
}

// stopTickLocked returns once no further tick can act: a tick goroutine
// waiting on mu sees the bumped generation and exits.
func (s *SessionService) stopTickLocked() {
	close(s.tickStop)
	s.tickStop = nil
	s.tickGen++
}

func (s *SessionService) tickLoop(gen uint64, stop <-chan struct{}, ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.tick(gen) {
				return
			}
		}
	}
}

func (s *SessionService) tick(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.tickGen {
		return false
	}
	switch s.role {
	case entities.RoleListener:
		s.authority.Sync(s.ctx)
	case entities.RoleDJ:
		s.checkTrackEndLocked()
	}
	s.ensureTickLocked()
	return gen == s.tickGen
}

func (s *SessionService) checkTrackEndLocked() {
	if s.authority.State() != playback.StatePlaying {
		return
	}
	snapshot := s.authority.Snapshot()
	if !snapshot.IsPlaying || !snapshot.DurationKnown() {
		return
	}
	if s.authority.EstimatePosition() < snapshot.TrackDurationSeconds-s.opts.TrackEndEpsilon {
		return
	}
	s.logger.Info("Track end reached", zap.Int("index", s.index))
	if err := s.advanceLocked(s.ctx, 1); err != nil {
		s.logger.Warn("Failed to advance track", zap.Error(err))
	}
}

func (s *SessionService) registerHandlers() {
	for _, event := range []string{
		protocol.EventPlay,
		protocol.EventPause,
		protocol.EventSeek,
		protocol.EventTrackChange,
		protocol.EventVolume,
		protocol.EventPlaybackState,
	} {
		event := event
		s.transport.On(event, func(data json.RawMessage) { s.handleRemote(event, data) })
	}
	s.transport.On(protocol.EventRoomUsers, s.handleRoomUsers)
	s.transport.On(protocol.EventJoined, s.handleJoined)
	s.transport.On(protocol.EventLeft, s.handleLeft)
	s.transport.On(protocol.EventAuthorityGranted, s.handleGranted)
	s.transport.On(protocol.EventAuthorityDenied, s.handleDenied)
	s.transport.On(protocol.EventRoomAuthority, s.handleRoomAuthority)
	s.transport.On(protocol.EventTimePong, s.handlePong)
	s.transport.On(protocol.EventError, s.handleRelayError)
	s.transport.OnStatus(s.handleStatus)
}

func (s *SessionService) handleStatus(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == entities.RoleNone {
		return
	}
	s.connected = connected

	if !connected {
		s.stopRenewLocked()
		s.logger.Warn("Relay connection lost", zap.String("room", s.room))
		s.signalError(entities.NewPlaybackError(
			entities.ErrorTransportDisconnected,
			s.authority.Snapshot().TrackURL,
			"relay connection lost"))
		return
	}

	s.logger.Info("Relay connected",
		zap.String("room", s.room),
		zap.String("role", string(s.role)))
	s.emitLocked(protocol.EventTimePing, s.sampler.Start())

	switch s.role {
	case entities.RoleDJ:
		s.claimLocked()
	case entities.RoleListener:
		s.emitLocked(protocol.EventPlaybackQuery, struct{}{})
	}
}

func (s *SessionService) handleRemote(event string, data json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != entities.RoleListener {
		return
	}

	base := protocol.Base{
		Snapshot:          s.authority.Snapshot(),
		EstimatedPosition: s.authority.EstimatePosition(),
	}
	kind, snapshot, err := protocol.Decode(event, data, base)
	if err != nil {
		s.logger.Warn("Dropping undecodable command", zap.String("event", event), zap.Error(err))
		return
	}

	applied, err := s.authority.ApplyRemote(s.ctx, snapshot, kind)
	switch {
	case errors.Is(err, playback.ErrStaleSnapshot):
		s.logger.Debug("Ignored stale command",
			zap.String("event", event),
			zap.Int64("timestampMs", snapshot.EventTimestampMs))
	case err != nil:
		s.logger.Warn("Failed to apply command", zap.String("event", event), zap.Error(err))
	case applied:
		s.logger.Debug("Applied command",
			zap.String("event", event),
			zap.Float64("position", snapshot.PositionSeconds),
			zap.Bool("playing", snapshot.IsPlaying))
	}
	s.ensureTickLocked()
}

func (s *SessionService) handleRoomUsers(data json.RawMessage) {
	var users protocol.RoomUsers
	if err := json.Unmarshal(data, &users); err != nil {
		s.logger.Warn("Malformed room users", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == entities.RoleNone {
		return
	}
	unseen := false
	members := make(map[string]protocol.User, len(users.Users))
	for _, u := range users.Users {
		if u.ID == s.opts.MemberID {
			continue
		}
		if _, known := s.members[u.ID]; !known {
			unseen = true
		}
		members[u.ID] = u
	}
	s.members = members

	if unseen && s.role == entities.RoleDJ {
		s.pushStateLocked()
	}
}

func (s *SessionService) handleJoined(data json.RawMessage) {
	var m protocol.Membership
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("Malformed joined", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == entities.RoleNone || m.User.ID == s.opts.MemberID {
		return
	}
	s.members[m.User.ID] = m.User
	s.logger.Info("Member joined", zap.String("memberID", m.User.ID), zap.String("name", m.User.Name))

	if s.role == entities.RoleDJ {
		s.pushStateLocked()
	}
}

func (s *SessionService) handleLeft(data json.RawMessage) {
	var m protocol.Membership
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("Malformed left", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.members, m.User.ID)
	s.logger.Info("Member left", zap.String("memberID", m.User.ID))
}

func (s *SessionService) handleGranted(data json.RawMessage) {
	var granted protocol.AuthorityGranted
	if err := json.Unmarshal(data, &granted); err != nil {
		s.logger.Warn("Malformed authority grant", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != entities.RoleDJ {
		return
	}
	first := s.claimPending || s.leaseToken == ""
	s.claimPending = false
	s.leaseToken = granted.Token
	s.scheduleRenewLocked(granted.ExpiresAtMs)

	if !first {
		return
	}
	s.logger.Info("Authority granted", zap.String("room", s.room))
	s.takeControlLocked(s.ctx, granted.State)
}

func (s *SessionService) handleDenied(data json.RawMessage) {
	var denied protocol.AuthorityDenied
	if err := json.Unmarshal(data, &denied); err != nil {
		s.logger.Warn("Malformed authority denial", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role != entities.RoleDJ {
		return
	}
	s.logger.Warn("Authority denied, following as listener",
		zap.String("room", s.room),
		zap.String("holder", denied.Holder))
	s.demoteLocked()
}

func (s *SessionService) handleRoomAuthority(data json.RawMessage) {
	var status protocol.RoomAuthority
	if err := json.Unmarshal(data, &status); err != nil {
		s.logger.Warn("Malformed room authority", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.roomAuthority = entities.AuthorityStatus(status.Status)
	s.logger.Debug("Room authority",
		zap.String("status", status.Status),
		zap.String("holder", status.Holder))
}

func (s *SessionService) handlePong(data json.RawMessage) {
	var pong protocol.TimePong
	if err := json.Unmarshal(data, &pong); err != nil {
		s.logger.Warn("Malformed pong", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.role == entities.RoleNone {
		return
	}
	if next := s.sampler.Pong(pong); next != nil {
		s.emitLocked(protocol.EventTimePing, *next)
	}
}

func (s *SessionService) handleRelayError(data json.RawMessage) {
	var relayErr protocol.Error
	if err := json.Unmarshal(data, &relayErr); err != nil {
		s.logger.Warn("Malformed relay error", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Warn("Relay rejected event",
		zap.String("code", relayErr.Code),
		zap.String("message", relayErr.Message))

	if relayErr.Code == protocol.ErrorNotAuthority && s.role == entities.RoleDJ && !s.claimPending {
		s.leaseToken = ""
		s.stopRenewLocked()
		s.claimLocked()
	}
}
