package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/domain/repositories"
)

// State is the authority's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StatePlaying
	StatePaused
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CommandKind names the transport command a snapshot change maps to.
type CommandKind string

const (
	CommandPlay        CommandKind = "play"
	CommandPause       CommandKind = "pause"
	CommandSeek        CommandKind = "seek"
	CommandTrackChange CommandKind = "track-change"
	CommandVolume      CommandKind = "volume"
	CommandState       CommandKind = "state"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrStaleSnapshot     = errors.New("stale snapshot")
	ErrUnknownDuration   = errors.New("track duration unknown")
	ErrNotListener       = errors.New("remote commands are only applied by listeners")
)

// DefaultSuppressionWindow is how long an untagged device echo is filtered
// after a programmatic call.
const DefaultSuppressionWindow = 100 * time.Millisecond

// BroadcastFunc receives every snapshot the DJ must send. It is called with the
// authority lock held and must not call back into the authority.
type BroadcastFunc func(kind CommandKind, snapshot entities.PlaybackSnapshot)

// ErrorFunc receives every playback error. Same locking rule as BroadcastFunc.
type ErrorFunc func(err *entities.PlaybackError)

// Options configures an Authority.
type Options struct {
	Clock clock.Clock
	// NowMs returns the shared-time-base wall clock in milliseconds. Defaults to Clock.
	NowMs             func() int64
	Threshold         float64
	SuppressionWindow time.Duration
	OnBroadcast       BroadcastFunc
	OnError           ErrorFunc
}

// Authority owns the canonical playback snapshot and mediates between local
// commands (DJ) and remote commands (listener).
type Authority struct {
	mu sync.Mutex

	device     repositories.PlaybackDevice
	logger     *zap.Logger
	clock      clock.Clock
	nowMs      func() int64
	reconciler *Reconciler
	window     time.Duration

	onBroadcast BroadcastFunc
	onError     ErrorFunc

	role     entities.Role
	state    State
	snapshot entities.PlaybackSnapshot
	baseline *entities.LocalSyncBaseline
	lastErr  *entities.PlaybackError

	// pendingPlay is the play intent recorded while metadata is loading.
	pendingPlay bool
	// awaitingGesture is set after a rejected play; automatic play attempts
	// stop until the user issues a play.
	awaitingGesture bool
	lastVolumeMs    int64

	suppressUntil map[repositories.DeviceEventType]time.Time
}

// NewAuthority creates an idle authority for device.
func NewAuthority(device repositories.PlaybackDevice, role entities.Role, logger *zap.Logger, opts Options) *Authority {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.NowMs == nil {
		c := opts.Clock
		opts.NowMs = func() int64 { return c.Now().UnixMilli() }
	}
	if opts.SuppressionWindow <= 0 {
		opts.SuppressionWindow = DefaultSuppressionWindow
	}

	return &Authority{
		device:        device,
		logger:        logger,
		clock:         opts.Clock,
		nowMs:         opts.NowMs,
		reconciler:    NewReconciler(opts.Threshold),
		window:        opts.SuppressionWindow,
		onBroadcast:   opts.OnBroadcast,
		onError:       opts.OnError,
		role:          role,
		state:         StateIdle,
		snapshot:      entities.PlaybackSnapshot{VolumePercent: entities.DefaultVolume.Percent},
		suppressUntil: make(map[repositories.DeviceEventType]time.Time),
	}
}

// Role returns the role the authority acts for.
func (a *Authority) Role() entities.Role {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.role
}

// SetRole switches between DJ and listener behavior.
func (a *Authority) SetRole(role entities.Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.role = role
	if role == entities.RoleDJ {
		a.baseline = nil
	}
}

// State returns the current lifecycle state.
func (a *Authority) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Snapshot returns a copy of the canonical snapshot.
func (a *Authority) Snapshot() entities.PlaybackSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshot
}

// Baseline returns the listener baseline, if any.
func (a *Authority) Baseline() (entities.LocalSyncBaseline, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.baseline == nil {
		return entities.LocalSyncBaseline{}, false
	}
	return *a.baseline, true
}

// LastError returns the most recent playback error.
func (a *Authority) LastError() *entities.PlaybackError {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// EstimatePosition is where the canonical snapshot says playback is right now.
func (a *Authority) EstimatePosition() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.estimateLocked()
}

func (a *Authority) estimateLocked() float64 {
	b := a.snapshot.Baseline()
	if a.baseline != nil {
		b = *a.baseline
	}
	return Estimate(b, a.nowMs(), a.snapshot.TrackDurationSeconds)
}

// SeedVolume applies the persisted volume without broadcasting.
func (a *Authority) SeedVolume(ctx context.Context, v entities.Volume) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.snapshot.VolumePercent = entities.ClampVolume(v.Percent)
	a.snapshot.PreviousVolumePercent = a.snapshot.VolumePercent
	a.snapshot.IsMuted = v.Muted
	return a.device.SetVolume(ctx, a.snapshot.VolumePercent, a.snapshot.IsMuted)
}

// LoadTrack moves to Loading for snapshot's track and resets the baseline.
// The snapshot's IsPlaying becomes the pending intent applied once metadata loads.
func (a *Authority) LoadTrack(ctx context.Context, snapshot entities.PlaybackSnapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadLocked(ctx, snapshot)
}

func (a *Authority) loadLocked(ctx context.Context, snapshot entities.PlaybackSnapshot) error {
	snapshot.Normalize()
	a.baseline = nil
	a.lastErr = nil
	a.awaitingGesture = false
	a.clearSuppressionLocked()

	if perr := ValidateSource(snapshot.TrackURL); perr != nil {
		snapshot.IsPlaying = false
		a.snapshot = snapshot
		a.pendingPlay = false
		a.failLocked(perr)
		return perr
	}

	a.snapshot = snapshot
	a.pendingPlay = snapshot.IsPlaying
	a.state = StateLoading

	a.logger.Info("Loading track",
		zap.String("trackURL", snapshot.TrackURL),
		zap.String("role", string(a.role)),
		zap.Bool("autoplay", snapshot.IsPlaying))

	if err := a.device.Load(ctx, snapshot.TrackURL, entities.OriginLocal); err != nil {
		a.failLocked(asPlaybackError(err, entities.ErrorNetwork, snapshot.TrackURL))
		return fmt.Errorf("failed to load track: %w", err)
	}
	return nil
}

// MetadataLoaded records the track duration. From Loading it moves to Ready, or
// straight on to Playing when the pending intent is to play.
func (a *Authority) MetadataLoaded(ctx context.Context, durationSeconds float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metadataLocked(ctx, durationSeconds)
}

func (a *Authority) metadataLocked(ctx context.Context, durationSeconds float64) error {
	if durationSeconds > 0 {
		a.snapshot.TrackDurationSeconds = durationSeconds
		a.snapshot.Normalize()
	}

	switch a.state {
	case StateLoading:
	case StateReady, StatePlaying, StatePaused:
		// late duration update for the current track
		return nil
	default:
		return fmt.Errorf("%w: metadata in %s", ErrInvalidTransition, a.state)
	}

	a.state = StateReady
	a.logger.Info("Track metadata loaded",
		zap.String("trackURL", a.snapshot.TrackURL),
		zap.Float64("duration", a.snapshot.TrackDurationSeconds))

	if a.role == entities.RoleDJ {
		if !a.pendingPlay {
			if a.snapshot.PositionSeconds > 0 && a.snapshot.DurationKnown() {
				a.seekLocked(ctx, a.snapshot.PositionSeconds, entities.OriginLocal)
			}
			return nil
		}
		a.pendingPlay = false
		position := a.snapshot.PositionSeconds
		if position > 0 && a.snapshot.DurationKnown() {
			a.seekLocked(ctx, position, entities.OriginLocal)
		}
		err := a.startLocked(ctx, entities.OriginLocal)
		// listeners follow the DJ's actual start, playing or not
		a.snapshot.IsPlaying = err == nil
		a.snapshot.PositionSeconds = position
		a.snapshot.EventTimestampMs = a.nowMs()
		a.broadcastLocked(CommandState)
		return err
	}

	a.pendingPlay = false
	a.syncLocked(ctx)
	return nil
}

// CommandPlay starts playback from the current position.
func (a *Authority) CommandPlay(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireControllableLocked("play"); err != nil {
		return err
	}

	a.awaitingGesture = false
	if a.role == entities.RoleListener {
		// a listener's play is a user gesture that re-arms following the DJ
		a.syncLocked(ctx)
		return nil
	}
	if a.state == StatePlaying {
		return nil
	}

	position := a.device.PositionSeconds()
	if err := a.startLocked(ctx, entities.OriginLocal); err != nil {
		return err
	}

	a.stampLocked(true, position)
	a.broadcastLocked(CommandPlay)
	return nil
}

// CommandPause pauses playback at the current position.
func (a *Authority) CommandPause(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireControllableLocked("pause"); err != nil {
		return err
	}
	if a.state != StatePlaying && !a.snapshot.IsPlaying {
		return nil
	}

	position := a.device.PositionSeconds()
	a.markSuppressLocked(repositories.DeviceEventPause)
	if err := a.device.Pause(ctx, entities.OriginLocal); err != nil {
		return fmt.Errorf("failed to pause device: %w", err)
	}
	a.state = StatePaused

	a.stampLocked(false, position)
	a.broadcastLocked(CommandPause)
	return nil
}

// CommandSeek moves playback to positionSeconds, keeping the play state.
func (a *Authority) CommandSeek(ctx context.Context, positionSeconds float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.requireControllableLocked("seek"); err != nil {
		return err
	}
	if !a.snapshot.DurationKnown() {
		return ErrUnknownDuration
	}

	if positionSeconds < 0 {
		positionSeconds = 0
	}
	if positionSeconds > a.snapshot.TrackDurationSeconds {
		positionSeconds = a.snapshot.TrackDurationSeconds
	}

	if err := a.seekLocked(ctx, positionSeconds, entities.OriginLocal); err != nil {
		return err
	}

	a.stampLocked(a.snapshot.IsPlaying, positionSeconds)
	a.broadcastLocked(CommandSeek)
	return nil
}

// SetVolume applies a volume change locally and returns the updated snapshot.
// Broadcasting is left to the caller, which debounces it.
func (a *Authority) SetVolume(ctx context.Context, percent int, muted bool) (entities.PlaybackSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	percent = entities.ClampVolume(percent)
	if muted && !a.snapshot.IsMuted {
		a.snapshot.PreviousVolumePercent = a.snapshot.VolumePercent
	}
	if !muted && a.snapshot.IsMuted && percent == 0 {
		percent = a.snapshot.PreviousVolumePercent
	}
	a.snapshot.VolumePercent = percent
	a.snapshot.IsMuted = muted

	if err := a.device.SetVolume(ctx, percent, muted); err != nil {
		return a.snapshot, fmt.Errorf("failed to set volume: %w", err)
	}
	return a.snapshot, nil
}

// ApplyRemote applies a snapshot received from the DJ. It returns false when
// the snapshot is a duplicate, and ErrStaleSnapshot when it is older than the
// baseline for the same track. A different track is always accepted.
func (a *Authority) ApplyRemote(ctx context.Context, snapshot entities.PlaybackSnapshot, kind CommandKind) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.role != entities.RoleListener {
		return false, ErrNotListener
	}

	if kind == CommandVolume {
		return a.applyVolumeLocked(ctx, snapshot)
	}

	snapshot.Normalize()
	trackChanged := a.baseline == nil || snapshot.TrackURL != a.baseline.TrackURL

	if !trackChanged {
		if snapshot.EventTimestampMs < a.baseline.EventTimestampMs {
			a.logger.Debug("Ignoring stale snapshot",
				zap.String("kind", string(kind)),
				zap.Int64("timestampMs", snapshot.EventTimestampMs),
				zap.Int64("baselineMs", a.baseline.EventTimestampMs))
			return false, ErrStaleSnapshot
		}
		if snapshot.EventTimestampMs == a.baseline.EventTimestampMs && snapshot.Baseline() == *a.baseline {
			return false, nil
		}
	}

	if !trackChanged {
		if !snapshot.DurationKnown() {
			snapshot.TrackDurationSeconds = a.snapshot.TrackDurationSeconds
		}
		a.mergeLocked(snapshot)
		baseline := a.snapshot.Baseline()
		a.baseline = &baseline
		if a.state != StateError {
			a.syncLocked(ctx)
		}
		return true, nil
	}

	if snapshot.TrackURL == "" {
		a.unloadLocked(ctx)
		a.snapshot.EventTimestampMs = snapshot.EventTimestampMs
		baseline := a.snapshot.Baseline()
		a.baseline = &baseline
		return true, nil
	}

	volume := a.snapshot
	snapshot.VolumePercent = volume.VolumePercent
	snapshot.IsMuted = volume.IsMuted
	snapshot.PreviousVolumePercent = volume.PreviousVolumePercent
	if err := a.loadLocked(ctx, snapshot); err != nil {
		// the baseline still records the DJ's track so later commands for it are ordered
		baseline := snapshot.Baseline()
		a.baseline = &baseline
		return true, err
	}
	baseline := a.snapshot.Baseline()
	a.baseline = &baseline
	return true, nil
}

func (a *Authority) applyVolumeLocked(ctx context.Context, snapshot entities.PlaybackSnapshot) (bool, error) {
	if snapshot.EventTimestampMs < a.lastVolumeMs {
		return false, ErrStaleSnapshot
	}
	a.lastVolumeMs = snapshot.EventTimestampMs
	a.snapshot.VolumePercent = entities.ClampVolume(snapshot.VolumePercent)
	a.snapshot.IsMuted = snapshot.IsMuted
	a.snapshot.PreviousVolumePercent = entities.ClampVolume(snapshot.PreviousVolumePercent)
	if err := a.device.SetVolume(ctx, a.snapshot.VolumePercent, a.snapshot.IsMuted); err != nil {
		return true, fmt.Errorf("failed to set volume: %w", err)
	}
	return true, nil
}

func (a *Authority) mergeLocked(s entities.PlaybackSnapshot) {
	a.snapshot.IsPlaying = s.IsPlaying
	a.snapshot.PositionSeconds = s.PositionSeconds
	a.snapshot.EventTimestampMs = s.EventTimestampMs
	a.snapshot.TrackDurationSeconds = s.TrackDurationSeconds
	if s.TrackID != "" {
		a.snapshot.TrackID = s.TrackID
	}
	if s.TrackTitle != "" {
		a.snapshot.TrackTitle = s.TrackTitle
	}
	if s.TrackArtist != "" {
		a.snapshot.TrackArtist = s.TrackArtist
	}
	a.snapshot.Normalize()
}

func (a *Authority) unloadLocked(ctx context.Context) {
	if a.state == StatePlaying {
		a.markSuppressLocked(repositories.DeviceEventPause)
		if err := a.device.Pause(ctx, entities.OriginSync); err != nil {
			a.logger.Warn("Failed to pause device on unload", zap.Error(err))
		}
	}
	volume := a.snapshot
	a.snapshot = entities.PlaybackSnapshot{
		VolumePercent:         volume.VolumePercent,
		IsMuted:               volume.IsMuted,
		PreviousVolumePercent: volume.PreviousVolumePercent,
	}
	a.state = StateIdle
	a.pendingPlay = false
}

// Sync brings the device in line with the baseline. It is the listener's
// drift check; DJs and authorities without a baseline get a no-op.
func (a *Authority) Sync(ctx context.Context) Correction {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.syncLocked(ctx)
}

func (a *Authority) syncLocked(ctx context.Context) Correction {
	if a.role != entities.RoleListener || a.baseline == nil {
		return Correction{}
	}
	switch a.state {
	case StateReady, StatePlaying, StatePaused:
	default:
		return Correction{}
	}

	estimated := Estimate(*a.baseline, a.nowMs(), a.snapshot.TrackDurationSeconds)
	correction := a.reconciler.Plan(
		DeviceStatus{PositionSeconds: a.device.PositionSeconds(), Paused: a.device.Paused()},
		Target{PositionSeconds: estimated, IsPlaying: a.baseline.IsPlaying, DurationSeconds: a.snapshot.TrackDurationSeconds},
	)
	if a.awaitingGesture {
		correction.Play = false
	}

	if correction.Action.Kind == ActionHardSeek {
		a.logger.Debug("Correcting drift",
			zap.Float64("device", a.device.PositionSeconds()),
			zap.Float64("estimated", estimated))
		if err := a.seekLocked(ctx, correction.Action.PositionSeconds, entities.OriginSync); err != nil {
			a.logger.Warn("Drift correction seek failed", zap.Error(err))
		}
	}

	switch {
	case correction.Pause:
		a.markSuppressLocked(repositories.DeviceEventPause)
		if err := a.device.Pause(ctx, entities.OriginSync); err != nil {
			a.logger.Warn("Sync pause failed", zap.Error(err))
		} else {
			a.state = StatePaused
		}
	case correction.Play:
		_ = a.startLocked(ctx, entities.OriginSync)
	case a.baseline.IsPlaying && !a.device.Paused():
		a.state = StatePlaying
	case !a.baseline.IsPlaying && a.state == StatePlaying:
		a.state = StatePaused
	}
	return correction
}

// HandleDeviceEvent feeds a device callback into the machine. It returns false
// when the event is the echo of one of our own calls and was suppressed.
func (a *Authority) HandleDeviceEvent(ctx context.Context, ev repositories.DeviceEvent) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case repositories.DeviceEventMetadata:
		if err := a.metadataLocked(ctx, ev.DurationSeconds); err != nil {
			a.logger.Debug("Metadata ignored", zap.Error(err))
		}
		return true
	case repositories.DeviceEventError:
		kind := ev.ErrorKind
		if kind == "" {
			kind = entities.ErrorDecode
		}
		a.deviceErrorLocked(kind, ev.Reason)
		return true
	case repositories.DeviceEventEnded:
		return true
	}

	if a.isEchoLocked(ev) {
		a.logger.Debug("Suppressed device echo",
			zap.String("event", string(ev.Type)),
			zap.String("origin", ev.Origin.String()))
		return false
	}

	a.logger.Info("Device event",
		zap.String("event", string(ev.Type)),
		zap.String("role", string(a.role)),
		zap.Float64("position", ev.PositionSeconds))

	switch ev.Type {
	case repositories.DeviceEventPlay:
		a.state = StatePlaying
		if a.role == entities.RoleDJ {
			a.stampLocked(true, ev.PositionSeconds)
			a.broadcastLocked(CommandPlay)
		}
	case repositories.DeviceEventPause:
		a.state = StatePaused
		if a.role == entities.RoleDJ {
			a.stampLocked(false, ev.PositionSeconds)
			a.broadcastLocked(CommandPause)
		}
	case repositories.DeviceEventSeeked:
		if a.role == entities.RoleDJ {
			a.stampLocked(a.snapshot.IsPlaying, ev.PositionSeconds)
			a.broadcastLocked(CommandSeek)
		}
	}
	return true
}

// DeviceError moves to Error for fatal kinds. PlayRejected falls back to Paused.
func (a *Authority) DeviceError(kind entities.ErrorKind, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deviceErrorLocked(kind, reason)
}

func (a *Authority) deviceErrorLocked(kind entities.ErrorKind, reason string) {
	perr := entities.NewPlaybackError(kind, a.snapshot.TrackURL, reason)
	if kind == entities.ErrorPlayRejected {
		a.rejectLocked(perr)
		return
	}
	a.failLocked(perr)
}

// Reset returns to Idle, drops the baseline and clears suppression marks.
func (a *Authority) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	volume := a.snapshot
	a.snapshot = entities.PlaybackSnapshot{
		VolumePercent:         volume.VolumePercent,
		IsMuted:               volume.IsMuted,
		PreviousVolumePercent: volume.PreviousVolumePercent,
	}
	a.baseline = nil
	a.state = StateIdle
	a.pendingPlay = false
	a.awaitingGesture = false
	a.lastErr = nil
	a.lastVolumeMs = 0
	a.clearSuppressionLocked()
}

// ClearSuppression drops all pending echo marks.
func (a *Authority) ClearSuppression() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clearSuppressionLocked()
}

func (a *Authority) requireControllableLocked(op string) error {
	switch a.state {
	case StateReady, StatePlaying, StatePaused:
		return nil
	default:
		return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, op, a.state)
	}
}

func (a *Authority) startLocked(ctx context.Context, origin entities.Origin) error {
	a.markSuppressLocked(repositories.DeviceEventPlay)
	if err := a.device.Play(ctx, origin); err != nil {
		delete(a.suppressUntil, repositories.DeviceEventPlay)
		perr := asPlaybackError(err, entities.ErrorPlayRejected, a.snapshot.TrackURL)
		if perr.Kind == entities.ErrorPlayRejected {
			a.rejectLocked(perr)
		} else {
			a.failLocked(perr)
		}
		return perr
	}
	a.state = StatePlaying
	return nil
}

func (a *Authority) seekLocked(ctx context.Context, position float64, origin entities.Origin) error {
	a.markSuppressLocked(repositories.DeviceEventSeeked)
	if err := a.device.Seek(ctx, position, origin); err != nil {
		delete(a.suppressUntil, repositories.DeviceEventSeeked)
		return fmt.Errorf("failed to seek device: %w", err)
	}
	return nil
}

func (a *Authority) rejectLocked(perr *entities.PlaybackError) {
	a.state = StatePaused
	if a.role == entities.RoleDJ {
		a.snapshot.IsPlaying = false
	}
	if a.awaitingGesture {
		return
	}
	a.awaitingGesture = true
	a.lastErr = perr
	a.logger.Warn("Play rejected, waiting for a user gesture",
		zap.String("trackURL", perr.TrackURL),
		zap.String("reason", perr.Reason))
	if a.onError != nil {
		a.onError(perr)
	}
}

func (a *Authority) failLocked(perr *entities.PlaybackError) {
	a.state = StateError
	a.pendingPlay = false
	a.lastErr = perr
	a.logger.Error("Playback error",
		zap.String("kind", string(perr.Kind)),
		zap.String("trackURL", perr.TrackURL),
		zap.String("reason", perr.Reason))
	if a.onError != nil {
		a.onError(perr)
	}
}

func (a *Authority) stampLocked(playing bool, position float64) {
	a.snapshot.IsPlaying = playing
	a.snapshot.PositionSeconds = position
	a.snapshot.EventTimestampMs = a.nowMs()
	a.snapshot.Normalize()
}

func (a *Authority) broadcastLocked(kind CommandKind) {
	if a.role != entities.RoleDJ || a.onBroadcast == nil {
		return
	}
	a.onBroadcast(kind, a.snapshot)
}

func (a *Authority) markSuppressLocked(t repositories.DeviceEventType) {
	a.suppressUntil[t] = a.clock.Now().Add(a.window)
}

func (a *Authority) isEchoLocked(ev repositories.DeviceEvent) bool {
	until, marked := a.suppressUntil[ev.Type]
	if marked {
		delete(a.suppressUntil, ev.Type)
	}
	if ev.Origin.Programmatic() {
		return true
	}
	return marked && a.clock.Now().Before(until)
}

func (a *Authority) clearSuppressionLocked() {
	for t := range a.suppressUntil {
		delete(a.suppressUntil, t)
	}
}

func asPlaybackError(err error, fallback entities.ErrorKind, trackURL string) *entities.PlaybackError {
	var perr *entities.PlaybackError
	if errors.As(err, &perr) {
		if perr.TrackURL == "" {
			perr.TrackURL = trackURL
		}
		return perr
	}
	return entities.NewPlaybackError(fallback, trackURL, err.Error())
}
