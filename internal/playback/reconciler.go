package playback

import (
	"fmt"
	"math"
)

// DefaultThreshold is the drift tolerated before a listener is corrected, in seconds.
const DefaultThreshold = 0.2

// ActionKind is the reconciler's verdict on a drift measurement.
type ActionKind int

const (
	// ActionNone means the device is within tolerance.
	ActionNone ActionKind = iota
	// ActionSoftLetRide means the device drifted but cannot be seeked safely.
	ActionSoftLetRide
	// ActionHardSeek means the device must be moved to Action.PositionSeconds.
	ActionHardSeek
)

func (k ActionKind) String() string {
	switch k {
	case ActionSoftLetRide:
		return "soft_let_ride"
	case ActionHardSeek:
		return "hard_seek"
	default:
		return "none"
	}
}

// Action is a reconciler decision.
type Action struct {
	Kind            ActionKind
	PositionSeconds float64
}

func (a Action) String() string {
	if a.Kind == ActionHardSeek {
		return fmt.Sprintf("hard_seek(%.3f)", a.PositionSeconds)
	}
	return a.Kind.String()
}

// None is the no-op action.
var None = Action{Kind: ActionNone}

// HardSeekTo builds a seek action.
func HardSeekTo(position float64) Action {
	return Action{Kind: ActionHardSeek, PositionSeconds: position}
}

// Reconcile compares the device position against the estimated position. Only
// drift beyond threshold is corrected.
func Reconcile(devicePositionSeconds, estimatedPositionSeconds, thresholdSeconds float64) Action {
	diff := math.Abs(devicePositionSeconds - estimatedPositionSeconds)
	if diff <= thresholdSeconds {
		return None
	}
	return HardSeekTo(estimatedPositionSeconds)
}

// ReconcileWithDuration is Reconcile for a track whose duration may be unknown.
// Without a valid duration drift is let ride.
func ReconcileWithDuration(devicePositionSeconds, estimatedPositionSeconds, thresholdSeconds, durationSeconds float64) Action {
	action := Reconcile(devicePositionSeconds, estimatedPositionSeconds, thresholdSeconds)
	if durationSeconds <= 0 && action.Kind == ActionHardSeek {
		return Action{Kind: ActionSoftLetRide}
	}
	return action
}

// DeviceStatus is what the reconciler needs to know about the local device.
type DeviceStatus struct {
	PositionSeconds float64
	Paused          bool
}

// Target is where the authority believes playback should be right now.
type Target struct {
	PositionSeconds float64
	IsPlaying       bool
	DurationSeconds float64
}

// Correction is the full set of device calls needed to follow a target.
type Correction struct {
	Action Action
	Play   bool
	Pause  bool
}

// IsNoop reports whether the correction requires no device call.
func (c Correction) IsNoop() bool {
	return c.Action.Kind != ActionHardSeek && !c.Play && !c.Pause
}

// Reconciler turns drift measurements into corrections.
type Reconciler struct {
	Threshold float64
}

// NewReconciler creates a reconciler; a non-positive threshold selects DefaultThreshold.
func NewReconciler(threshold float64) *Reconciler {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Reconciler{Threshold: threshold}
}

// Plan decides how to bring device in line with target.
func (r *Reconciler) Plan(device DeviceStatus, target Target) Correction {
	return Correction{
		Action: ReconcileWithDuration(device.PositionSeconds, target.PositionSeconds, r.Threshold, target.DurationSeconds),
		Play:   target.IsPlaying && device.Paused,
		Pause:  !target.IsPlaying && !device.Paused,
	}
}
