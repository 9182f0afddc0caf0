// Package playback holds the synchronization core: the position estimator, the
// drift reconciler and the authority state machine that owns the canonical
// playback snapshot.
package playback

import "github.com/satriahrh/djsync/server/domain/entities"

// Estimate returns the believed current position for baseline at nowMs.
// A paused baseline does not advance. durationSeconds <= 0 means the duration is
// not known yet, in which case the estimate is not clamped from above and the
// caller re-estimates once metadata arrives.
func Estimate(baseline entities.LocalSyncBaseline, nowMs int64, durationSeconds float64) float64 {
	if !baseline.IsPlaying {
		return baseline.PositionSeconds
	}

	elapsed := float64(nowMs-baseline.EventTimestampMs) / 1000
	position := baseline.PositionSeconds + elapsed
	if position < 0 {
		position = 0
	}
	if durationSeconds > 0 && position > durationSeconds {
		position = durationSeconds
	}
	return position
}
