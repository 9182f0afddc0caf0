package entities

import "math"

// Track describes one entry of the DJ's playlist.
type Track struct {
	ID              string  `json:"id" bson:"id"`
	URL             string  `json:"url" bson:"url"`
	Title           string  `json:"title,omitempty" bson:"title,omitempty"`
	Artist          string  `json:"artist,omitempty" bson:"artist,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty" bson:"duration_seconds,omitempty"`
}

// PlaybackSnapshot is a timestamped statement of what should be true about playback.
// PositionSeconds is the position as of EventTimestampMs on the sender's clock.
type PlaybackSnapshot struct {
	TrackID              string  `json:"track_id" bson:"track_id"`
	TrackURL             string  `json:"track_url" bson:"track_url"`
	TrackTitle           string  `json:"track_title,omitempty" bson:"track_title,omitempty"`
	TrackArtist          string  `json:"track_artist,omitempty" bson:"track_artist,omitempty"`
	TrackDurationSeconds float64 `json:"track_duration_seconds,omitempty" bson:"track_duration_seconds,omitempty"`

	IsPlaying        bool    `json:"is_playing" bson:"is_playing"`
	PositionSeconds  float64 `json:"position_seconds" bson:"position_seconds"`
	EventTimestampMs int64   `json:"event_timestamp_ms" bson:"event_timestamp_ms"`

	VolumePercent         int  `json:"volume_percent" bson:"volume_percent"`
	IsMuted               bool `json:"is_muted" bson:"is_muted"`
	PreviousVolumePercent int  `json:"previous_volume_percent" bson:"previous_volume_percent"`
}

// HasTrack reports whether a track is loaded.
func (s PlaybackSnapshot) HasTrack() bool {
	return s.TrackURL != ""
}

// DurationKnown reports whether the track duration has been resolved.
func (s PlaybackSnapshot) DurationKnown() bool {
	return s.TrackDurationSeconds > 0
}

// Track returns the track portion of the snapshot.
func (s PlaybackSnapshot) Track() Track {
	return Track{
		ID:              s.TrackID,
		URL:             s.TrackURL,
		Title:           s.TrackTitle,
		Artist:          s.TrackArtist,
		DurationSeconds: s.TrackDurationSeconds,
	}
}

// WithTrack returns a copy of s pointing at track t. Volume fields are kept.
func (s PlaybackSnapshot) WithTrack(t Track) PlaybackSnapshot {
	s.TrackID = t.ID
	s.TrackURL = t.URL
	s.TrackTitle = t.Title
	s.TrackArtist = t.Artist
	s.TrackDurationSeconds = t.DurationSeconds
	return s
}

// Normalize enforces the snapshot invariants: an empty source is never playing,
// the position is never negative and never past a known duration, and the
// volume stays within [0, 100].
func (s *PlaybackSnapshot) Normalize() {
	if s.TrackURL == "" {
		s.IsPlaying = false
	}
	if s.PositionSeconds < 0 || math.IsNaN(s.PositionSeconds) {
		s.PositionSeconds = 0
	}
	if s.DurationKnown() && s.PositionSeconds > s.TrackDurationSeconds {
		s.PositionSeconds = s.TrackDurationSeconds
	}
	s.VolumePercent = ClampVolume(s.VolumePercent)
	s.PreviousVolumePercent = ClampVolume(s.PreviousVolumePercent)
}

// Baseline derives the listener baseline from the snapshot.
func (s PlaybackSnapshot) Baseline() LocalSyncBaseline {
	return LocalSyncBaseline{
		PositionSeconds:  s.PositionSeconds,
		EventTimestampMs: s.EventTimestampMs,
		IsPlaying:        s.IsPlaying,
		TrackURL:         s.TrackURL,
	}
}

// LocalSyncBaseline is the last snapshot a listener actually applied.
type LocalSyncBaseline struct {
	PositionSeconds  float64 `json:"position_seconds"`
	EventTimestampMs int64   `json:"event_timestamp_ms"`
	IsPlaying        bool    `json:"is_playing"`
	TrackURL         string  `json:"track_url"`
}

// Volume is the persisted volume seed a session starts from.
type Volume struct {
	Percent int  `json:"percent"`
	Muted   bool `json:"muted"`
}

// DefaultVolume is used when no seed is supplied.
var DefaultVolume = Volume{Percent: 80}

// ClampVolume bounds a volume percentage to [0, 100].
func ClampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
