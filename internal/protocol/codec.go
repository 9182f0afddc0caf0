package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/satriahrh/djsync/server/domain/entities"
	"github.com/satriahrh/djsync/server/internal/playback"
)

var (
	ErrUnknownEvent   = errors.New("unknown event")
	ErrInvalidPayload = errors.New("invalid payload")
)

// Encode maps a snapshot change to the event and payload that announce it.
func Encode(kind playback.CommandKind, room string, s entities.PlaybackSnapshot) (string, any) {
	position := s.PositionSeconds

	switch kind {
	case playback.CommandPlay:
		return EventPlay, PlayPause{TimestampMs: s.EventTimestampMs, Position: &position}
	case playback.CommandPause:
		return EventPause, PlayPause{TimestampMs: s.EventTimestampMs, Position: &position}
	case playback.CommandSeek:
		return EventSeek, Seek{Position: position, TimestampMs: s.EventTimestampMs}
	case playback.CommandTrackChange:
		playing := s.IsPlaying
		return EventTrackChange, TrackChange{
			TrackID:     s.TrackID,
			TrackURL:    s.TrackURL,
			TrackTitle:  s.TrackTitle,
			TrackArtist: s.TrackArtist,
			Duration:    durationField(s.TrackDurationSeconds),
			IsPlaying:   &playing,
			TimestampMs: s.EventTimestampMs,
		}
	case playback.CommandVolume:
		previous := s.PreviousVolumePercent
		return EventVolume, Volume{
			Volume:         s.VolumePercent,
			Muted:          s.IsMuted,
			PreviousVolume: &previous,
			TimestampMs:    s.EventTimestampMs,
		}
	default:
		return EventPlaybackState, StateFromSnapshot(room, s)
	}
}

// StateFromSnapshot builds the full-state payload.
func StateFromSnapshot(room string, s entities.PlaybackSnapshot) PlaybackState {
	volume := s.VolumePercent
	muted := s.IsMuted
	return PlaybackState{
		Room:        room,
		Position:    s.PositionSeconds,
		IsPlaying:   s.IsPlaying,
		TrackURL:    s.TrackURL,
		TrackID:     s.TrackID,
		TrackTitle:  s.TrackTitle,
		TrackArtist: s.TrackArtist,
		Duration:    durationField(s.TrackDurationSeconds),
		Volume:      &volume,
		Muted:       &muted,
		TimestampMs: s.EventTimestampMs,
	}
}

// Snapshot converts a full-state payload. Volume fields left out of the
// payload are zero.
func (p PlaybackState) Snapshot() entities.PlaybackSnapshot {
	s := entities.PlaybackSnapshot{
		TrackID:              p.TrackID,
		TrackURL:             p.TrackURL,
		TrackTitle:           p.TrackTitle,
		TrackArtist:          p.TrackArtist,
		TrackDurationSeconds: durationSeconds(p.Duration, p.DurationMs),
		IsPlaying:            p.IsPlaying,
		PositionSeconds:      p.Position,
		EventTimestampMs:     p.TimestampMs,
	}
	if p.Volume != nil {
		s.VolumePercent = *p.Volume
	}
	if p.Muted != nil {
		s.IsMuted = *p.Muted
	}
	s.Normalize()
	return s
}

// Base is the receiver's current view that partial commands are merged onto.
// EstimatedPosition fills in a play or pause sent without a position.
type Base struct {
	Snapshot          entities.PlaybackSnapshot
	EstimatedPosition float64
}

// Decode parses a transport command into the snapshot it asserts.
func Decode(event string, data json.RawMessage, base Base) (playback.CommandKind, entities.PlaybackSnapshot, error) {
	s := base.Snapshot

	switch event {
	case EventPlay, EventPause:
		var p PlayPause
		if err := decodePayload(event, data, &p); err != nil {
			return "", s, err
		}
		if err := requireTimestamp(event, p.TimestampMs); err != nil {
			return "", s, err
		}
		s.IsPlaying = event == EventPlay
		s.PositionSeconds = base.EstimatedPosition
		if p.Position != nil {
			s.PositionSeconds = *p.Position
		}
		s.EventTimestampMs = p.TimestampMs
		s.Normalize()
		if event == EventPlay {
			return playback.CommandPlay, s, nil
		}
		return playback.CommandPause, s, nil

	case EventSeek:
		var p Seek
		if err := decodePayload(event, data, &p); err != nil {
			return "", s, err
		}
		if err := requireTimestamp(event, p.TimestampMs); err != nil {
			return "", s, err
		}
		s.PositionSeconds = p.Position
		s.EventTimestampMs = p.TimestampMs
		s.Normalize()
		return playback.CommandSeek, s, nil

	case EventTrackChange:
		var p TrackChange
		if err := decodePayload(event, data, &p); err != nil {
			return "", s, err
		}
		if err := requireTimestamp(event, p.TimestampMs); err != nil {
			return "", s, err
		}
		if p.TrackURL == "" {
			return "", s, fmt.Errorf("%w: %s without trackUrl", ErrInvalidPayload, event)
		}
		playing := s.IsPlaying
		if p.IsPlaying != nil {
			playing = *p.IsPlaying
		}
		s = s.WithTrack(entities.Track{
			ID:              p.TrackID,
			URL:             p.TrackURL,
			Title:           p.TrackTitle,
			Artist:          p.TrackArtist,
			DurationSeconds: durationSeconds(p.Duration, p.DurationMs),
		})
		s.IsPlaying = playing
		s.PositionSeconds = 0
		s.EventTimestampMs = p.TimestampMs
		s.Normalize()
		return playback.CommandTrackChange, s, nil

	case EventVolume:
		var p Volume
		if err := decodePayload(event, data, &p); err != nil {
			return "", s, err
		}
		if err := requireTimestamp(event, p.TimestampMs); err != nil {
			return "", s, err
		}
		s.VolumePercent = p.Volume
		s.IsMuted = p.Muted
		if p.PreviousVolume != nil {
			s.PreviousVolumePercent = *p.PreviousVolume
		}
		s.EventTimestampMs = p.TimestampMs
		s.Normalize()
		return playback.CommandVolume, s, nil

	case EventPlaybackState:
		var p PlaybackState
		if err := decodePayload(event, data, &p); err != nil {
			return "", s, err
		}
		if err := requireTimestamp(event, p.TimestampMs); err != nil {
			return "", s, err
		}
		state := p.Snapshot()
		if p.Volume == nil {
			state.VolumePercent = s.VolumePercent
			state.PreviousVolumePercent = s.PreviousVolumePercent
		}
		if p.Muted == nil {
			state.IsMuted = s.IsMuted
		}
		return playback.CommandState, state, nil
	}

	return "", s, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
}

func decodePayload(event string, data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: %s without data", ErrInvalidPayload, event)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, event, err)
	}
	return nil
}

func requireTimestamp(event string, ts int64) error {
	if ts <= 0 {
		return fmt.Errorf("%w: %s without timestampMs", ErrInvalidPayload, event)
	}
	return nil
}

func durationField(seconds float64) *float64 {
	if seconds <= 0 {
		return nil
	}
	return &seconds
}

// durationSeconds prefers the seconds field; legacy senders send milliseconds.
func durationSeconds(seconds *float64, ms *int64) float64 {
	if seconds != nil && *seconds > 0 {
		return *seconds
	}
	if ms != nil && *ms > 0 {
		return float64(*ms) / 1000
	}
	return 0
}
