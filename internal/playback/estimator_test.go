package playback

import (
	"testing"

	"github.com/satriahrh/djsync/server/domain/entities"
)

func TestEstimate(t *testing.T) {
	const t0 = int64(1_700_000_000_000)

	tests := []struct {
		name     string
		baseline entities.LocalSyncBaseline
		nowMs    int64
		duration float64
		want     float64
	}{
		{
			name:     "playing advances with elapsed time",
			baseline: entities.LocalSyncBaseline{PositionSeconds: 10, EventTimestampMs: t0, IsPlaying: true},
			nowMs:    t0 + 3000,
			duration: 200,
			want:     13,
		},
		{
			name:     "paused stays put",
			baseline: entities.LocalSyncBaseline{PositionSeconds: 10, EventTimestampMs: t0},
			nowMs:    t0 + 3000,
			duration: 200,
			want:     10,
		},
		{
			name:     "clamped to duration",
			baseline: entities.LocalSyncBaseline{PositionSeconds: 190, EventTimestampMs: t0, IsPlaying: true},
			nowMs:    t0 + 30_000,
			duration: 200,
			want:     200,
		},
		{
			name:     "unknown duration is not clamped",
			baseline: entities.LocalSyncBaseline{PositionSeconds: 190, EventTimestampMs: t0, IsPlaying: true},
			nowMs:    t0 + 30_000,
			want:     220,
		},
		{
			name:     "future timestamp floors at zero",
			baseline: entities.LocalSyncBaseline{PositionSeconds: 1, EventTimestampMs: t0 + 5000, IsPlaying: true},
			nowMs:    t0,
			duration: 200,
			want:     0,
		},
		{
			name:     "late joiner",
			baseline: entities.LocalSyncBaseline{PositionSeconds: 40, EventTimestampMs: t0, IsPlaying: true},
			nowMs:    t0 + 2000,
			duration: 180,
			want:     42,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Estimate(tt.baseline, tt.nowMs, tt.duration)
			if got != tt.want {
				t.Errorf("Estimate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEstimateDeterministic(t *testing.T) {
	b := entities.LocalSyncBaseline{PositionSeconds: 7.5, EventTimestampMs: 1000, IsPlaying: true}
	first := Estimate(b, 4500, 60)
	for i := 0; i < 10; i++ {
		if got := Estimate(b, 4500, 60); got != first {
			t.Fatalf("Estimate() = %v on run %d, want %v", got, i, first)
		}
	}
}
