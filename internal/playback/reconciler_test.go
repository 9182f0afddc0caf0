package playback

import "testing"

func TestReconcile(t *testing.T) {
	tests := []struct {
		name      string
		device    float64
		estimated float64
		threshold float64
		want      Action
	}{
		{name: "within threshold", device: 13.05, estimated: 13.0, threshold: 0.2, want: None},
		{name: "exactly at threshold", device: 13.2, estimated: 13.0, threshold: 0.2, want: None},
		{name: "behind", device: 10, estimated: 13, threshold: 0.2, want: HardSeekTo(13)},
		{name: "ahead", device: 15, estimated: 13, threshold: 0.2, want: HardSeekTo(13)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Reconcile(tt.device, tt.estimated, tt.threshold)
			if got != tt.want {
				t.Errorf("Reconcile() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReconcileWithDuration(t *testing.T) {
	if got := ReconcileWithDuration(10, 13, 0.2, 0); got.Kind != ActionSoftLetRide {
		t.Errorf("unknown duration: got %v, want soft_let_ride", got)
	}
	if got := ReconcileWithDuration(13, 13.1, 0.2, 0); got != None {
		t.Errorf("unknown duration within threshold: got %v, want none", got)
	}
	if got := ReconcileWithDuration(10, 13, 0.2, 180); got != HardSeekTo(13) {
		t.Errorf("known duration: got %v, want hard_seek(13)", got)
	}
}

func TestReconcilerPlan(t *testing.T) {
	r := NewReconciler(0)
	if r.Threshold != DefaultThreshold {
		t.Fatalf("NewReconciler(0).Threshold = %v, want %v", r.Threshold, DefaultThreshold)
	}

	tests := []struct {
		name   string
		device DeviceStatus
		target Target
		want   Correction
	}{
		{
			name:   "in sync",
			device: DeviceStatus{PositionSeconds: 20},
			target: Target{PositionSeconds: 20.1, IsPlaying: true, DurationSeconds: 100},
			want:   Correction{Action: None},
		},
		{
			name:   "paused device behind a playing target",
			device: DeviceStatus{PositionSeconds: 0, Paused: true},
			target: Target{PositionSeconds: 42, IsPlaying: true, DurationSeconds: 180},
			want:   Correction{Action: HardSeekTo(42), Play: true},
		},
		{
			name:   "playing device for a paused target",
			device: DeviceStatus{PositionSeconds: 30},
			target: Target{PositionSeconds: 30, DurationSeconds: 180},
			want:   Correction{Action: None, Pause: true},
		},
		{
			name:   "unknown duration only aligns play state",
			device: DeviceStatus{PositionSeconds: 0, Paused: true},
			target: Target{PositionSeconds: 42, IsPlaying: true},
			want:   Correction{Action: Action{Kind: ActionSoftLetRide}, Play: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Plan(tt.device, tt.target)
			if got != tt.want {
				t.Errorf("Plan() = %+v, want %+v", got, tt.want)
			}
		})
	}

	if !(Correction{Action: Action{Kind: ActionSoftLetRide}}).IsNoop() {
		t.Error("soft_let_ride alone should be a no-op")
	}
}

func TestValidateSource(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{raw: "", want: "empty_source"},
		{raw: "   ", want: "empty_source"},
		{raw: "https://cdn.example/a.mp3", want: ""},
		{raw: "https:///a.mp3", want: "invalid_source"},
		{raw: "ftp://cdn.example/a.mp3", want: "invalid_source"},
		{raw: "music/a.flac", want: ""},
		{raw: "not a track", want: "invalid_source"},
		{raw: "blob:abc-123", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got := ValidateSource(tt.raw)
			kind := ""
			if got != nil {
				kind = string(got.Kind)
			}
			if kind != tt.want {
				t.Errorf("ValidateSource(%q) = %q, want %q", tt.raw, kind, tt.want)
			}
		})
	}
}
