// Package clocksync estimates the offset between the local clock and the
// relay's clock from ping/pong round trips, so that event timestamps from
// different machines share one time base.
package clocksync

import (
	"errors"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/djsync/server/internal/protocol"
)

// DefaultSamples is the number of round trips per sampling round.
const DefaultSamples = 5

var ErrNoSamples = errors.New("no usable clock samples")

// Sample is the outcome of one round trip.
type Sample struct {
	LatencyMs int64
	// OffsetMs is how far the relay clock is ahead of ours; negative means behind.
	OffsetMs int64
}

// NewSample computes a sample from the local send time, the relay's clock
// reading and the local receive time.
func NewSample(sentMs, serverMs, receivedMs int64) Sample {
	latency := (receivedMs - sentMs) / 2
	return Sample{
		LatencyMs: latency,
		OffsetMs:  serverMs - sentMs - latency,
	}
}

// Filter drops samples whose latency lies more than three median absolute
// deviations from the median and averages the rest.
func Filter(samples []Sample) (latencyMs, offsetMs int64, err error) {
	if len(samples) == 0 {
		return 0, 0, ErrNoSamples
	}

	median, mad := medianAbsoluteDeviation(samples)
	upper := median + 3*mad
	lower := median - 3*mad

	var lTot, oTot, count int64
	for _, s := range samples {
		if s.LatencyMs < lower || s.LatencyMs > upper {
			continue
		}
		lTot += s.LatencyMs
		oTot += s.OffsetMs
		count++
	}
	if count == 0 {
		return 0, 0, ErrNoSamples
	}
	return lTot / count, oTot / count, nil
}

// medianAbsoluteDeviation returns the median latency and the median absolute
// deviation from it. For an even count the upper middle element is used.
func medianAbsoluteDeviation(samples []Sample) (int64, int64) {
	latencies := make([]int64, len(samples))
	for i, s := range samples {
		latencies[i] = s.LatencyMs
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	median := latencies[len(latencies)/2]

	diffs := make([]int64, len(latencies))
	for i, l := range latencies {
		d := l - median
		if d < 0 {
			d = -d
		}
		diffs[i] = d
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i] < diffs[j] })
	return median, diffs[len(diffs)/2]
}

// Sampler runs sampling rounds and exposes the shared-time-base clock.
// Until the first round completes the offset is zero.
type Sampler struct {
	clock  clock.Clock
	logger *zap.Logger
	want   int

	mu       sync.Mutex
	samples  []Sample
	offset   int64
	latency  int64
	inFlight bool
}

// NewSampler creates a sampler taking n samples per round; n <= 0 selects DefaultSamples.
func NewSampler(c clock.Clock, n int, logger *zap.Logger) *Sampler {
	if c == nil {
		c = clock.New()
	}
	if n <= 0 {
		n = DefaultSamples
	}
	return &Sampler{clock: c, logger: logger, want: n}
}

// Start begins a new round and returns the first ping to send. The previous
// offset stays in use until the round completes.
func (s *Sampler) Start() protocol.TimePing {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = s.samples[:0]
	s.inFlight = true
	return protocol.TimePing{ClientMs: s.localMs()}
}

// Pong records a reply. It returns the next ping to send, or nil when the
// round is complete or no round is running.
func (s *Sampler) Pong(p protocol.TimePong) *protocol.TimePing {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inFlight {
		return nil
	}

	s.samples = append(s.samples, NewSample(p.ClientMs, p.ServerMs, s.localMs()))
	if len(s.samples) < s.want {
		return &protocol.TimePing{ClientMs: s.localMs()}
	}

	s.inFlight = false
	latency, offset, err := Filter(s.samples)
	if err != nil {
		s.logger.Warn("Clock sampling round discarded", zap.Error(err))
		return nil
	}
	s.latency = latency
	s.offset = offset
	s.logger.Info("Clock offset updated",
		zap.Int64("offsetMs", offset),
		zap.Int64("latencyMs", latency),
		zap.Int("samples", len(s.samples)))
	return nil
}

// Offset returns the current offset of the relay clock in milliseconds.
func (s *Sampler) Offset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Latency returns the one-way latency of the last completed round.
func (s *Sampler) Latency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latency
}

// NowMs returns the current time in the relay's time base.
func (s *Sampler) NowMs() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localMs() + s.offset
}

func (s *Sampler) localMs() int64 {
	return s.clock.Now().UnixMilli()
}
