// Package telemetry produces the simulated vehicle sensor feed and records
// dashboard metrics.
package telemetry

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TFMV/scooterguard/pkg/guard/loop"
	"github.com/TFMV/scooterguard/pkg/guard/model"
	"github.com/TFMV/scooterguard/pkg/guard/protocol"
)

// TimerName is the name of the sample timer.
const TimerName = "telemetry"

// Initial vehicle readings.
const (
	BaseSpeed     = 33.5
	BaseAccel     = 1.2
	BaseBattery   = 78.0
	BaseRPM       = 3250.0
	BaseDistance  = 5.2
	BaseLatitude  = 12.9166
	BaseLongitude = 77.6161
)

// Per-tick variation.
const (
	speedJitter    = 1.5
	rpmJitter      = 250.0
	distanceStep   = 0.01
	batteryDrain   = 0.005
	gpsJitter      = 0.00005
	scoreWalk      = 0.025
	lateralJitter  = 0.25
	gravity        = 9.8
	verticalJitter = 0.1
)

// Scorer is the slice of the state machine the synthesizer needs.
type Scorer interface {
	State() model.SystemState
	DriftScore(delta float64) bool
}

// Transmitter sends frames to the backend.
type Transmitter interface {
	Connected() bool
	Send(v any) bool
}

// Synthesizer generates one TelemetrySample per interval while enabled.
type Synthesizer struct {
	sched    loop.Scheduler
	rng      *rand.Rand
	hub      *model.Hub
	scorer   Scorer
	tx       Transmitter
	interval time.Duration

	timer   *loop.Timer
	blocked func() bool
	sample  model.TelemetrySample
	sent    int
}

// NewSynthesizer creates a synthesizer seeded with the base readings.
func NewSynthesizer(sched loop.Scheduler, rng *rand.Rand, hub *model.Hub, scorer Scorer, tx Transmitter, interval time.Duration) *Synthesizer {
	if interval <= 0 {
		interval = time.Second
	}
	return &Synthesizer{
		sched:    sched,
		rng:      rng,
		hub:      hub,
		scorer:   scorer,
		tx:       tx,
		interval: interval,
		sample: model.TelemetrySample{
			Speed:        BaseSpeed,
			Acceleration: BaseAccel,
			RPM:          BaseRPM,
			DistanceKm:   BaseDistance,
			BatteryPct:   BaseBattery,
			Latitude:     BaseLatitude,
			Longitude:    BaseLongitude,
			Timestamp:    sched.Now(),
		},
	}
}

// SetGate installs a predicate that turns ticks into no-ops while it holds.
func (s *Synthesizer) SetGate(blocked func() bool) {
	s.blocked = blocked
}

// Start arms the sample timer. Starting a running synthesizer is a no-op.
func (s *Synthesizer) Start() {
	if s.timer.Active() {
		return
	}
	s.timer = s.sched.Every(TimerName, s.interval, s.tick)
	log.Debug().Dur("interval", s.interval).Msg("Telemetry started")
}

// Suspend cancels the sample timer. No tick runs after it returns.
func (s *Synthesizer) Suspend() {
	if s.timer.Stop() {
		log.Debug().Msg("Telemetry suspended")
	}
}

// Resume re-arms the sample timer.
func (s *Synthesizer) Resume() {
	s.Start()
}

// Running reports whether the sample timer is armed.
func (s *Synthesizer) Running() bool {
	return s.timer.Active()
}

// Sample returns the last generated sample.
func (s *Synthesizer) Sample() model.TelemetrySample {
	return s.sample
}

// Sent returns how many TELEMETRY frames were handed to the transmitter.
func (s *Synthesizer) Sent() int {
	return s.sent
}

func (s *Synthesizer) tick() {
	if s.scorer.State() == model.StateSafeMode {
		return
	}
	if s.blocked != nil && s.blocked() {
		return
	}

	prev := s.sample
	next := model.TelemetrySample{
		Speed:        BaseSpeed + s.jitter(speedJitter),
		Acceleration: s.jitter(1),
		RPM:          BaseRPM + s.jitter(rpmJitter),
		DistanceKm:   prev.DistanceKm + distanceStep,
		BatteryPct:   math.Max(0, prev.BatteryPct-batteryDrain),
		Latitude:     prev.Latitude + s.jitter(gpsJitter),
		Longitude:    prev.Longitude + s.jitter(gpsJitter),
		Timestamp:    s.sched.Now(),
	}
	s.sample = next

	s.scorer.DriftScore(s.jitter(scoreWalk))
	s.hub.NotifyTelemetry(next)

	if s.tx == nil || !s.tx.Connected() {
		return
	}
	vector := protocol.FeatureVector{
		next.Speed,
		next.Acceleration,
		s.jitter(lateralJitter),
		gravity + s.jitter(verticalJitter),
		s.jitter(gpsJitter),
		s.jitter(gpsJitter),
	}
	if s.tx.Send(protocol.NewTelemetryFrame(vector, next.Timestamp)) {
		s.sent++
	}
}

// jitter returns a uniform value in [-amp, amp].
func (s *Synthesizer) jitter(amp float64) float64 {
	return (s.rng.Float64()*2 - 1) * amp
}
