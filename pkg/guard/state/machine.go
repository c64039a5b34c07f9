// Package state owns the authoritative session state: the operating mode, the
// anomaly metrics and the control lockdown derived from them.
package state

import (
	"math/rand/v2"

	"github.com/rs/zerolog/log"

	"github.com/TFMV/scooterguard/pkg/guard/model"
)

// Score ranges drawn on state entry.
var (
	NormalRange         = ScoreRange{Min: 0.10, Max: 0.30}
	AttackDetectedRange = ScoreRange{Min: 0.75, Max: 0.95}
	SafeModeRange       = ScoreRange{Min: 0.90, Max: 1.00}
)

// ScoreRange is a closed interval of anomaly scores.
type ScoreRange struct {
	Min, Max float64
}

// Draw returns a uniform value in the range.
func (r ScoreRange) Draw(rng *rand.Rand) float64 {
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

// Clamp limits v to the range.
func (r ScoreRange) Clamp(v float64) float64 {
	return model.Clamp(v, r.Min, r.Max)
}

// Suspender is notified synchronously when the machine enters or leaves
// SAFE_MODE. Suspend must cancel any timer that could otherwise touch the
// session after lockdown.
type Suspender interface {
	Suspend()
	Resume()
}

// Snapshot is a point-in-time copy of the session state.
type Snapshot struct {
	State    model.SystemState    `json:"state"`
	Metrics  model.AnomalyMetrics `json:"metrics"`
	Controls model.Controls       `json:"controls"`
}

// Machine is the system state machine. It is confined to the loop goroutine;
// every change to SystemState or AnomalyMetrics goes through its methods.
type Machine struct {
	hub        *model.Hub
	rng        *rand.Rand
	state      model.SystemState
	metrics    model.AnomalyMetrics
	controls   model.Controls
	suspenders []Suspender
}

// NewMachine creates a machine in NORMAL with the given starting score.
func NewMachine(hub *model.Hub, rng *rand.Rand, initialScore float64) *Machine {
	return &Machine{
		hub:      hub,
		rng:      rng,
		state:    model.StateNormal,
		metrics:  model.NewAnomalyMetrics(initialScore),
		controls: model.EnabledControls(),
	}
}

// AddSuspender registers a component to suspend on SAFE_MODE entry.
func (m *Machine) AddSuspender(s Suspender) {
	m.suspenders = append(m.suspenders, s)
}

// State returns the current operating mode.
func (m *Machine) State() model.SystemState {
	return m.state
}

// Metrics returns the current anomaly metrics.
func (m *Machine) Metrics() model.AnomalyMetrics {
	return m.metrics
}

// Controls returns the current control gating.
func (m *Machine) Controls() model.Controls {
	return m.controls
}

// Snapshot returns a copy of the session state.
func (m *Machine) Snapshot() Snapshot {
	return Snapshot{State: m.state, Metrics: m.metrics, Controls: m.controls}
}

// SetScore overrides the anomaly score. Used for authoritative values from the
// backend or a simulation result.
func (m *Machine) SetScore(score float64) {
	m.metrics = model.NewAnomalyMetrics(score)
	m.hub.NotifyAnomalyMetrics(m.metrics)
}

// DriftScore moves the score by delta, bounded to the NORMAL range. It only
// applies in NORMAL and reports whether it did.
func (m *Machine) DriftScore(delta float64) bool {
	if m.state != model.StateNormal {
		return false
	}
	m.SetScore(NormalRange.Clamp(m.metrics.Score + delta))
	return true
}

// Apply moves to a state reported by the backend. SAFE_MODE is never left
// this way.
func (m *Machine) Apply(state model.SystemState, score *float64) {
	switch state {
	case model.StateSafeMode:
		m.EnterSafeMode("backend", score)
	case model.StateAttackDetected:
		m.DetectAttack(score)
	case model.StateNormal:
		if m.state == model.StateSafeMode {
			log.Warn().Msg("Ignoring NORMAL state from backend while in safe mode")
			return
		}
		m.enter(model.StateNormal, score)
	}
}

// DetectAttack moves to ATTACK_DETECTED. Ignored while in SAFE_MODE.
func (m *Machine) DetectAttack(score *float64) {
	if m.state == model.StateSafeMode {
		log.Debug().Msg("Attack verdict ignored: already in safe mode")
		return
	}
	m.enter(model.StateAttackDetected, score)
}

// EnterSafeMode locks the session down. Suspenders are stopped before the
// state changes, so no tick can run against a locked session. Entering
// SAFE_MODE again is a no-op; it reports whether the transition happened.
func (m *Machine) EnterSafeMode(trigger string, score *float64) bool {
	if m.state == model.StateSafeMode {
		return false
	}

	for _, s := range m.suspenders {
		s.Suspend()
	}

	m.controls = model.Controls{SafeModeOverlay: true, Reason: "safe mode"}
	m.enter(model.StateSafeMode, score)
	m.hub.NotifyControls(m.controls)

	log.Warn().
		Str("trigger", trigger).
		Float64("anomaly_score", m.metrics.Score).
		Msg("Safe mode activated")

	m.hub.Log(model.LogSecurity, "SAFE MODE ACTIVATED")
	m.hub.Log(model.LogSystem, "Map tracking frozen")
	m.hub.Log(model.LogSystem, "Music system disabled")
	m.hub.Log(model.LogML, "Reset system to exit safe mode")
	return true
}

// Reset returns the session to NORMAL and resumes suspended components. It is
// the only way out of SAFE_MODE.
func (m *Machine) Reset() {
	from := m.state

	m.controls = model.EnabledControls()
	m.enter(model.StateNormal, nil)
	m.hub.NotifyControls(m.controls)

	for _, s := range m.suspenders {
		s.Resume()
	}

	log.Info().Str("from", string(from)).Msg("System reset to normal")
	if from == model.StateSafeMode {
		m.hub.Log(model.LogSystem, "Safe mode deactivated")
	}
}

// DisableControls disables the map, audio and attack controls without leaving
// the current state.
func (m *Machine) DisableControls(reason string) {
	m.controls = model.Controls{
		SafeModeOverlay: m.controls.SafeModeOverlay,
		Reason:          reason,
	}
	m.hub.NotifyControls(m.controls)
}

// AcknowledgeSafeMode hides the safe-mode notice. The session stays locked.
func (m *Machine) AcknowledgeSafeMode() {
	if !m.controls.SafeModeOverlay {
		return
	}
	m.controls.SafeModeOverlay = false
	m.hub.NotifyControls(m.controls)
}

// enter sets the state and redraws the score from the state's range unless
// an explicit score was supplied.
func (m *Machine) enter(state model.SystemState, score *float64) {
	prev := m.state
	m.state = state

	var next float64
	switch {
	case score != nil:
		next = *score
	case state == model.StateAttackDetected:
		next = AttackDetectedRange.Draw(m.rng)
	case state == model.StateSafeMode:
		next = SafeModeRange.Draw(m.rng)
	default:
		next = NormalRange.Clamp(m.metrics.Score)
	}

	if prev != state {
		log.Info().
			Str("from", string(prev)).
			Str("to", string(state)).
			Msg("System state changed")
	}
	m.hub.NotifySystemState(state)
	m.SetScore(next)
}
