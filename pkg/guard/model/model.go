// Package model holds the session data shared by the dashboard core components.
package model

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// SystemState is the authoritative operating mode of the vehicle.
type SystemState string

const (
	// StateNormal is regular operation.
	StateNormal SystemState = "NORMAL"
	// StateAttackDetected means an attack verdict is in effect.
	StateAttackDetected SystemState = "ATTACK_DETECTED"
	// StateSafeMode is the lockdown state; it persists until an explicit reset.
	StateSafeMode SystemState = "SAFE_MODE"
)

// ParseSystemState validates a wire value.
func ParseSystemState(s string) (SystemState, error) {
	state := SystemState(s)
	if !state.Valid() {
		return "", fmt.Errorf("unknown system state %q", s)
	}
	return state, nil
}

// Valid reports whether s is one of the known states.
func (s SystemState) Valid() bool {
	switch s {
	case StateNormal, StateAttackDetected, StateSafeMode:
		return true
	}
	return false
}

// ConnectionState is the lifecycle of the streaming connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// AnomalyThreshold is the fixed score above which telemetry is anomalous.
const AnomalyThreshold = 0.70

// AnomalyMetrics is the anomaly score and the values derived from it.
type AnomalyMetrics struct {
	Score               float64 `json:"anomaly_score"`
	ReconstructionError float64 `json:"reconstruction_error"`
	Threshold           float64 `json:"threshold"`
	Confidence          float64 `json:"confidence"`
}

// NewAnomalyMetrics derives the full metrics record from a score, clamping the
// score into [0,1] first.
func NewAnomalyMetrics(score float64) AnomalyMetrics {
	s := Clamp(score, 0, 1)
	return AnomalyMetrics{
		Score:               s,
		ReconstructionError: s * 0.1,
		Threshold:           AnomalyThreshold,
		Confidence:          math.Max(50, 100-s*50),
	}
}

// AnomalyLevel buckets a score for display.
type AnomalyLevel string

const (
	LevelNormal     AnomalyLevel = "normal"
	LevelSuspicious AnomalyLevel = "suspicious"
	LevelAnomalous  AnomalyLevel = "anomalous"
)

// Level returns the display bucket of the score.
func (m AnomalyMetrics) Level() AnomalyLevel {
	switch {
	case m.Score < 0.3:
		return LevelNormal
	case m.Score < AnomalyThreshold:
		return LevelSuspicious
	default:
		return LevelAnomalous
	}
}

// TelemetrySample is one tick of simulated vehicle sensor readings.
type TelemetrySample struct {
	Speed        float64   `json:"speed"`
	Acceleration float64   `json:"acceleration"`
	RPM          float64   `json:"rpm"`
	DistanceKm   float64   `json:"distance_km"`
	BatteryPct   float64   `json:"battery_pct"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Timestamp    time.Time `json:"timestamp"`
}

// SimulationPhase tracks where an attack simulation is in its workflow.
type SimulationPhase string

const (
	PhaseIdle      SimulationPhase = "idle"
	PhasePending   SimulationPhase = "pending"
	PhaseCountdown SimulationPhase = "countdown"
	PhaseSwitching SimulationPhase = "switching"
)

// AttackSimulation is the state of a running attack simulation.
type AttackSimulation struct {
	AttackType         string          `json:"attack_type"`
	CountdownRemaining int             `json:"countdown_remaining"`
	Active             bool            `json:"active"`
	IsLocalFallback    bool            `json:"is_local_fallback"`
	Phase              SimulationPhase `json:"phase"`
	OverlayVisible     bool            `json:"overlay_visible"`
}

// Controls tells renderers which collaborators may be used.
type Controls struct {
	MapEnabled            bool   `json:"map_enabled"`
	AudioEnabled          bool   `json:"audio_enabled"`
	AttackControlsEnabled bool   `json:"attack_controls_enabled"`
	SafeModeOverlay       bool   `json:"safe_mode_overlay"`
	Reason                string `json:"reason,omitempty"`
}

// EnabledControls is the unrestricted control set.
func EnabledControls() Controls {
	return Controls{MapEnabled: true, AudioEnabled: true, AttackControlsEnabled: true}
}

// BackendStatus is display-only information about the detection backend.
type BackendStatus struct {
	Reachable  bool `json:"reachable"`
	ModelReady bool `json:"model_ready"`
}

// LogCategory groups user-visible log entries.
type LogCategory string

const (
	LogSystem   LogCategory = "system"
	LogML       LogCategory = "ml"
	LogSecurity LogCategory = "security"
)

// LogEntry is a user-visible event log line.
type LogEntry struct {
	ID        uuid.UUID   `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	Message   string      `json:"message"`
	Category  LogCategory `json:"category"`
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
