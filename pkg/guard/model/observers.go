package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Observer receives state-change notifications from the core. All methods are
// called on the loop goroutine and must not block.
type Observer interface {
	OnTelemetry(sample TelemetrySample)
	OnAnomalyMetrics(metrics AnomalyMetrics)
	OnSystemStateChange(state SystemState)
	OnConnectionStateChange(state ConnectionState)
	OnCountdownTick(remaining int)
	OnLogEvent(entry LogEntry)
}

// ControlsObserver is implemented by renderers that gate the map, audio and
// attack controls.
type ControlsObserver interface {
	OnControls(controls Controls)
}

// SimulationObserver is implemented by renderers of the simulation overlay.
type SimulationObserver interface {
	OnSimulation(sim AttackSimulation)
}

// AdvisoryObserver receives the backend's advisory countdown values. These
// never drive the authoritative countdown.
type AdvisoryObserver interface {
	OnCountdownAdvisory(countdown int)
}

// BackendObserver receives backend reachability and model readiness.
type BackendObserver interface {
	OnBackendStatus(status BackendStatus)
}

// NopObserver implements every observer interface with no-ops. Embed it to
// pick only the notifications you care about.
type NopObserver struct{}

func (NopObserver) OnTelemetry(TelemetrySample)             {}
func (NopObserver) OnAnomalyMetrics(AnomalyMetrics)         {}
func (NopObserver) OnSystemStateChange(SystemState)         {}
func (NopObserver) OnConnectionStateChange(ConnectionState) {}
func (NopObserver) OnCountdownTick(int)                     {}
func (NopObserver) OnLogEvent(LogEntry)                     {}
func (NopObserver) OnControls(Controls)                     {}
func (NopObserver) OnSimulation(AttackSimulation)           {}
func (NopObserver) OnCountdownAdvisory(int)                 {}
func (NopObserver) OnBackendStatus(BackendStatus)           {}

// Hub fans notifications out to registered observers. It is confined to the
// loop goroutine.
type Hub struct {
	now       func() time.Time
	observers []Observer
}

// NewHub creates a hub that stamps log entries with now.
func NewHub(now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	return &Hub{now: now}
}

// Register adds an observer.
func (h *Hub) Register(o Observer) {
	h.observers = append(h.observers, o)
}

func (h *Hub) NotifyTelemetry(sample TelemetrySample) {
	for _, o := range h.observers {
		o.OnTelemetry(sample)
	}
}

func (h *Hub) NotifyAnomalyMetrics(metrics AnomalyMetrics) {
	for _, o := range h.observers {
		o.OnAnomalyMetrics(metrics)
	}
}

func (h *Hub) NotifySystemState(state SystemState) {
	for _, o := range h.observers {
		o.OnSystemStateChange(state)
	}
}

func (h *Hub) NotifyConnectionState(state ConnectionState) {
	for _, o := range h.observers {
		o.OnConnectionStateChange(state)
	}
}

func (h *Hub) NotifyCountdown(remaining int) {
	for _, o := range h.observers {
		o.OnCountdownTick(remaining)
	}
}

func (h *Hub) NotifyControls(controls Controls) {
	for _, o := range h.observers {
		if co, ok := o.(ControlsObserver); ok {
			co.OnControls(controls)
		}
	}
}

func (h *Hub) NotifySimulation(sim AttackSimulation) {
	for _, o := range h.observers {
		if so, ok := o.(SimulationObserver); ok {
			so.OnSimulation(sim)
		}
	}
}

func (h *Hub) NotifyAdvisory(countdown int) {
	for _, o := range h.observers {
		if ao, ok := o.(AdvisoryObserver); ok {
			ao.OnCountdownAdvisory(countdown)
		}
	}
}

func (h *Hub) NotifyBackend(status BackendStatus) {
	for _, o := range h.observers {
		if bo, ok := o.(BackendObserver); ok {
			bo.OnBackendStatus(status)
		}
	}
}

// Log emits a user-visible log entry and mirrors it to the process log.
func (h *Hub) Log(category LogCategory, format string, args ...any) {
	entry := LogEntry{
		ID:        uuid.New(),
		Timestamp: h.now(),
		Message:   fmt.Sprintf(format, args...),
		Category:  category,
	}

	log.Debug().
		Str("category", string(category)).
		Str("entry_id", entry.ID.String()).
		Msg(entry.Message)

	for _, o := range h.observers {
		o.OnLogEvent(entry)
	}
}
