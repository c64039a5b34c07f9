// Package guardtest holds test helpers shared by the core packages.
package guardtest

import (
	"strings"

	"github.com/TFMV/scooterguard/pkg/guard/model"
)

// Recorder is a model.Observer that keeps every notification it receives.
type Recorder struct {
	Samples          []model.TelemetrySample
	Metrics          []model.AnomalyMetrics
	States           []model.SystemState
	ConnectionStates []model.ConnectionState
	Countdowns       []int
	Logs             []model.LogEntry
	Controls         []model.Controls
	Simulations      []model.AttackSimulation
	Advisories       []int
	Backend          []model.BackendStatus
}

func (r *Recorder) OnTelemetry(s model.TelemetrySample) {
	r.Samples = append(r.Samples, s)
}

func (r *Recorder) OnAnomalyMetrics(m model.AnomalyMetrics) {
	r.Metrics = append(r.Metrics, m)
}

func (r *Recorder) OnSystemStateChange(s model.SystemState) {
	r.States = append(r.States, s)
}

func (r *Recorder) OnConnectionStateChange(s model.ConnectionState) {
	r.ConnectionStates = append(r.ConnectionStates, s)
}

func (r *Recorder) OnCountdownTick(n int) {
	r.Countdowns = append(r.Countdowns, n)
}

func (r *Recorder) OnLogEvent(e model.LogEntry) {
	r.Logs = append(r.Logs, e)
}

func (r *Recorder) OnControls(c model.Controls) {
	r.Controls = append(r.Controls, c)
}

func (r *Recorder) OnSimulation(s model.AttackSimulation) {
	r.Simulations = append(r.Simulations, s)
}

func (r *Recorder) OnCountdownAdvisory(n int) {
	r.Advisories = append(r.Advisories, n)
}

func (r *Recorder) OnBackendStatus(s model.BackendStatus) {
	r.Backend = append(r.Backend, s)
}

// LastMetrics returns the most recent metrics notification.
func (r *Recorder) LastMetrics() (model.AnomalyMetrics, bool) {
	if len(r.Metrics) == 0 {
		return model.AnomalyMetrics{}, false
	}
	return r.Metrics[len(r.Metrics)-1], true
}

// LastControls returns the most recent controls notification.
func (r *Recorder) LastControls() (model.Controls, bool) {
	if len(r.Controls) == 0 {
		return model.Controls{}, false
	}
	return r.Controls[len(r.Controls)-1], true
}

// LastSimulation returns the most recent simulation notification.
func (r *Recorder) LastSimulation() (model.AttackSimulation, bool) {
	if len(r.Simulations) == 0 {
		return model.AttackSimulation{}, false
	}
	return r.Simulations[len(r.Simulations)-1], true
}

// HasLog reports whether any log entry contains substr.
func (r *Recorder) HasLog(substr string) bool {
	_, ok := r.FindLog(substr)
	return ok
}

// FindLog returns the first log entry containing substr.
func (r *Recorder) FindLog(substr string) (model.LogEntry, bool) {
	for _, e := range r.Logs {
		if strings.Contains(e.Message, substr) {
			return e, true
		}
	}
	return model.LogEntry{}, false
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	*r = Recorder{}
}
