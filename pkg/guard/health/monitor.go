// Package health probes the detection backend's liveness endpoint on a fixed
// schedule. Results are diagnostic only.
package health

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TFMV/scooterguard/pkg/guard/backend"
	"github.com/TFMV/scooterguard/pkg/guard/loop"
	"github.com/TFMV/scooterguard/pkg/guard/model"
)

// Timer names.
const (
	TimerName        = "health"
	InitialTimerName = "health-initial"
)

// Prober calls the liveness endpoint.
type Prober interface {
	Health(ctx context.Context) (*backend.HealthStatus, error)
}

// Link reports whether the streaming connection is up.
type Link interface {
	Connected() bool
}

// Recorder counts probe results.
type Recorder interface {
	RecordHealthProbe(healthy bool)
}

// Config sets the probe schedule.
type Config struct {
	Interval     time.Duration
	InitialDelay time.Duration
	Timeout      time.Duration
}

// Monitor schedules probes. It never touches SystemState or ConnectionState.
type Monitor struct {
	sched    loop.Scheduler
	hub      *model.Hub
	prober   Prober
	link     Link
	recorder Recorder
	cfg      Config
	onProbe  func(model.BackendStatus)

	initial  *loop.Timer
	periodic *loop.Timer
	inFlight bool
	probes   int
	failures int
}

// NewMonitor creates a stopped monitor.
func NewMonitor(sched loop.Scheduler, hub *model.Hub, prober Prober, link Link, cfg Config) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	return &Monitor{sched: sched, hub: hub, prober: prober, link: link, cfg: cfg}
}

// SetRecorder installs a probe counter.
func (m *Monitor) SetRecorder(r Recorder) {
	m.recorder = r
}

// OnProbe sets a callback receiving each probe outcome.
func (m *Monitor) OnProbe(fn func(model.BackendStatus)) {
	m.onProbe = fn
}

// Start arms the one-shot initial probe and the periodic probe.
func (m *Monitor) Start() {
	if m.periodic.Active() {
		return
	}
	m.initial = m.sched.AfterFunc(InitialTimerName, m.cfg.InitialDelay, m.probe)
	m.periodic = m.sched.Every(TimerName, m.cfg.Interval, m.probe)
}

// Stop cancels both timers.
func (m *Monitor) Stop() {
	m.initial.Stop()
	m.periodic.Stop()
}

// Probes returns how many probes completed and how many failed.
func (m *Monitor) Probes() (total, failed int) {
	return m.probes, m.failures
}

func (m *Monitor) probe() {
	// A slow backend must not stack probes.
	if m.inFlight {
		return
	}
	m.inFlight = true

	prober, timeout := m.prober, m.cfg.Timeout
	m.sched.Go(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		status, err := prober.Health(ctx)
		return func() { m.done(status, err) }
	})
}

func (m *Monitor) done(status *backend.HealthStatus, err error) {
	m.inFlight = false
	m.probes++
	connected := m.link.Connected()

	if m.recorder != nil {
		m.recorder.RecordHealthProbe(err == nil)
	}

	if err != nil {
		m.failures++
		log.Debug().Err(err).Bool("connected", connected).Msg("Backend health check failed")
		if !connected {
			m.hub.Log(model.LogML, "ML backend not responding. Check backend deployment status")
		}
		if m.onProbe != nil {
			m.onProbe(model.BackendStatus{Reachable: false})
		}
		return
	}

	if connected {
		m.hub.Log(model.LogSystem, "Backend healthy - State: %s", status.State)
	}
	if m.onProbe != nil {
		m.onProbe(model.BackendStatus{Reachable: true, ModelReady: status.MLConnected})
	}
}
