// Package session wires the dashboard core together: the streaming
// connection, the protocol dispatcher, the state machine, the telemetry
// synthesizer, the attack simulation and the health monitor.
package session

import (
	"context"
	"math/rand/v2"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/scooterguard/pkg/guard/backend"
	"github.com/TFMV/scooterguard/pkg/guard/config"
	"github.com/TFMV/scooterguard/pkg/guard/connection"
	"github.com/TFMV/scooterguard/pkg/guard/eventlog"
	"github.com/TFMV/scooterguard/pkg/guard/health"
	"github.com/TFMV/scooterguard/pkg/guard/loop"
	"github.com/TFMV/scooterguard/pkg/guard/model"
	"github.com/TFMV/scooterguard/pkg/guard/protocol"
	"github.com/TFMV/scooterguard/pkg/guard/simulation"
	"github.com/TFMV/scooterguard/pkg/guard/state"
	"github.com/TFMV/scooterguard/pkg/guard/telemetry"
)

// InitialScore is the anomaly score a fresh session starts with.
const InitialScore = 0.15

// Session is one dashboard session. Every method must run on the loop
// goroutine; callers outside it go through loop.Loop.Call.
type Session struct {
	id    uuid.UUID
	sched loop.Scheduler
	hub   *model.Hub
	cfg   *config.Config

	machine    *state.Machine
	conn       *connection.Manager
	dispatcher *protocol.Dispatcher
	synth      *telemetry.Synthesizer
	sim        *simulation.Controller
	monitor    *health.Monitor
	client     *backend.Client
	events     *eventlog.Log
	metrics    *telemetry.Metrics

	backendStatus model.BackendStatus
	advisory      *int
	started       bool
}

// Option customises a session.
type Option func(*options)

type options struct {
	sched     loop.Scheduler
	rng       *rand.Rand
	metrics   *telemetry.Metrics
	observers []model.Observer
}

// WithScheduler runs the session on sched instead of a fresh loop.
func WithScheduler(sched loop.Scheduler) Option {
	return func(o *options) { o.sched = sched }
}

// WithRand sets the random source used for scores and telemetry.
func WithRand(rng *rand.Rand) Option {
	return func(o *options) { o.rng = rng }
}

// WithMetrics records session metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithObserver registers an observer before the session starts.
func WithObserver(obs model.Observer) Option {
	return func(o *options) { o.observers = append(o.observers, obs) }
}

// New builds a session from cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) *Session {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.sched == nil {
		o.sched = loop.New()
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	s := &Session{
		id:      uuid.New(),
		sched:   o.sched,
		hub:     model.NewHub(o.sched.Now),
		cfg:     cfg,
		metrics: o.metrics,
		events:  eventlog.New(cfg.EventLog.Capacity, eventlog.ParseBufferFullBehavior(cfg.EventLog.FullBehavior)),
	}

	s.hub.Register(s.events)
	if s.metrics != nil {
		s.hub.Register(s.metrics)
	}
	for _, obs := range o.observers {
		s.hub.Register(obs)
	}

	s.client = backend.NewClient(backend.Config{
		BaseURL:          cfg.Backend.BaseURL,
		RequestTimeout:   cfg.Backend.RequestTimeout,
		FailureThreshold: cfg.Resilience.FailureThreshold,
		ResetTimeout:     cfg.Resilience.ResetTimeout,
		RateLimit:        cfg.Resilience.RateLimit,
		Burst:            cfg.Resilience.Burst,
	})
	if s.metrics != nil {
		s.client.SetObserver(s.metrics)
		s.client.Breaker().RegisterEmitter(s.metrics)
	}

	s.machine = state.NewMachine(s.hub, o.rng, InitialScore)

	s.conn = connection.NewManager(s.sched, s.hub, connection.Config{
		URL:              cfg.Backend.BaseURL,
		ReconnectDelay:   cfg.Timing.ReconnectDelay,
		HandshakeTimeout: cfg.Backend.HandshakeTimeout,
	})
	s.dispatcher = protocol.NewDispatcher(s)
	s.conn.OnMessage(s.handleFrame)

	s.synth = telemetry.NewSynthesizer(s.sched, o.rng, s.hub, s.machine, s.conn, cfg.Timing.TelemetryInterval)

	s.sim = simulation.NewController(s.sched, s.hub, s.machine, s.client, simulation.Config{
		CountdownSeconds: cfg.Timing.CountdownSeconds,
		Tick:             cfg.Timing.CountdownTick,
		Grace:            cfg.Timing.SafeModeGrace,
		RequestTimeout:   cfg.Backend.RequestTimeout,
	})
	if s.metrics != nil {
		s.sim.SetRecorder(s.metrics)
	}
	s.synth.SetGate(s.sim.Active)

	// Telemetry stops before the countdown so neither can tick after lockdown.
	s.machine.AddSuspender(s.synth)
	s.machine.AddSuspender(s.sim)

	s.monitor = health.NewMonitor(s.sched, s.hub, s.client, s.conn, health.Config{
		Interval:     cfg.Timing.HealthInterval,
		InitialDelay: cfg.Timing.HealthInitialDelay,
		Timeout:      cfg.Backend.RequestTimeout,
	})
	if s.metrics != nil {
		s.monitor.SetRecorder(s.metrics)
	}
	s.monitor.OnProbe(s.updateBackend)

	return s
}

// ID identifies the session in process logs.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Scheduler returns the scheduler the session runs on.
func (s *Session) Scheduler() loop.Scheduler {
	return s.sched
}

// Register adds an observer.
func (s *Session) Register(obs model.Observer) {
	s.hub.Register(obs)
}

// Start connects to the backend and starts telemetry and health probes.
func (s *Session) Start() {
	if s.started {
		return
	}
	s.started = true

	log.Info().
		Str("session_id", s.id.String()).
		Str("backend", s.cfg.Backend.BaseURL).
		Str("stream", s.conn.URL()).
		Msg("Starting dashboard session")

	s.hub.Log(model.LogSystem, "Dashboard initialized")
	s.hub.Log(model.LogML, "Starting WebSocket connection to ML backend...")

	s.hub.NotifySystemState(s.machine.State())
	s.hub.NotifyAnomalyMetrics(s.machine.Metrics())
	s.hub.NotifyControls(s.machine.Controls())

	s.conn.Connect()
	s.synth.Start()
	s.monitor.Start()
}

// Stop cancels every timer and closes the connection.
func (s *Session) Stop() {
	if !s.started {
		return
	}
	s.started = false

	s.monitor.Stop()
	s.synth.Suspend()
	s.sim.Cancel()
	s.conn.Close()
	log.Info().Str("session_id", s.id.String()).Msg("Dashboard session stopped")
}

// SimulateAttack starts an attack simulation.
func (s *Session) SimulateAttack(attackType string, emergency bool) error {
	return s.sim.Start(attackType, emergency)
}

// Acknowledge dismisses the simulation overlay.
func (s *Session) Acknowledge() {
	s.sim.Acknowledge()
}

// AcknowledgeSafeMode hides the safe-mode notice without leaving safe mode.
func (s *Session) AcknowledgeSafeMode() {
	s.machine.AcknowledgeSafeMode()
}

// ResetSystem resets locally and then tells the backend. The backend call only
// decides which log line is written.
func (s *Session) ResetSystem() {
	s.advisory = nil
	s.machine.Reset()

	client, timeout := s.client, s.cfg.Backend.RequestTimeout
	s.sched.Go(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := client.ResetSystem(ctx)
		return func() { s.resetDone(err) }
	})
}

func (s *Session) resetDone(err error) {
	if err != nil {
		log.Warn().Err(err).Msg("Reset failed, using local reset")
		s.hub.Log(model.LogSystem, "System reset (local)")
		return
	}
	s.hub.Log(model.LogSystem, "System reset requested")
}

// ClearLog empties the event log.
func (s *Session) ClearLog() {
	s.events.Clear()
	s.hub.Log(model.LogSystem, "Event log cleared")
}

// Logs returns event log entries, newest first, filtered by category or
// eventlog.FilterAll.
func (s *Session) Logs(filter string) []model.LogEntry {
	return s.events.Entries(filter)
}

// Status is a point-in-time view of the session.
type Status struct {
	SessionID       uuid.UUID              `json:"session_id"`
	State           model.SystemState      `json:"state"`
	Level           model.AnomalyLevel     `json:"level"`
	Metrics         model.AnomalyMetrics   `json:"metrics"`
	Controls        model.Controls         `json:"controls"`
	Connection      string                 `json:"connection"`
	Backend         model.BackendStatus    `json:"backend"`
	Breaker         string                 `json:"circuit_breaker"`
	Telemetry       model.TelemetrySample  `json:"telemetry"`
	TelemetryActive bool                   `json:"telemetry_active"`
	Simulation      model.AttackSimulation `json:"simulation"`
	Advisory        *int                   `json:"advisory_countdown,omitempty"`
	Counters        Counters               `json:"counters"`
}

// Counters are running totals kept by the session's components.
type Counters struct {
	TelemetrySent  int `json:"telemetry_sent"`
	FramesReceived int `json:"frames_received"`
	FramesDropped  int `json:"frames_dropped"`
	Reconnects     int `json:"reconnects"`
	HealthProbes   int `json:"health_probes"`
	HealthFailures int `json:"health_failures"`
	LogDropped     int `json:"log_dropped"`
}

func (s *Session) counters() Counters {
	probes, failures := s.monitor.Probes()
	return Counters{
		TelemetrySent:  s.synth.Sent(),
		FramesReceived: s.dispatcher.ReceivedTotal(),
		FramesDropped:  s.dispatcher.Dropped(),
		Reconnects:     s.conn.Reconnects(),
		HealthProbes:   probes,
		HealthFailures: failures,
		LogDropped:     s.events.Dropped(),
	}
}

// Snapshot returns the session status.
func (s *Session) Snapshot() Status {
	snap := s.machine.Snapshot()
	return Status{
		SessionID:       s.id,
		State:           snap.State,
		Level:           snap.Metrics.Level(),
		Metrics:         snap.Metrics,
		Controls:        snap.Controls,
		Connection:      s.conn.State().String(),
		Backend:         s.backendStatus,
		Breaker:         s.client.Breaker().GetState().String(),
		Telemetry:       s.synth.Sample(),
		TelemetryActive: s.synth.Running() && !s.sim.Active() && snap.State != model.StateSafeMode,
		Simulation:      s.sim.Current(),
		Advisory:        s.advisory,
		Counters:        s.counters(),
	}
}

func (s *Session) handleFrame(data []byte) {
	if err := s.dispatcher.HandleFrame(data); err != nil {
		log.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping malformed frame")
		s.hub.Log(model.LogML, "Error parsing ML backend message")
	}
}

func (s *Session) updateBackend(status model.BackendStatus) {
	if !status.Reachable {
		// A failed probe keeps the last known model readiness.
		status.ModelReady = s.backendStatus.ModelReady
	}
	s.backendStatus = status
	s.hub.NotifyBackend(status)
}

// nonZero mirrors the backend's habit of sending 0 for "no score".
func nonZero(score *float64) *float64 {
	if score == nil || *score == 0 {
		return nil
	}
	return score
}

// HandleInitialState implements protocol.Handler.
func (s *Session) HandleInitialState(msg protocol.InitialState) {
	log.Info().Str("state", string(msg.State)).Bool("ml_connected", msg.MLConnected).Msg("Received initial state")
	s.machine.Apply(msg.State, nonZero(msg.AnomalyScore))
	s.updateBackend(model.BackendStatus{Reachable: true, ModelReady: msg.MLConnected})
}

// HandleAttackDetected implements protocol.Handler.
func (s *Session) HandleAttackDetected(msg protocol.AttackDetected) {
	score := 0.0
	if msg.AnomalyScore != nil {
		score = *msg.AnomalyScore
	}
	s.machine.DetectAttack(nonZero(msg.AnomalyScore))
	s.hub.Log(model.LogSecurity, "ML detected attack! Score: %.3f", score)
}

// HandleCountdownUpdate implements protocol.Handler. The value is advisory;
// the simulation controller owns the real countdown.
func (s *Session) HandleCountdownUpdate(msg protocol.CountdownUpdate) {
	v := msg.Countdown
	s.advisory = &v
	s.hub.NotifyAdvisory(v)
}

// HandleSystemState implements protocol.Handler.
func (s *Session) HandleSystemState(msg protocol.SystemStateChanged) {
	s.machine.Apply(msg.State, nonZero(msg.AnomalyScore))
}

// HandleSystemReset implements protocol.Handler.
func (s *Session) HandleSystemReset(protocol.SystemReset) {
	s.advisory = nil
	s.machine.Reset()
	s.hub.Log(model.LogSystem, "System reset by backend")
}

// HandlePong implements protocol.Handler.
func (s *Session) HandlePong(msg protocol.Pong) {
	s.updateBackend(model.BackendStatus{Reachable: true, ModelReady: msg.MLConnected || s.backendStatus.ModelReady})
}

// HandleMLModelStatus implements protocol.Handler.
func (s *Session) HandleMLModelStatus(msg protocol.MLModelStatus) {
	s.updateBackend(model.BackendStatus{Reachable: s.backendStatus.Reachable, ModelReady: msg.Ready})
}

// Breaker returns the circuit breaker guarding backend REST calls. It is safe
// to use from any goroutine.
func (s *Session) Breaker() *backend.CircuitBreaker {
	return s.client.Breaker()
}
