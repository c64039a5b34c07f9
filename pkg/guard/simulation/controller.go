// Package simulation runs the attack-simulation workflow: remote scoring with
// a local fallback, a visible countdown, and the switch to safe mode.
package simulation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TFMV/scooterguard/pkg/guard/backend"
	"github.com/TFMV/scooterguard/pkg/guard/loop"
	"github.com/TFMV/scooterguard/pkg/guard/model"
)

// Timer names.
const (
	CountdownTimerName = "countdown"
	GraceTimerName     = "safe-mode-grace"
)

const (
	// FallbackScore is used when the backend cannot score the attack.
	FallbackScore = 0.85

	DefaultCountdown = 6
	DefaultGrace     = 2 * time.Second
)

var (
	// ErrSafeMode rejects a simulation while the session is locked down.
	ErrSafeMode = errors.New("cannot simulate attack: system in safe mode")
	// ErrSimulationActive rejects a second concurrent simulation.
	ErrSimulationActive = errors.New("cannot simulate attack: simulation already running")
)

// Machine is the slice of the state machine the controller drives.
type Machine interface {
	State() model.SystemState
	SetScore(score float64)
	DetectAttack(score *float64)
	EnterSafeMode(trigger string, score *float64) bool
	DisableControls(reason string)
}

// Scorer asks the backend to score a simulated attack.
type Scorer interface {
	SimulateAttack(ctx context.Context, attackType string, at time.Time) (*backend.AttackResult, error)
}

// Recorder counts started simulations.
type Recorder interface {
	RecordSimulation(attackType string, localFallback bool)
}

// Config tunes the workflow timing.
type Config struct {
	CountdownSeconds int
	Tick             time.Duration
	Grace            time.Duration
	RequestTimeout   time.Duration
}

// Controller owns the single attack simulation. It is confined to the loop
// goroutine.
type Controller struct {
	sched    loop.Scheduler
	hub      *model.Hub
	machine  Machine
	scorer   Scorer
	recorder Recorder
	cfg      Config

	sim        model.AttackSimulation
	score      float64
	generation uint64
	countdown  *loop.Timer
	grace      *loop.Timer
}

// NewController creates an idle controller.
func NewController(sched loop.Scheduler, hub *model.Hub, machine Machine, scorer Scorer, cfg Config) *Controller {
	if cfg.CountdownSeconds <= 0 {
		cfg.CountdownSeconds = DefaultCountdown
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultGrace
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	return &Controller{
		sched:   sched,
		hub:     hub,
		machine: machine,
		scorer:  scorer,
		cfg:     cfg,
		sim:     model.AttackSimulation{Phase: model.PhaseIdle},
	}
}

// SetRecorder installs a simulation counter.
func (c *Controller) SetRecorder(r Recorder) {
	c.recorder = r
}

// Current returns the simulation state.
func (c *Controller) Current() model.AttackSimulation {
	return c.sim
}

// Active reports whether a simulation is running. A simulation acknowledged
// during the grace delay still counts until safe mode is entered.
func (c *Controller) Active() bool {
	return c.sim.Active || c.grace.Active()
}

// Start begins a simulation. The emergency path skips scoring and the
// countdown and locks the session down immediately.
func (c *Controller) Start(attackType string, emergency bool) error {
	if c.machine.State() == model.StateSafeMode {
		c.hub.Log(model.LogSecurity, "Cannot simulate attack: System in safe mode")
		return ErrSafeMode
	}
	if c.Active() {
		c.hub.Log(model.LogSecurity, "Cannot simulate attack: simulation already running")
		return ErrSimulationActive
	}

	if emergency {
		log.Warn().Str("attack_type", attackType).Msg("Emergency attack triggered")
		c.hub.Log(model.LogSecurity, "EMERGENCY ATTACK TRIGGERED")
		c.machine.EnterSafeMode("emergency", nil)
		return nil
	}

	c.generation++
	gen := c.generation
	c.sim = model.AttackSimulation{
		AttackType:         attackType,
		CountdownRemaining: c.cfg.CountdownSeconds,
		Active:             true,
		Phase:              model.PhasePending,
	}
	c.hub.NotifySimulation(c.sim)

	log.Info().Str("attack_type", attackType).Msg("Requesting attack score from backend")

	scorer, timeout, at := c.scorer, c.cfg.RequestTimeout, c.sched.Now()
	c.sched.Go(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		res, err := scorer.SimulateAttack(ctx, attackType, at)
		return func() { c.scored(gen, res, err) }
	})
	return nil
}

// Acknowledge dismisses the overlay. A running countdown is cancelled; a
// scheduled safe-mode transition is not.
func (c *Controller) Acknowledge() {
	if !c.sim.Active {
		return
	}

	switch c.sim.Phase {
	case model.PhaseSwitching:
		c.sim.Active = false
		c.sim.OverlayVisible = false
		c.hub.NotifySimulation(c.sim)
	default:
		c.clear()
	}
	c.hub.Log(model.LogSecurity, "Attack simulation acknowledged")
}

// Cancel abandons the simulation, including any scheduled safe-mode
// transition.
func (c *Controller) Cancel() {
	c.clear()
}

// Suspend implements state.Suspender. Entering safe mode from any source ends
// the simulation.
func (c *Controller) Suspend() {
	c.clear()
}

// Resume implements state.Suspender.
func (c *Controller) Resume() {
	c.clear()
}

func (c *Controller) scored(gen uint64, res *backend.AttackResult, err error) {
	if gen != c.generation || !c.sim.Active {
		return
	}

	attackType := c.sim.AttackType
	local := err != nil
	score := FallbackScore

	if local {
		log.Warn().Err(err).Str("attack_type", attackType).Msg("Attack scoring failed, using local fallback")
		if errors.Is(err, backend.ErrRejected) && res != nil {
			c.hub.Log(model.LogSecurity, "Attack simulation failed: %s", res.Message)
		} else {
			c.hub.Log(model.LogSecurity, "Failed to simulate attack. Backend might be down.")
		}
		c.hub.Log(model.LogSecurity, "Using local simulation for: %s", attackType)
	} else {
		score = res.AnomalyScore
		c.hub.Log(model.LogSecurity, "%s attack simulation started", strings.ToUpper(attackType))
		c.hub.Log(model.LogML, "ML anomaly score: %.3f", score)
	}

	c.score = score
	c.machine.SetScore(score)
	c.machine.DisableControls("attack simulation")

	c.sim.IsLocalFallback = local
	c.sim.Phase = model.PhaseCountdown
	c.sim.OverlayVisible = true
	c.hub.NotifySimulation(c.sim)
	c.hub.NotifyCountdown(c.sim.CountdownRemaining)

	if c.recorder != nil {
		c.recorder.RecordSimulation(attackType, local)
	}

	c.countdown = c.sched.Every(CountdownTimerName, c.cfg.Tick, c.tick)
}

func (c *Controller) tick() {
	if c.sim.CountdownRemaining > 0 {
		c.sim.CountdownRemaining--
	}
	c.hub.NotifyCountdown(c.sim.CountdownRemaining)
	if c.sim.CountdownRemaining > 0 {
		return
	}

	c.countdown.Stop()
	c.sim.Phase = model.PhaseSwitching
	c.hub.NotifySimulation(c.sim)

	score := c.score
	c.machine.DetectAttack(&score)
	c.hub.Log(model.LogSecurity, "ATTACK SIMULATED - switching to safe mode")

	c.grace = c.sched.AfterFunc(GraceTimerName, c.cfg.Grace, c.expire)
}

func (c *Controller) expire() {
	log.Info().Str("attack_type", c.sim.AttackType).Msg("Simulation countdown complete")
	c.machine.EnterSafeMode("attack simulation", nil)
	// Safe mode entry clears the simulation through Suspend; clear again in
	// case the session was already locked.
	c.clear()
}

// clear drops the simulation and every timer it owns.
func (c *Controller) clear() {
	c.generation++
	c.countdown.Stop()
	c.grace.Stop()

	if c.sim.Phase == model.PhaseIdle && !c.sim.Active {
		return
	}
	c.sim = model.AttackSimulation{Phase: model.PhaseIdle}
	c.hub.NotifySimulation(c.sim)
}
