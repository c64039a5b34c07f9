package simulation

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/scooterguard/pkg/guard/backend"
	"github.com/TFMV/scooterguard/pkg/guard/internal/guardtest"
	"github.com/TFMV/scooterguard/pkg/guard/loop"
	"github.com/TFMV/scooterguard/pkg/guard/model"
	"github.com/TFMV/scooterguard/pkg/guard/state"
)

type fakeScorer struct {
	result *backend.AttackResult
	err    error
	calls  []string
}

func (f *fakeScorer) SimulateAttack(_ context.Context, attackType string, _ time.Time) (*backend.AttackResult, error) {
	f.calls = append(f.calls, attackType)
	return f.result, f.err
}

type countRecorder struct {
	local, remote int
}

func (r *countRecorder) RecordSimulation(_ string, local bool) {
	if local {
		r.local++
	} else {
		r.remote++
	}
}

type fixture struct {
	sched   *loop.Virtual
	machine *state.Machine
	rec     *guardtest.Recorder
	scorer  *fakeScorer
	counts  *countRecorder
	ctl     *Controller
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sched := loop.NewVirtual(time.Unix(0, 0))
	hub := model.NewHub(sched.Now)
	rec := &guardtest.Recorder{}
	hub.Register(rec)

	machine := state.NewMachine(hub, rand.New(rand.NewPCG(3, 4)), 0.15)
	scorer := &fakeScorer{}
	ctl := NewController(sched, hub, machine, scorer, Config{})
	counts := &countRecorder{}
	ctl.SetRecorder(counts)
	machine.AddSuspender(ctl)

	return &fixture{sched: sched, machine: machine, rec: rec, scorer: scorer, counts: counts, ctl: ctl}
}

func TestRemoteScoredSimulation(t *testing.T) {
	f := newFixture(t)
	f.scorer.result = &backend.AttackResult{Status: "success", AnomalyScore: 0.83}

	require.NoError(t, f.ctl.Start("replay", false))
	assert.Equal(t, model.PhasePending, f.ctl.Current().Phase)
	assert.True(t, f.ctl.Active())

	f.sched.RunPending()
	sim := f.ctl.Current()
	assert.True(t, sim.Active)
	assert.False(t, sim.IsLocalFallback)
	assert.Equal(t, model.PhaseCountdown, sim.Phase)
	assert.Equal(t, 0.83, f.machine.Metrics().Score)
	assert.False(t, f.machine.Controls().MapEnabled)
	assert.Equal(t, 1, f.counts.remote)
	assert.True(t, f.rec.HasLog("REPLAY attack simulation started"))
	assert.True(t, f.rec.HasLog("ML anomaly score: 0.830"))

	f.sched.Advance(6 * time.Second)
	assert.Equal(t, []int{6, 5, 4, 3, 2, 1, 0}, f.rec.Countdowns)
	assert.Equal(t, model.PhaseSwitching, f.ctl.Current().Phase)
	assert.NotEqual(t, model.StateSafeMode, f.machine.State())
	assert.Equal(t, []string{GraceTimerName}, f.sched.ActiveTimers())

	f.sched.Advance(2 * time.Second)
	assert.Equal(t, model.StateSafeMode, f.machine.State())
	assert.False(t, f.ctl.Active())
	assert.Equal(t, model.PhaseIdle, f.ctl.Current().Phase)
	assert.Empty(t, f.sched.ActiveTimers())
}

func TestLocalFallbackSimulation(t *testing.T) {
	f := newFixture(t)
	f.scorer.err = errors.New("connection refused")

	require.NoError(t, f.ctl.Start("gps", false))
	f.sched.RunPending()

	sim := f.ctl.Current()
	assert.True(t, sim.Active)
	assert.True(t, sim.IsLocalFallback)
	assert.Equal(t, FallbackScore, f.machine.Metrics().Score)
	assert.Equal(t, 1, f.counts.local)
	assert.True(t, f.rec.HasLog("Using local simulation for: gps"))

	f.sched.Advance(8 * time.Second)
	assert.Equal(t, []int{6, 5, 4, 3, 2, 1, 0}, f.rec.Countdowns)
	assert.Equal(t, model.StateSafeMode, f.machine.State())
}

func TestRejectedSimulationFallsBack(t *testing.T) {
	f := newFixture(t)
	f.scorer.result = &backend.AttackResult{Status: "error", Message: "Already in safe mode"}
	f.scorer.err = backend.ErrRejected

	require.NoError(t, f.ctl.Start("speed", false))
	f.sched.RunPending()

	assert.True(t, f.ctl.Current().IsLocalFallback)
	assert.True(t, f.rec.HasLog("Attack simulation failed: Already in safe mode"))
}

func TestEmergencySkipsCountdown(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.ctl.Start("x", true))
	assert.Equal(t, model.StateSafeMode, f.machine.State())
	assert.Empty(t, f.scorer.calls)
	assert.Empty(t, f.sched.ActiveTimers())
	assert.Empty(t, f.rec.Countdowns)
	assert.True(t, f.rec.HasLog("EMERGENCY ATTACK TRIGGERED"))
}

func TestStartRejectedInSafeMode(t *testing.T) {
	f := newFixture(t)
	f.machine.EnterSafeMode("test", nil)
	states := len(f.rec.States)

	assert.ErrorIs(t, f.ctl.Start("gps", false), ErrSafeMode)
	assert.ErrorIs(t, f.ctl.Start("gps", true), ErrSafeMode)
	assert.Len(t, f.rec.States, states)
	assert.Empty(t, f.scorer.calls)
	assert.True(t, f.rec.HasLog("Cannot simulate attack: System in safe mode"))
}

func TestSecondSimulationRejected(t *testing.T) {
	f := newFixture(t)
	f.scorer.result = &backend.AttackResult{Status: "success", AnomalyScore: 0.9}

	require.NoError(t, f.ctl.Start("gps", false))
	assert.ErrorIs(t, f.ctl.Start("speed", false), ErrSimulationActive)
	f.sched.RunPending()
	assert.ErrorIs(t, f.ctl.Start("speed", false), ErrSimulationActive)
	assert.Equal(t, []string{"gps"}, f.scorer.calls)
}

func TestAcknowledgeMidCountdown(t *testing.T) {
	f := newFixture(t)
	f.scorer.result = &backend.AttackResult{Status: "success", AnomalyScore: 0.8}

	require.NoError(t, f.ctl.Start("gps", false))
	f.sched.RunPending()
	f.sched.Advance(3 * time.Second)

	f.ctl.Acknowledge()
	assert.False(t, f.ctl.Active())
	assert.Empty(t, f.sched.ActiveTimers())

	f.sched.Advance(10 * time.Second)
	assert.Equal(t, model.StateNormal, f.machine.State())
	assert.Equal(t, []int{6, 5, 4, 3}, f.rec.Countdowns)
}

func TestAcknowledgeDuringGraceKeepsSafeModeTransition(t *testing.T) {
	f := newFixture(t)
	f.scorer.result = &backend.AttackResult{Status: "success", AnomalyScore: 0.8}

	require.NoError(t, f.ctl.Start("gps", false))
	f.sched.RunPending()
	f.sched.Advance(6 * time.Second)
	require.Equal(t, model.PhaseSwitching, f.ctl.Current().Phase)

	f.ctl.Acknowledge()
	sim := f.ctl.Current()
	assert.False(t, sim.Active)
	assert.False(t, sim.OverlayVisible)
	assert.True(t, f.ctl.Active(), "grace transition still pending")
	assert.ErrorIs(t, f.ctl.Start("speed", false), ErrSimulationActive)

	f.sched.Advance(2 * time.Second)
	assert.Equal(t, model.StateSafeMode, f.machine.State())
	assert.False(t, f.ctl.Active())
}

func TestAcknowledgeWhilePendingDropsResult(t *testing.T) {
	f := newFixture(t)
	f.scorer.result = &backend.AttackResult{Status: "success", AnomalyScore: 0.8}

	require.NoError(t, f.ctl.Start("gps", false))
	f.ctl.Acknowledge()
	f.sched.RunPending()

	assert.False(t, f.ctl.Active())
	assert.Equal(t, 0.15, f.machine.Metrics().Score)
	assert.Empty(t, f.sched.ActiveTimers())
}

func TestBackendSafeModeCancelsCountdown(t *testing.T) {
	f := newFixture(t)
	f.scorer.result = &backend.AttackResult{Status: "success", AnomalyScore: 0.8}

	require.NoError(t, f.ctl.Start("gps", false))
	f.sched.RunPending()
	f.sched.Advance(2 * time.Second)

	f.machine.Apply(model.StateSafeMode, nil)
	assert.False(t, f.ctl.Active())
	assert.Zero(t, f.sched.CountActive(CountdownTimerName))

	f.sched.Advance(10 * time.Second)
	assert.Equal(t, []int{6, 5, 4}, f.rec.Countdowns)
}

func TestResetClearsSimulation(t *testing.T) {
	f := newFixture(t)
	f.scorer.result = &backend.AttackResult{Status: "success", AnomalyScore: 0.8}

	require.NoError(t, f.ctl.Start("gps", false))
	f.sched.RunPending()

	f.machine.Reset()
	assert.False(t, f.ctl.Active())
	assert.Empty(t, f.sched.ActiveTimers())
	assert.True(t, f.machine.Controls().AttackControlsEnabled)
}
