package state

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/scooterguard/pkg/guard/internal/guardtest"
	"github.com/TFMV/scooterguard/pkg/guard/model"
)

type countingSuspender struct {
	suspended, resumed int
	stateAtSuspend     model.SystemState
	machine            *Machine
}

func (c *countingSuspender) Suspend() {
	c.suspended++
	c.stateAtSuspend = c.machine.State()
}

func (c *countingSuspender) Resume() { c.resumed++ }

func newTestMachine(t *testing.T) (*Machine, *guardtest.Recorder, *countingSuspender) {
	t.Helper()
	hub := model.NewHub(func() time.Time { return time.Unix(0, 0) })
	rec := &guardtest.Recorder{}
	hub.Register(rec)

	m := NewMachine(hub, rand.New(rand.NewPCG(1, 2)), 0.15)
	s := &countingSuspender{machine: m}
	m.AddSuspender(s)
	return m, rec, s
}

func ptr(v float64) *float64 { return &v }

func TestMachineStartsNormal(t *testing.T) {
	m, _, _ := newTestMachine(t)
	assert.Equal(t, model.StateNormal, m.State())
	assert.Equal(t, 0.15, m.Metrics().Score)
	assert.Equal(t, model.EnabledControls(), m.Controls())
}

func TestDetectAttackRedrawsScore(t *testing.T) {
	m, rec, _ := newTestMachine(t)

	m.DetectAttack(nil)
	assert.Equal(t, model.StateAttackDetected, m.State())
	score := m.Metrics().Score
	assert.GreaterOrEqual(t, score, 0.75)
	assert.LessOrEqual(t, score, 0.95)
	assert.Equal(t, []model.SystemState{model.StateAttackDetected}, rec.States)

	m.DetectAttack(ptr(0.88))
	assert.Equal(t, 0.88, m.Metrics().Score)
	assert.InDelta(t, 0.088, m.Metrics().ReconstructionError, 1e-12)
}

func TestEnterSafeModeSuspendsBeforeStateChange(t *testing.T) {
	m, rec, s := newTestMachine(t)

	require.True(t, m.EnterSafeMode("test", nil))
	assert.Equal(t, model.StateSafeMode, m.State())
	assert.Equal(t, 1, s.suspended)
	assert.Equal(t, model.StateNormal, s.stateAtSuspend)

	score := m.Metrics().Score
	assert.GreaterOrEqual(t, score, 0.90)
	assert.LessOrEqual(t, score, 1.0)

	ctl, ok := rec.LastControls()
	require.True(t, ok)
	assert.False(t, ctl.MapEnabled)
	assert.False(t, ctl.AudioEnabled)
	assert.False(t, ctl.AttackControlsEnabled)
	assert.True(t, ctl.SafeModeOverlay)
	assert.True(t, rec.HasLog("SAFE MODE ACTIVATED"))

	// Idempotent
	assert.False(t, m.EnterSafeMode("again", nil))
	assert.Equal(t, 1, s.suspended)
}

func TestSafeModePersistsUntilReset(t *testing.T) {
	m, _, s := newTestMachine(t)
	m.EnterSafeMode("test", nil)

	m.Apply(model.StateNormal, nil)
	assert.Equal(t, model.StateSafeMode, m.State())

	m.DetectAttack(ptr(0.8))
	assert.Equal(t, model.StateSafeMode, m.State())

	m.DriftScore(-0.5)
	assert.GreaterOrEqual(t, m.Metrics().Score, 0.90)

	m.Reset()
	assert.Equal(t, model.StateNormal, m.State())
	assert.Equal(t, 1, s.resumed)
	assert.Equal(t, NormalRange.Max, m.Metrics().Score, "score continues the walk, clamped into the normal range")
	assert.Equal(t, model.EnabledControls(), m.Controls())
}

func TestApplyExplicitScore(t *testing.T) {
	m, _, _ := newTestMachine(t)

	m.Apply(model.StateSafeMode, ptr(0.97))
	assert.Equal(t, model.StateSafeMode, m.State())
	assert.Equal(t, 0.97, m.Metrics().Score)
}

func TestDriftScoreBoundedToNormalRange(t *testing.T) {
	m, _, _ := newTestMachine(t)

	for i := 0; i < 50; i++ {
		require.True(t, m.DriftScore(0.025))
	}
	assert.Equal(t, 0.30, m.Metrics().Score)

	for i := 0; i < 50; i++ {
		m.DriftScore(-0.025)
	}
	assert.Equal(t, 0.10, m.Metrics().Score)

	m.DetectAttack(ptr(0.8))
	assert.False(t, m.DriftScore(0.01))
	assert.Equal(t, 0.8, m.Metrics().Score)
}

func TestDisableControlsAndAcknowledgeSafeMode(t *testing.T) {
	m, rec, _ := newTestMachine(t)

	m.DisableControls("attack simulation")
	ctl := m.Controls()
	assert.False(t, ctl.MapEnabled)
	assert.Equal(t, "attack simulation", ctl.Reason)
	assert.Equal(t, model.StateNormal, m.State())

	m.EnterSafeMode("test", nil)
	m.AcknowledgeSafeMode()
	assert.False(t, m.Controls().SafeModeOverlay)
	assert.Equal(t, model.StateSafeMode, m.State())

	n := len(rec.Controls)
	m.AcknowledgeSafeMode()
	assert.Len(t, rec.Controls, n)
}

func TestMetricsDerivedAcrossTransitions(t *testing.T) {
	m, rec, _ := newTestMachine(t)

	m.DetectAttack(nil)
	m.EnterSafeMode("test", nil)
	m.Reset()
	m.SetScore(1.4)
	m.SetScore(-1)

	for _, mt := range rec.Metrics {
		assert.GreaterOrEqual(t, mt.Score, 0.0)
		assert.LessOrEqual(t, mt.Score, 1.0)
		assert.GreaterOrEqual(t, mt.Confidence, 50.0)
		assert.LessOrEqual(t, mt.Confidence, 100.0)
		assert.Equal(t, mt.Score*0.1, mt.ReconstructionError)
	}
}
