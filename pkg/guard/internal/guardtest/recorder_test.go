package guardtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/scooterguard/pkg/guard/model"
)

type controlsOnly struct {
	model.NopObserver
	got []model.Controls
}

func (c *controlsOnly) OnControls(ctl model.Controls) { c.got = append(c.got, ctl) }

func TestHubFansOut(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	hub := model.NewHub(func() time.Time { return now })

	rec := &Recorder{}
	ctl := &controlsOnly{}
	hub.Register(rec)
	hub.Register(ctl)

	hub.NotifySystemState(model.StateSafeMode)
	hub.NotifyControls(model.Controls{Reason: "lockdown"})
	hub.NotifyCountdown(6)
	hub.Log(model.LogSecurity, "SAFE MODE %s", "ACTIVATED")

	assert.Equal(t, []model.SystemState{model.StateSafeMode}, rec.States)
	assert.Equal(t, []int{6}, rec.Countdowns)
	require.Len(t, ctl.got, 1)
	assert.Equal(t, "lockdown", ctl.got[0].Reason)

	require.Len(t, rec.Logs, 1)
	assert.Equal(t, "SAFE MODE ACTIVATED", rec.Logs[0].Message)
	assert.Equal(t, model.LogSecurity, rec.Logs[0].Category)
	assert.Equal(t, now, rec.Logs[0].Timestamp)

	entry, ok := rec.FindLog("ACTIVATED")
	require.True(t, ok)
	assert.Equal(t, model.LogSecurity, entry.Category)
	assert.False(t, rec.HasLog("DEACTIVATED"))

	rec.Reset()
	assert.Empty(t, rec.Logs)
}
