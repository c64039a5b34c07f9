package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/scooterguard/pkg/guard/model"
)

type recordingHandler struct {
	calls []Message
}

func (r *recordingHandler) HandleInitialState(m InitialState)       { r.calls = append(r.calls, m) }
func (r *recordingHandler) HandleAttackDetected(m AttackDetected)   { r.calls = append(r.calls, m) }
func (r *recordingHandler) HandleCountdownUpdate(m CountdownUpdate) { r.calls = append(r.calls, m) }
func (r *recordingHandler) HandleSystemState(m SystemStateChanged)  { r.calls = append(r.calls, m) }
func (r *recordingHandler) HandleSystemReset(m SystemReset)         { r.calls = append(r.calls, m) }
func (r *recordingHandler) HandlePong(m Pong)                       { r.calls = append(r.calls, m) }
func (r *recordingHandler) HandleMLModelStatus(m MLModelStatus)     { r.calls = append(r.calls, m) }

func TestDecodeInboundFrames(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"INITIAL_STATE","state":"NORMAL","anomaly_score":0.12,"ml_connected":true}`))
	require.NoError(t, err)
	initial, ok := msg.(InitialState)
	require.True(t, ok)
	assert.Equal(t, model.StateNormal, initial.State)
	require.NotNil(t, initial.AnomalyScore)
	assert.Equal(t, 0.12, *initial.AnomalyScore)
	assert.True(t, initial.MLConnected)

	msg, err = Decode([]byte(`{"type":"ATTACK_DETECTED","anomaly_score":0.91,"countdown":6}`))
	require.NoError(t, err)
	attack := msg.(AttackDetected)
	assert.Equal(t, 0.91, *attack.AnomalyScore)
	assert.Equal(t, 6, *attack.Countdown)

	msg, err = Decode([]byte(`{"type":"ATTACK_DETECTED"}`))
	require.NoError(t, err)
	assert.Nil(t, msg.(AttackDetected).AnomalyScore)

	msg, err = Decode([]byte(`{"type":"COUNTDOWN_UPDATE","countdown":3}`))
	require.NoError(t, err)
	assert.Equal(t, CountdownUpdate{Countdown: 3}, msg)

	msg, err = Decode([]byte(`{"type":"SYSTEM_STATE","state":"SAFE_MODE","message":"SAFE MODE ACTIVATED"}`))
	require.NoError(t, err)
	assert.Equal(t, model.StateSafeMode, msg.(SystemStateChanged).State)

	msg, err = Decode([]byte(`{"type":"SYSTEM_RESET","state":"NORMAL"}`))
	require.NoError(t, err)
	assert.IsType(t, SystemReset{}, msg)

	msg, err = Decode([]byte(`{"type":"PONG","state":"NORMAL","ml_connected":true}`))
	require.NoError(t, err)
	assert.Equal(t, Pong{MLConnected: true}, msg)

	msg, err = Decode([]byte(`{"type":"ML_MODEL_STATUS","ready":true}`))
	require.NoError(t, err)
	assert.Equal(t, MLModelStatus{Ready: true}, msg)
}

func TestDecodeUnknownTypeIsNotAnError(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"TELEMETRY_ACK","state":"NORMAL"}`))
	require.NoError(t, err)
	assert.Equal(t, Unknown{Kind: TypeTelemetryAck}, msg)
}

func TestDecodeMalformedFrames(t *testing.T) {
	cases := map[string]string{
		"not json":           `{"type":`,
		"array":              `[1,2,3]`,
		"state missing":      `{"type":"SYSTEM_STATE"}`,
		"state unknown":      `{"type":"INITIAL_STATE","state":"ATTACK_SIMULATION"}`,
		"countdown missing":  `{"type":"COUNTDOWN_UPDATE"}`,
		"score wrong type":   `{"type":"ATTACK_DETECTED","anomaly_score":"high"}`,
		"countdown not int":  `{"type":"COUNTDOWN_UPDATE","countdown":"soon"}`,
		"state not a string": `{"type":"SYSTEM_STATE","state":3}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}

	_, err := Decode([]byte(`{"state":"NORMAL"}`))
	assert.ErrorIs(t, err, ErrMissingType)
}

func TestDispatcherRoutesEachFrameOnce(t *testing.T) {
	h := &recordingHandler{}
	d := NewDispatcher(h)

	frames := []string{
		`{"type":"INITIAL_STATE","state":"NORMAL"}`,
		`{"type":"ATTACK_DETECTED","anomaly_score":0.8}`,
		`{"type":"COUNTDOWN_UPDATE","countdown":5}`,
		`{"type":"SYSTEM_STATE","state":"SAFE_MODE"}`,
		`{"type":"SYSTEM_RESET"}`,
		`{"type":"PONG"}`,
		`{"type":"ML_MODEL_STATUS","ready":false}`,
		`{"type":"CONNECTION_ACK","status":"CONNECTED"}`,
	}
	for _, f := range frames {
		require.NoError(t, d.HandleFrame([]byte(f)))
	}

	require.Len(t, h.calls, 7)
	assert.IsType(t, InitialState{}, h.calls[0])
	assert.IsType(t, MLModelStatus{}, h.calls[6])
	assert.Equal(t, 1, d.Received(TypeConnectionAck))

	assert.Error(t, d.HandleFrame([]byte(`garbage`)))
	assert.Len(t, h.calls, 7)
	assert.Equal(t, 1, d.Dropped())
	assert.Equal(t, len(frames), d.ReceivedTotal())
}

func TestOutboundFrames(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 30, 0, 123456789, time.FixedZone("IST", 5*3600+1800))

	raw, err := json.Marshal(NewConnectionFrame(now))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"CONNECTION","status":"CONNECTED","timestamp":"2025-06-01T05:00:00.123Z"}`, string(raw))

	raw, err = json.Marshal(NewTelemetryFrame(FeatureVector{33.5, 0.2, -0.1, 9.8, 0.00001, -0.00002}, now))
	require.NoError(t, err)

	var decoded struct {
		Type string    `json:"type"`
		Data []float64 `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "TELEMETRY", decoded.Type)
	assert.Len(t, decoded.Data, 6)
	assert.Equal(t, 9.8, decoded.Data[3])
}
