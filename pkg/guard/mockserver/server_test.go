package mockserver

import (
	"bytes"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	cfg.Rand = rand.New(rand.NewPCG(1, 2))
	s := New(cfg)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func postJSON(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Clients() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamHandshake(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	conn := dial(t, srv)

	initial := readFrame(t, conn)
	assert.Equal(t, "INITIAL_STATE", initial["type"])
	assert.Equal(t, "NORMAL", initial["state"])
	assert.Equal(t, true, initial["ml_connected"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "CONNECTION", "status": "CONNECTED"}))
	ack := readFrame(t, conn)
	assert.Equal(t, "CONNECTION_ACK", ack["type"])
	assert.Equal(t, true, ack["ml_model_ready"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "PING"}))
	assert.Equal(t, "PONG", readFrame(t, conn)["type"])
}

func TestTelemetryAckAndDetection(t *testing.T) {
	s, srv := newTestServer(t, Config{SpeedThreshold: 40})
	conn := dial(t, srv)
	readFrame(t, conn)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "TELEMETRY", "data": []float64{25, 0, 2000, 1, 80, 0}}))
	ack := readFrame(t, conn)
	assert.Equal(t, "TELEMETRY_ACK", ack["type"])
	assert.Equal(t, "NORMAL", ack["state"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "TELEMETRY", "data": []float64{55, 0, 2000, 1, 80, 0}}))
	detected := readFrame(t, conn)
	assert.Equal(t, "ATTACK_DETECTED", detected["type"])
	assert.EqualValues(t, 6, detected["countdown"])
	assert.GreaterOrEqual(t, detected["anomaly_score"], 0.75)
	assert.Equal(t, "TELEMETRY_ACK", readFrame(t, conn)["type"])

	assert.Equal(t, "ATTACK_DETECTED", s.State())
	assert.Equal(t, 2, s.TelemetryFrames())
}

func TestSimulateAttackCountsDownToSafeMode(t *testing.T) {
	s, srv := newTestServer(t, Config{CountdownSeconds: 2})
	conn := dial(t, srv)
	readFrame(t, conn)
	waitClients(t, s, 1)

	resp := postJSON(t, srv.URL+"/api/simulate-attack", map[string]string{"attack_type": "gps"})
	assert.Equal(t, "success", resp["status"])
	assert.EqualValues(t, 2, resp["countdown"])
	score := resp["anomaly_score"].(float64)
	assert.GreaterOrEqual(t, score, 0.85)
	assert.LessOrEqual(t, score, 0.95)

	sim := readFrame(t, conn)
	assert.Equal(t, "ATTACK_SIMULATION", sim["type"])
	assert.Equal(t, "gps", sim["attack_type"])

	s.Step()
	update := readFrame(t, conn)
	assert.Equal(t, "COUNTDOWN_UPDATE", update["type"])
	assert.EqualValues(t, 1, update["countdown"])

	s.Step()
	assert.EqualValues(t, 0, readFrame(t, conn)["countdown"])
	safe := readFrame(t, conn)
	assert.Equal(t, "SYSTEM_STATE", safe["type"])
	assert.Equal(t, "SAFE_MODE", safe["state"])
	assert.Equal(t, "SAFE_MODE", s.State())

	// Further ticks do nothing once the countdown is spent.
	s.Step()

	again := postJSON(t, srv.URL+"/api/simulate-attack", map[string]string{"attack_type": "speed"})
	assert.Equal(t, "error", again["status"])
	assert.Equal(t, "Already in safe mode. Refresh page to exit.", again["message"])
}

func TestAttackScoresPerType(t *testing.T) {
	s := New(Config{Rand: rand.New(rand.NewPCG(3, 4))})
	for i := 0; i < 50; i++ {
		assert.InDelta(t, 0.9, s.attackScore("gps"), 0.05+1e-9)
		assert.InDelta(t, 0.825, s.attackScore("speed"), 0.075+1e-9)
		assert.InDelta(t, 0.925, s.attackScore("pattern"), 0.025+1e-9)
		assert.InDelta(t, 0.8, s.attackScore("replay"), 0.1+1e-9)
	}
	assert.Equal(t, 0.95, s.attackScore("emergency"))
}

func TestEmergencyAndReset(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	conn := dial(t, srv)
	readFrame(t, conn)
	waitClients(t, s, 1)

	resp := postJSON(t, srv.URL+"/api/emergency-attack", map[string]string{})
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "SAFE_MODE", resp["state"])
	assert.Equal(t, "SAFE_MODE", readFrame(t, conn)["state"])

	reset := postJSON(t, srv.URL+"/api/reset-system", map[string]string{})
	assert.Equal(t, "success", reset["status"])
	frame := readFrame(t, conn)
	assert.Equal(t, "SYSTEM_RESET", frame["type"])
	assert.Equal(t, "NORMAL", s.State())
}

func TestHealthAndSystemState(t *testing.T) {
	s, srv := newTestServer(t, Config{})

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "NORMAL", health["state"])

	postJSON(t, srv.URL+"/api/simulate-attack", map[string]string{"attack_type": "pattern"})

	resp, err = http.Get(srv.URL + "/api/system-state")
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	resp.Body.Close()
	assert.Equal(t, StateAttackSimulation, state["system_state"])
	assert.Equal(t, 0.7, state["threshold"])
	assert.Len(t, state["attack_timeline"], 1)

	s.SetAvailable(false)
	resp, err = http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSimulateAttackRequiresType(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	resp, err := http.Post(srv.URL+"/api/simulate-attack", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestInitialStateHidesSimulation(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	postJSON(t, srv.URL+"/api/simulate-attack", map[string]string{"attack_type": "gps"})

	conn := dial(t, srv)
	assert.Equal(t, "ATTACK_DETECTED", readFrame(t, conn)["state"])
}
