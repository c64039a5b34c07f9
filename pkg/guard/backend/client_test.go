package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type requestLog struct {
	endpoints []string
	failures  int
}

func (r *requestLog) ObserveBackendRequest(endpoint string, err error, _ time.Duration) {
	r.endpoints = append(r.endpoints, endpoint)
	if err != nil {
		r.failures++
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *requestLog) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(Config{BaseURL: srv.URL, RequestTimeout: time.Second, FailureThreshold: 3, ResetTimeout: time.Minute})
	obs := &requestLog{}
	c.SetObserver(obs)
	return c, obs
}

func TestHTTPBase(t *testing.T) {
	assert.Equal(t, "http://localhost:8000", HTTPBase("ws://localhost:8000/"))
	assert.Equal(t, "https://ml.example.com", HTTPBase("wss://ml.example.com"))
	assert.Equal(t, "http://10.0.0.1:8000", HTTPBase("10.0.0.1:8000"))
	assert.Equal(t, "https://x.io", HTTPBase("https://x.io"))
}

func TestHealth(t *testing.T) {
	c, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, EndpointHealth, r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"healthy","state":"NORMAL","ml_connected":true,"anomaly_score":0.1}`))
	})

	status, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "NORMAL", status.State)
	assert.True(t, status.MLConnected)
	assert.Equal(t, []string{EndpointHealth}, obs.endpoints)
}

func TestSimulateAttack(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req AttackRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gps", req.AttackType)
		assert.Equal(t, "2025-01-02T03:04:05.000Z", req.Timestamp)
		_, _ = w.Write([]byte(`{"status":"success","anomaly_score":0.91,"countdown":6,"state":"ATTACK_SIMULATION","message":"ok"}`))
	})

	res, err := c.SimulateAttack(context.Background(), "gps", time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0.91, res.AnomalyScore)
	require.NotNil(t, res.Countdown)
	assert.Equal(t, 6, *res.Countdown)
}

func TestSimulateAttackRejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","message":"Already in safe mode. Refresh page to exit."}`))
	})

	res, err := c.SimulateAttack(context.Background(), "gps", time.Now())
	assert.ErrorIs(t, err, ErrRejected)
	require.NotNil(t, res)
	assert.Equal(t, "error", res.Status)
}

func TestNon2xxIsAnError(t *testing.T) {
	c, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := c.ResetSystem(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Equal(t, 1, obs.failures)
	assert.Equal(t, CircuitClosed, c.Breaker().GetState(), "client errors do not trip the breaker")
}

func TestServerErrorsTripBreaker(t *testing.T) {
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, c.ResetSystem(context.Background()), ErrUnexpectedStatus)
	}
	assert.Equal(t, CircuitOpen, c.Breaker().GetState())

	_, err := c.Health(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, calls)
}

func TestUnreachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(Config{BaseURL: url, RequestTimeout: 500 * time.Millisecond})
	_, err := c.Health(context.Background())
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	c := NewClient(Config{BaseURL: srv.URL, RateLimit: 0.001, Burst: 1})
	_, err := c.Health(context.Background())
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
}
