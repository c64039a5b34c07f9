// Package backend is the REST client for the detection backend's /api
// endpoints. Calls block and must run off the loop goroutine.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/TFMV/scooterguard/pkg/guard/protocol"
)

var (
	// ErrRateLimited is returned when the local request budget is exhausted.
	ErrRateLimited = errors.New("backend request rate limited")
	// ErrUnexpectedStatus is returned for non-2xx responses.
	ErrUnexpectedStatus = errors.New("unexpected backend status")
	// ErrRejected is returned when the backend answers 2xx with a non-success
	// status field.
	ErrRejected = errors.New("backend rejected request")
)

const (
	EndpointHealth         = "/api/health"
	EndpointSimulateAttack = "/api/simulate-attack"
	EndpointReset          = "/api/reset-system"
)

// Config configures the client.
type Config struct {
	BaseURL          string
	RequestTimeout   time.Duration
	FailureThreshold int
	ResetTimeout     time.Duration
	// RateLimit is the sustained request rate per second; zero disables it.
	RateLimit float64
	Burst     int
}

// RequestObserver records the outcome of each backend call.
type RequestObserver interface {
	ObserveBackendRequest(endpoint string, err error, elapsed time.Duration)
}

// HealthStatus is the /api/health payload.
type HealthStatus struct {
	Status       string  `json:"status"`
	State        string  `json:"state"`
	MLConnected  bool    `json:"ml_connected"`
	AnomalyScore float64 `json:"anomaly_score"`
	Timestamp    string  `json:"timestamp"`
}

// AttackRequest is the /api/simulate-attack request body.
type AttackRequest struct {
	AttackType string `json:"attack_type"`
	Timestamp  string `json:"timestamp,omitempty"`
}

// AttackResult is the /api/simulate-attack response.
type AttackResult struct {
	Status       string  `json:"status"`
	Message      string  `json:"message"`
	AnomalyScore float64 `json:"anomaly_score"`
	Countdown    *int    `json:"countdown,omitempty"`
	State        string  `json:"state,omitempty"`
}

// Client talks to the backend REST API.
type Client struct {
	baseURL  string
	http     *http.Client
	breaker  *CircuitBreaker
	limiter  *rate.Limiter
	observer RequestObserver
}

// NewClient creates a client. A ws:// or wss:// base URL is accepted and
// mapped to http(s).
func NewClient(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	c := &Client{
		baseURL: HTTPBase(cfg.BaseURL),
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		breaker: NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// HTTPBase normalises a backend address to an http(s) base URL without a
// trailing slash.
func HTTPBase(raw string) string {
	u := strings.TrimRight(raw, "/")
	switch {
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case !strings.Contains(u, "://"):
		u = "http://" + u
	}
	return u
}

// SetObserver installs a request observer.
func (c *Client) SetObserver(o RequestObserver) {
	c.observer = o
}

// Breaker exposes the client's circuit breaker.
func (c *Client) Breaker() *CircuitBreaker {
	return c.breaker
}

// Health probes GET /api/health.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.do(ctx, http.MethodGet, EndpointHealth, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SimulateAttack asks the backend to score an attack of the given type. A
// response whose status is not "success" is returned with ErrRejected.
func (c *Client) SimulateAttack(ctx context.Context, attackType string, at time.Time) (*AttackResult, error) {
	req := AttackRequest{AttackType: attackType, Timestamp: protocol.FormatTimestamp(at)}

	var result AttackResult
	if err := c.do(ctx, http.MethodPost, EndpointSimulateAttack, req, &result); err != nil {
		return nil, err
	}
	if result.Status != "success" {
		return &result, fmt.Errorf("%w: %s", ErrRejected, result.Message)
	}
	return &result, nil
}

// ResetSystem asks the backend to return to NORMAL.
func (c *Client) ResetSystem(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, EndpointReset, nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	start := time.Now()
	err := c.roundTrip(ctx, method, endpoint, body, out)
	if c.observer != nil {
		c.observer.ObserveBackendRequest(endpoint, err, time.Since(start))
	}
	if err != nil {
		log.Debug().Err(err).Str("endpoint", endpoint).Msg("Backend request failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, body, out any) error {
	if c.limiter != nil && !c.limiter.Allow() {
		return ErrRateLimited
	}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	var respBody []byte
	var status int
	err := c.breaker.Execute(func() error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, payload)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		respBody, err = io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		// Only server-side failures count against the breaker.
		if status >= 500 {
			return fmt.Errorf("%w: %d", ErrUnexpectedStatus, status)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("%s %s: %w: %d", method, endpoint, ErrUnexpectedStatus, status)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}
