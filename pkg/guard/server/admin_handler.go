// Package server exposes a running dashboard session over a small HTTP admin
// API, the headless stand-in for the dashboard's buttons.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/scooterguard/pkg/guard/eventlog"
	"github.com/TFMV/scooterguard/pkg/guard/model"
	"github.com/TFMV/scooterguard/pkg/guard/session"
	"github.com/TFMV/scooterguard/pkg/guard/simulation"
)

// Runner runs fn on the session's loop goroutine and waits for it.
type Runner interface {
	Call(ctx context.Context, fn func()) error
}

// AdminHandler handles admin API requests
type AdminHandler struct {
	session *session.Session
	runner  Runner
	metrics http.Handler
	router  *mux.Router
	timeout time.Duration
}

// NewAdminHandler creates a new admin handler. metrics may be nil.
func NewAdminHandler(s *session.Session, runner Runner, metrics http.Handler) *AdminHandler {
	h := &AdminHandler{
		session: s,
		runner:  runner,
		metrics: metrics,
		router:  mux.NewRouter(),
		timeout: 5 * time.Second,
	}

	api := h.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", h.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/attack", h.handleAttack).Methods(http.MethodPost)
	api.HandleFunc("/acknowledge", h.handleAcknowledge).Methods(http.MethodPost)
	api.HandleFunc("/safe-mode/acknowledge", h.handleAcknowledgeSafeMode).Methods(http.MethodPost)
	api.HandleFunc("/reset", h.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/logs", h.handleLogs).Methods(http.MethodGet, http.MethodDelete)
	api.HandleFunc("/circuit-breaker", h.handleCircuitBreaker)

	if metrics != nil {
		h.router.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// AdminServer is the admin API listener.
type AdminServer struct {
	srv *http.Server
}

// StartAdminAPI starts the admin API endpoint in the background
func StartAdminAPI(addr string, handler http.Handler) *AdminServer {
	if addr == "" {
		addr = ":9091" // default to port 9091
	}

	adminServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", addr).Msg("Starting admin API endpoint")
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin API server failed")
		}
	}()
	return &AdminServer{srv: adminServer}
}

// Shutdown stops the admin API.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	if a == nil {
		return nil
	}
	return a.srv.Shutdown(ctx)
}

// call runs fn on the loop, answering 503 if the loop is gone.
func (h *AdminHandler) call(w http.ResponseWriter, r *http.Request, fn func()) bool {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.runner.Call(ctx, fn); err != nil {
		http.Error(w, fmt.Sprintf("Session unavailable: %v", err), http.StatusServiceUnavailable)
		return false
	}
	return true
}

// callResult runs fn on the loop and hands its result back through a channel,
// so a call that outlives the request writes nothing the handler still reads.
func callResult[T any](h *AdminHandler, w http.ResponseWriter, r *http.Request, fn func() T) (T, bool) {
	out := make(chan T, 1)
	if !h.call(w, r, func() { out <- fn() }) {
		var zero T
		return zero, false
	}
	return <-out, true
}

// handleStatus returns the session snapshot
func (h *AdminHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := callResult(h, w, r, h.session.Snapshot)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleAttack starts an attack simulation
func (h *AdminHandler) handleAttack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AttackType string `json:"attack_type"`
		Emergency  bool   `json:"emergency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
		return
	}
	if req.AttackType == "" && !req.Emergency {
		http.Error(w, "attack_type is required", http.StatusBadRequest)
		return
	}

	type result struct {
		err error
		sim model.AttackSimulation
	}
	res, ok := callResult(h, w, r, func() result {
		err := h.session.SimulateAttack(req.AttackType, req.Emergency)
		return result{err: err, sim: h.session.Snapshot().Simulation}
	})
	if !ok {
		return
	}

	switch {
	case errors.Is(res.err, simulation.ErrSafeMode), errors.Is(res.err, simulation.ErrSimulationActive):
		http.Error(w, res.err.Error(), http.StatusConflict)
	case res.err != nil:
		http.Error(w, res.err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, res.sim)
	}
}

// handleAcknowledge dismisses the simulation overlay
func (h *AdminHandler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if h.call(w, r, h.session.Acknowledge) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleAcknowledgeSafeMode hides the safe-mode notice
func (h *AdminHandler) handleAcknowledgeSafeMode(w http.ResponseWriter, r *http.Request) {
	if h.call(w, r, h.session.AcknowledgeSafeMode) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleReset resets the system
func (h *AdminHandler) handleReset(w http.ResponseWriter, r *http.Request) {
	if h.call(w, r, h.session.ResetSystem) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "reset requested"})
	}
}

// handleLogs lists or clears the event log
func (h *AdminHandler) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := r.URL.Query().Get("filter")
		if filter == "" {
			filter = eventlog.FilterAll
		}
		entries, ok := callResult(h, w, r, func() []model.LogEntry { return h.session.Logs(filter) })
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, entries)

	case http.MethodDelete:
		if h.call(w, r, h.session.ClearLog) {
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// handleCircuitBreaker handles requests to /api/circuit-breaker
func (h *AdminHandler) handleCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	breaker := h.session.Breaker()

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"state":   breaker.GetState().String(),
			"metrics": breaker.GetMetrics(),
		})

	case http.MethodPost:
		var req struct {
			Action string `json:"action"` // "open" or "close"
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request: %v", err), http.StatusBadRequest)
			return
		}

		switch req.Action {
		case "open":
			breaker.ForceOpen()
		case "close":
			breaker.ForceClose()
		default:
			http.Error(w, "Invalid action, must be 'open' or 'close'", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"state": breaker.GetState().String()})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response as JSON")
	}
}
