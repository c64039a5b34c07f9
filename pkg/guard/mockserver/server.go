// Package mockserver is an in-process stand-in for the detection backend. It
// serves the same streaming and REST endpoints with simulated scores, which is
// enough to drive a dashboard session end to end without a model.
package mockserver

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/scooterguard/pkg/guard/model"
	"github.com/TFMV/scooterguard/pkg/guard/protocol"
)

// StateAttackSimulation is the backend-only state held while a simulated
// attack counts down.
const StateAttackSimulation = "ATTACK_SIMULATION"

const historyLimit = 1000

// Config configures the mock backend.
type Config struct {
	// SpeedThreshold flags TELEMETRY frames whose speed exceeds it. Zero
	// disables detection.
	SpeedThreshold   float64
	CountdownSeconds int
	Tick             time.Duration
	Rand             *rand.Rand
}

// TimelineEvent is one entry of the attack timeline.
type TimelineEvent struct {
	Event        string  `json:"event"`
	Timestamp    string  `json:"timestamp"`
	Trigger      string  `json:"trigger,omitempty"`
	AttackType   string  `json:"attack_type,omitempty"`
	AnomalyScore float64 `json:"anomaly_score,omitempty"`
	Countdown    int     `json:"countdown,omitempty"`
}

// Server is the mock detection backend.
type Server struct {
	cfg      Config
	router   *mux.Router
	upgrader websocket.Upgrader

	mu          sync.Mutex
	rng         *rand.Rand
	state       string
	score       float64
	countdown   *int
	timeline    []TimelineEvent
	clients     map[*client]struct{}
	unavailable bool
	telemetry   int
	lastUpdate  time.Time
}

type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// New creates a mock backend in NORMAL.
func New(cfg Config) *Server {
	if cfg.CountdownSeconds <= 0 {
		cfg.CountdownSeconds = 6
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	s := &Server{
		cfg:        cfg,
		router:     mux.NewRouter(),
		upgrader:   websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		rng:        rng,
		state:      string(model.StateNormal),
		clients:    make(map[*client]struct{}),
		lastUpdate: time.Now(),
	}

	s.router.HandleFunc("/ws", s.handleStream)
	s.router.HandleFunc("/api/health", s.guard(s.handleHealth)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/system-state", s.guard(s.handleSystemState)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/ml-status", s.guard(s.handleMLStatus)).Methods(http.MethodGet)
	s.router.HandleFunc("/api/simulate-attack", s.guard(s.handleSimulateAttack)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/emergency-attack", s.guard(s.handleEmergencyAttack)).Methods(http.MethodPost)
	s.router.HandleFunc("/api/reset-system", s.guard(s.handleReset)).Methods(http.MethodPost)

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetAvailable toggles the REST API. An unavailable server answers 503.
func (s *Server) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = !ok
}

// State returns the backend state.
func (s *Server) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Clients returns the number of connected streaming clients.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// TelemetryFrames returns how many TELEMETRY frames were received.
func (s *Server) TelemetryFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telemetry
}

// DisconnectAll drops every streaming client.
func (s *Server) DisconnectAll() {
	s.mu.Lock()
	clients := s.snapshotClients()
	s.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
	}
}

// Run drives the countdown until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step advances the countdown by one tick, broadcasting COUNTDOWN_UPDATE and
// switching to SAFE_MODE when it reaches zero.
func (s *Server) Step() {
	s.mu.Lock()
	if s.countdown == nil || *s.countdown <= 0 ||
		(s.state != string(model.StateAttackDetected) && s.state != StateAttackSimulation) {
		s.mu.Unlock()
		return
	}
	*s.countdown--
	remaining := *s.countdown
	s.lastUpdate = time.Now()
	clients := s.snapshotClients()
	s.mu.Unlock()

	s.broadcast(clients, map[string]any{
		"type":      protocol.TypeCountdownUpdate,
		"countdown": remaining,
	})
	if remaining == 0 {
		s.triggerSafeMode("ML_MODEL_DECISION")
	}
}

func (s *Server) triggerSafeMode(trigger string) {
	s.mu.Lock()
	s.state = string(model.StateSafeMode)
	zero := 0
	s.countdown = &zero
	score := s.score
	s.record(TimelineEvent{Event: "SAFE_MODE_ACTIVATED", Trigger: trigger, AnomalyScore: score})
	clients := s.snapshotClients()
	s.mu.Unlock()

	log.Warn().Str("trigger", trigger).Float64("anomaly_score", score).Msg("Mock backend entered safe mode")
	s.broadcast(clients, map[string]any{
		"type":          protocol.TypeSystemState,
		"state":         model.StateSafeMode,
		"message":       "SAFE MODE ACTIVATED - ML detected critical anomaly",
		"timestamp":     now(),
		"anomaly_score": score,
	})
}

// attackScore draws the simulated score for an attack type.
func (s *Server) attackScore(attackType string) float64 {
	switch strings.ToLower(attackType) {
	case "gps":
		return 0.85 + s.rng.Float64()*0.1
	case "speed":
		return 0.75 + s.rng.Float64()*0.15
	case "pattern":
		return 0.9 + s.rng.Float64()*0.05
	case "emergency":
		return 0.95
	default:
		return 0.7 + s.rng.Float64()*0.2
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade the websocket")
		return
	}
	c := &client{conn: conn}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	initial := map[string]any{
		"type":          protocol.TypeInitialState,
		"state":         s.streamState(),
		"anomaly_score": s.score,
		"ml_connected":  true,
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
	}()

	log.Info().Str("remote_addr", r.RemoteAddr).Msg("Dashboard connected to mock backend")
	if err := c.send(initial); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("Dashboard disconnected from mock backend")
			return
		}

		var frame struct {
			Type protocol.Type `json:"type"`
			Data []float64     `json:"data"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("Mock backend received malformed frame")
			continue
		}

		switch frame.Type {
		case protocol.TypeTelemetry:
			s.detect(frame.Data)
			s.mu.Lock()
			ack := map[string]any{
				"type":          protocol.TypeTelemetryAck,
				"state":         s.state,
				"anomaly_score": s.score,
				"timestamp":     now(),
			}
			s.mu.Unlock()
			err = c.send(ack)
		case protocol.TypePing:
			s.mu.Lock()
			pong := map[string]any{"type": protocol.TypePong, "state": s.state, "ml_connected": true}
			s.mu.Unlock()
			err = c.send(pong)
		case protocol.TypeConnection:
			err = c.send(map[string]any{
				"type":           protocol.TypeConnectionAck,
				"status":         protocol.StatusConnected,
				"ml_model_ready": true,
			})
		}
		if err != nil {
			return
		}
	}
}

// detect flags over-speed telemetry while NORMAL.
func (s *Server) detect(data []float64) {
	s.mu.Lock()
	s.telemetry++
	if s.cfg.SpeedThreshold <= 0 || len(data) == 0 || data[0] <= s.cfg.SpeedThreshold ||
		s.state != string(model.StateNormal) {
		s.mu.Unlock()
		return
	}

	s.state = string(model.StateAttackDetected)
	s.score = 0.75 + s.rng.Float64()*0.2
	countdown := s.cfg.CountdownSeconds
	s.countdown = &countdown
	score := s.score
	s.record(TimelineEvent{Event: "ATTACK_DETECTED", Trigger: "ML_INFERENCE", AnomalyScore: score})
	clients := s.snapshotClients()
	s.mu.Unlock()

	log.Warn().Float64("speed", data[0]).Float64("anomaly_score", score).Msg("Mock backend detected attack")
	s.broadcast(clients, map[string]any{
		"type":          protocol.TypeAttackDetected,
		"anomaly_score": score,
		"countdown":     countdown,
		"message":       "ML detected anomaly! Safe mode in 6s",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := map[string]any{
		"status":        "healthy",
		"state":         s.state,
		"ml_connected":  true,
		"anomaly_score": s.score,
		"timestamp":     now(),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSystemState(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	var countdown *int
	if s.countdown != nil {
		v := *s.countdown
		countdown = &v
	}
	resp := map[string]any{
		"system_state":         s.state,
		"anomaly_score":        s.score,
		"reconstruction_error": s.score * 0.1,
		"threshold":            model.AnomalyThreshold,
		"safe_mode_countdown":  countdown,
		"attack_timeline":      append([]TimelineEvent(nil), s.timeline...),
		"ml_connected":         true,
		"last_update":          s.lastUpdate.UTC().Format(protocol.TimestampLayout),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMLStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := map[string]any{
		"ml_connected":   true,
		"model_ready":    true,
		"threshold":      model.AnomalyThreshold,
		"last_inference": s.lastUpdate.UTC().Format(protocol.TimestampLayout),
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSimulateAttack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AttackType string `json:"attack_type"`
		Timestamp  string `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AttackType == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"status": "error", "message": "attack_type is required"})
		return
	}

	s.mu.Lock()
	if s.state == string(model.StateSafeMode) {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "error",
			"message": "Already in safe mode. Refresh page to exit.",
		})
		return
	}

	s.score = s.attackScore(req.AttackType)
	s.state = StateAttackSimulation
	countdown := s.cfg.CountdownSeconds
	s.countdown = &countdown
	score := s.score
	s.record(TimelineEvent{Event: "ATTACK_SIMULATION_STARTED", AttackType: req.AttackType, Countdown: countdown})
	clients := s.snapshotClients()
	s.mu.Unlock()

	log.Info().Str("attack_type", req.AttackType).Float64("anomaly_score", score).Msg("Mock backend simulating attack")
	s.broadcast(clients, map[string]any{
		"type":          protocol.TypeAttackSimulation,
		"attack_type":   req.AttackType,
		"anomaly_score": score,
		"countdown":     countdown,
		"message":       req.AttackType + " attack simulated",
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"message":       req.AttackType + " attack simulation started",
		"anomaly_score": score,
		"countdown":     countdown,
		"state":         StateAttackSimulation,
	})
}

func (s *Server) handleEmergencyAttack(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.state == string(model.StateSafeMode) {
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"status":  "error",
			"message": "Already in safe mode. Refresh page to exit.",
		})
		return
	}
	s.score = s.attackScore("emergency")
	s.record(TimelineEvent{Event: "EMERGENCY_ATTACK", Trigger: "MANUAL_EMERGENCY", AnomalyScore: s.score})
	score := s.score
	s.mu.Unlock()

	s.triggerSafeMode("MANUAL_EMERGENCY")
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"message":       "EMERGENCY ATTACK! Safe mode activated immediately.",
		"anomaly_score": score,
		"countdown":     0,
		"state":         model.StateSafeMode,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.state = string(model.StateNormal)
	s.score = 0
	s.countdown = nil
	clients := s.snapshotClients()
	s.mu.Unlock()

	log.Info().Msg("Mock backend reset to normal")
	s.broadcast(clients, map[string]any{
		"type":    protocol.TypeSystemReset,
		"state":   model.StateNormal,
		"message": "System reset to normal mode",
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "System reset to NORMAL"})
}

// guard answers 503 while the server is marked unavailable.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		down := s.unavailable
		s.mu.Unlock()
		if down {
			http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
			return
		}
		next(w, r)
	}
}

// record appends to the timeline. Callers hold s.mu.
func (s *Server) record(e TimelineEvent) {
	e.Timestamp = now()
	s.timeline = append(s.timeline, e)
	if len(s.timeline) > historyLimit {
		s.timeline = s.timeline[len(s.timeline)-historyLimit:]
	}
	s.lastUpdate = time.Now()
}

// streamState reports the state in the dashboard's vocabulary, which has no
// simulation state. Callers hold s.mu.
func (s *Server) streamState() string {
	if s.state == StateAttackSimulation {
		return string(model.StateAttackDetected)
	}
	return s.state
}

// snapshotClients copies the client set. Callers hold s.mu.
func (s *Server) snapshotClients() []*client {
	out := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Server) broadcast(clients []*client, msg any) {
	for _, c := range clients {
		if err := c.send(msg); err != nil {
			log.Debug().Err(err).Msg("Broadcast to dashboard failed")
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func now() string {
	return time.Now().UTC().Format(protocol.TimestampLayout)
}
