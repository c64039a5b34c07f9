// Package connection maintains the streaming websocket link to the detection
// backend and reconnects it after failures.
package connection

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/TFMV/scooterguard/pkg/guard/loop"
	"github.com/TFMV/scooterguard/pkg/guard/model"
	"github.com/TFMV/scooterguard/pkg/guard/protocol"
)

// ReconnectTimerName is the name of the reconnect timer.
const ReconnectTimerName = "reconnect"

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 5 * time.Second
	sendBuffer              = 64
)

// Config configures the manager.
type Config struct {
	// URL is the backend base address; http(s) and ws(s) schemes are
	// accepted and the /ws path is appended when missing.
	URL              string
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
}

// Manager owns the streaming connection. All methods must be called on the
// loop goroutine; dialing, reading and writing happen on helper goroutines
// that report back through the scheduler.
type Manager struct {
	sched  loop.Scheduler
	hub    *model.Hub
	url    string
	dialer *websocket.Dialer
	delay  time.Duration

	state      model.ConnectionState
	generation uint64
	link       *link
	reconnect  *loop.Timer
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc

	onMessage  func([]byte)
	onChange   []func(model.ConnectionState)
	attempts   int
	reconnects int
}

// link is one established socket with its writer.
type link struct {
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
}

// NewManager creates a disconnected manager. Nothing is dialed until Connect.
func NewManager(sched loop.Scheduler, hub *model.Hub, cfg Config) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sched: sched,
		hub:   hub,
		url:   StreamURL(cfg.URL),
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		delay:  cfg.ReconnectDelay,
		state:  model.Disconnected,
		ctx:    ctx,
		cancel: cancel,
	}
}

// StreamURL derives the websocket endpoint from a backend address.
func StreamURL(raw string) string {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "ws", Host: strings.TrimRight(raw, "/")}
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !strings.HasSuffix(u.Path, "/ws") {
		u.Path += "/ws"
	}
	return u.String()
}

// URL returns the websocket endpoint.
func (m *Manager) URL() string {
	return m.url
}

// OnMessage sets the handler for inbound frames.
func (m *Manager) OnMessage(handler func(data []byte)) {
	m.onMessage = handler
}

// OnConnectivityChange adds a connectivity listener.
func (m *Manager) OnConnectivityChange(handler func(state model.ConnectionState)) {
	m.onChange = append(m.onChange, handler)
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	return m.state
}

// Connected reports whether frames can be sent.
func (m *Manager) Connected() bool {
	return m.state == model.Connected
}

// Reconnects returns how many reconnect attempts were made.
func (m *Manager) Reconnects() int {
	return m.reconnects
}

// Connect dials the backend unless a connection is open or being opened.
func (m *Manager) Connect() {
	if m.closed || m.state != model.Disconnected {
		return
	}

	m.generation++
	gen := m.generation
	m.attempts++
	m.setState(model.Connecting)

	log.Debug().Str("url", m.url).Int("attempt", m.attempts).Msg("Dialing ML backend")

	dialer, target, parent := m.dialer, m.url, m.ctx
	m.sched.Go(func() func() {
		conn, _, err := dialer.DialContext(parent, target, nil)
		return func() { m.dialed(gen, conn, err) }
	})
}

// Send marshals v and queues it for the writer. It is a silent no-op unless
// the connection is open, and reports whether the frame was queued.
func (m *Manager) Send(v any) bool {
	if m.state != model.Connected || m.link == nil {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode outbound frame")
		return false
	}

	select {
	case m.link.out <- data:
		return true
	default:
		log.Warn().Msg("Outbound buffer full, dropping frame")
		return false
	}
}

// Close tears the connection down and stops reconnecting.
func (m *Manager) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.cancel()
	m.reconnect.Stop()
	m.generation++
	m.teardown()
	if m.state != model.Disconnected {
		m.setState(model.Disconnected)
	}
}

func (m *Manager) dialed(gen uint64, conn *websocket.Conn, err error) {
	if gen != m.generation || m.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		log.Warn().Err(err).Str("url", m.url).Msg("WebSocket connection error")
		m.hub.Log(model.LogML, "WebSocket connection error")
		m.down()
		return
	}

	l := &link{
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	m.link = l
	go m.write(gen, l)
	go m.read(gen, l)

	m.setState(model.Connected)
	log.Info().Str("url", m.url).Msg("Connected to ML backend")
	m.hub.Log(model.LogML, "WebSocket connected to ML backend")

	m.Send(protocol.NewConnectionFrame(m.sched.Now()))
}

// read runs on its own goroutine and posts every frame to the loop.
func (m *Manager) read(gen uint64, l *link) {
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			m.sched.Post(func() { m.lost(gen, err) })
			return
		}
		m.sched.Post(func() { m.received(gen, data) })
	}
}

// write runs on its own goroutine and owns all writes to the socket.
func (m *Manager) write(gen uint64, l *link) {
	for {
		select {
		case data := <-l.out:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.conn.Close()
				m.sched.Post(func() { m.lost(gen, err) })
				return
			}
		case <-l.done:
			_ = l.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			l.conn.Close()
			return
		}
	}
}

func (m *Manager) received(gen uint64, data []byte) {
	if gen != m.generation {
		return
	}
	if m.onMessage != nil {
		m.onMessage(data)
	}
}

func (m *Manager) lost(gen uint64, err error) {
	if gen != m.generation {
		return
	}
	m.generation++

	log.Warn().Err(err).Msg("Disconnected from ML backend")
	m.teardown()
	m.down()
}

// down records the disconnect and arms the single reconnect timer.
func (m *Manager) down() {
	m.setState(model.Disconnected)
	m.hub.Log(model.LogML, "Disconnected from ML backend")

	if m.closed || m.reconnect.Active() {
		return
	}
	m.reconnect = m.sched.AfterFunc(ReconnectTimerName, m.delay, func() {
		if m.closed || m.state != model.Disconnected {
			return
		}
		m.reconnects++
		m.hub.Log(model.LogML, "Attempting to reconnect to ML backend...")
		m.Connect()
	})
}

func (m *Manager) teardown() {
	if m.link == nil {
		return
	}
	close(m.link.done)
	m.link = nil
}

func (m *Manager) setState(s model.ConnectionState) {
	if m.state == s {
		return
	}
	m.state = s
	m.hub.NotifyConnectionState(s)
	for _, fn := range m.onChange {
		fn(s)
	}
}
