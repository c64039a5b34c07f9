// Package protocol defines the frames exchanged with the detection backend over
// the /ws streaming endpoint and routes decoded frames to a handler.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/TFMV/scooterguard/pkg/guard/model"
)

// Type is the value of a frame's "type" field.
type Type string

const (
	TypeConnection       Type = "CONNECTION"
	TypeConnectionAck    Type = "CONNECTION_ACK"
	TypeTelemetry        Type = "TELEMETRY"
	TypeTelemetryAck     Type = "TELEMETRY_ACK"
	TypePing             Type = "PING"
	TypePong             Type = "PONG"
	TypeInitialState     Type = "INITIAL_STATE"
	TypeAttackDetected   Type = "ATTACK_DETECTED"
	TypeAttackSimulation Type = "ATTACK_SIMULATION"
	TypeCountdownUpdate  Type = "COUNTDOWN_UPDATE"
	TypeSystemState      Type = "SYSTEM_STATE"
	TypeSystemReset      Type = "SYSTEM_RESET"
	TypeMLModelStatus    Type = "ML_MODEL_STATUS"
)

// StatusConnected is the status carried by the handshake frame.
const StatusConnected = "CONNECTED"

// TimestampLayout renders timestamps the way the backend expects them
// (millisecond ISO-8601 in UTC).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

var (
	// ErrMalformed is returned for frames that are not valid JSON objects or
	// whose payload does not match their type.
	ErrMalformed = errors.New("malformed frame")
	// ErrMissingType is returned for frames without a type field.
	ErrMissingType = errors.New("frame has no type")
)

// Message is an inbound frame. The set of implementations is closed.
type Message interface {
	Type() Type
	isMessage()
}

// InitialState is sent by the backend when a client connects.
type InitialState struct {
	State        model.SystemState
	AnomalyScore *float64
	MLConnected  bool
}

// AttackDetected is the backend's attack verdict.
type AttackDetected struct {
	AnomalyScore *float64
	Countdown    *int
	Message      string
}

// CountdownUpdate carries the backend's advisory countdown value.
type CountdownUpdate struct {
	Countdown int
}

// SystemStateChanged is a state broadcast from the backend.
type SystemStateChanged struct {
	State        model.SystemState
	AnomalyScore *float64
	Message      string
}

// SystemReset tells the dashboard the backend was reset.
type SystemReset struct {
	Message string
}

// Pong answers a PING.
type Pong struct {
	MLConnected bool
}

// MLModelStatus reports whether the backend's model is ready.
type MLModelStatus struct {
	Ready bool
}

// Unknown is any frame type the dashboard does not consume.
type Unknown struct {
	Kind Type
}

func (InitialState) Type() Type       { return TypeInitialState }
func (AttackDetected) Type() Type     { return TypeAttackDetected }
func (CountdownUpdate) Type() Type    { return TypeCountdownUpdate }
func (SystemStateChanged) Type() Type { return TypeSystemState }
func (SystemReset) Type() Type        { return TypeSystemReset }
func (Pong) Type() Type               { return TypePong }
func (MLModelStatus) Type() Type      { return TypeMLModelStatus }
func (u Unknown) Type() Type          { return u.Kind }

func (InitialState) isMessage()       {}
func (AttackDetected) isMessage()     {}
func (CountdownUpdate) isMessage()    {}
func (SystemStateChanged) isMessage() {}
func (SystemReset) isMessage()        {}
func (Pong) isMessage()               {}
func (MLModelStatus) isMessage()      {}
func (Unknown) isMessage()            {}

// envelope is the union of every inbound payload field.
type envelope struct {
	Type         Type     `json:"type"`
	State        *string  `json:"state,omitempty"`
	AnomalyScore *float64 `json:"anomaly_score,omitempty"`
	Countdown    *int     `json:"countdown,omitempty"`
	Ready        *bool    `json:"ready,omitempty"`
	MLConnected  *bool    `json:"ml_connected,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// Decode parses one inbound frame.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}

	switch env.Type {
	case TypeInitialState:
		state, err := env.state()
		if err != nil {
			return nil, err
		}
		return InitialState{
			State:        state,
			AnomalyScore: env.AnomalyScore,
			MLConnected:  deref(env.MLConnected),
		}, nil

	case TypeAttackDetected:
		return AttackDetected{
			AnomalyScore: env.AnomalyScore,
			Countdown:    env.Countdown,
			Message:      env.Message,
		}, nil

	case TypeCountdownUpdate:
		if env.Countdown == nil {
			return nil, fmt.Errorf("%w: %s without countdown", ErrMalformed, env.Type)
		}
		return CountdownUpdate{Countdown: *env.Countdown}, nil

	case TypeSystemState:
		state, err := env.state()
		if err != nil {
			return nil, err
		}
		return SystemStateChanged{
			State:        state,
			AnomalyScore: env.AnomalyScore,
			Message:      env.Message,
		}, nil

	case TypeSystemReset:
		return SystemReset{Message: env.Message}, nil

	case TypePong:
		return Pong{MLConnected: deref(env.MLConnected)}, nil

	case TypeMLModelStatus:
		return MLModelStatus{Ready: deref(env.Ready)}, nil

	default:
		return Unknown{Kind: env.Type}, nil
	}
}

func (e envelope) state() (model.SystemState, error) {
	if e.State == nil {
		return "", fmt.Errorf("%w: %s without state", ErrMalformed, e.Type)
	}
	state, err := model.ParseSystemState(*e.State)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return state, nil
}

func deref(b *bool) bool {
	return b != nil && *b
}

// FeatureVector is the six-element telemetry vector the backend model scores:
// speed, acceleration, lateral accel, vertical accel, gps delta-lat, gps delta-lon.
type FeatureVector [6]float64

// ConnectionFrame is the handshake sent after the socket opens.
type ConnectionFrame struct {
	Type      Type   `json:"type"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// NewConnectionFrame builds the handshake frame.
func NewConnectionFrame(now time.Time) ConnectionFrame {
	return ConnectionFrame{
		Type:      TypeConnection,
		Status:    StatusConnected,
		Timestamp: FormatTimestamp(now),
	}
}

// TelemetryFrame carries one feature vector to the backend.
type TelemetryFrame struct {
	Type      Type          `json:"type"`
	Data      FeatureVector `json:"data"`
	Timestamp string        `json:"timestamp"`
}

// NewTelemetryFrame builds a TELEMETRY frame.
func NewTelemetryFrame(data FeatureVector, now time.Time) TelemetryFrame {
	return TelemetryFrame{
		Type:      TypeTelemetry,
		Data:      data,
		Timestamp: FormatTimestamp(now),
	}
}
