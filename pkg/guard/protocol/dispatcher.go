package protocol

import (
	"github.com/rs/zerolog/log"
)

// Handler receives routed inbound messages. Each method runs on the loop
// goroutine and applies its effects atomically with respect to other handlers.
type Handler interface {
	HandleInitialState(msg InitialState)
	HandleAttackDetected(msg AttackDetected)
	HandleCountdownUpdate(msg CountdownUpdate)
	HandleSystemState(msg SystemStateChanged)
	HandleSystemReset(msg SystemReset)
	HandlePong(msg Pong)
	HandleMLModelStatus(msg MLModelStatus)
}

// Dispatcher decodes frames and routes each to exactly one handler method.
type Dispatcher struct {
	handler  Handler
	received map[Type]int
	dropped  int
}

// NewDispatcher creates a dispatcher routing to h.
func NewDispatcher(h Handler) *Dispatcher {
	return &Dispatcher{
		handler:  h,
		received: make(map[Type]int),
	}
}

// HandleFrame decodes and dispatches one raw frame. Decode failures are
// returned to the caller and leave all state untouched.
func (d *Dispatcher) HandleFrame(data []byte) error {
	msg, err := Decode(data)
	if err != nil {
		d.dropped++
		return err
	}
	d.Dispatch(msg)
	return nil
}

// Dispatch routes an already decoded message. Unknown messages are ignored.
func (d *Dispatcher) Dispatch(msg Message) {
	d.received[msg.Type()]++

	switch m := msg.(type) {
	case InitialState:
		d.handler.HandleInitialState(m)
	case AttackDetected:
		d.handler.HandleAttackDetected(m)
	case CountdownUpdate:
		d.handler.HandleCountdownUpdate(m)
	case SystemStateChanged:
		d.handler.HandleSystemState(m)
	case SystemReset:
		d.handler.HandleSystemReset(m)
	case Pong:
		d.handler.HandlePong(m)
	case MLModelStatus:
		d.handler.HandleMLModelStatus(m)
	default:
		log.Debug().Str("type", string(msg.Type())).Msg("Ignoring unhandled frame type")
	}
}

// Received returns how many frames of type t were dispatched.
func (d *Dispatcher) Received(t Type) int {
	return d.received[t]
}

// ReceivedTotal returns how many frames were dispatched.
func (d *Dispatcher) ReceivedTotal() int {
	total := 0
	for _, n := range d.received {
		total += n
	}
	return total
}

// Dropped returns how many frames failed to decode.
func (d *Dispatcher) Dropped() int {
	return d.dropped
}
