package reactor

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wordduel/server/internal/metrics"
	"github.com/wordduel/server/internal/protocol"
)

// Handler processes one decoded client message. It runs on the worker that
// owns c and must not block; slow CPU work goes through c.Offload.
type Handler func(c *Conn, m protocol.Message)

// Dispatcher routes decoded messages to registered handlers by type and
// enforces the login state machine: LOG_IN is only accepted before a session
// is bound, and every other request only after.
type Dispatcher struct {
	handlers map[protocol.Type]Handler
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[protocol.Type]Handler)}
}

// Register associates h with t, replacing any previous handler.
func (d *Dispatcher) Register(t protocol.Type, h Handler) {
	d.handlers[t] = h
}

// Dispatch answers UNEXPECTED_MESSAGE for messages that are not allowed in
// the connection's state and otherwise calls the handler.
func (d *Dispatcher) Dispatch(c *Conn, m protocol.Message) {
	if !d.allowed(c, m.Type) {
		logger.WithFields(logrus.Fields{
			"conn": c.ID,
			"type": m.Type.String(),
		}).Debug("unexpected message")
		c.Reply(protocol.New(protocol.TypeUnexpectedMessage))
		return
	}

	h, ok := d.handlers[m.Type]
	if !ok {
		logger.WithField("type", m.Type.String()).Warn("no handler registered")
		c.Reply(protocol.New(protocol.TypeUnexpectedMessage))
		return
	}

	start := time.Now()
	h(c, m)
	metrics.MessageLatency.Observe(time.Since(start).Seconds())
}

func (d *Dispatcher) allowed(c *Conn, t protocol.Type) bool {
	if !t.FromClient() {
		return false
	}
	authenticated := c.Session() != nil
	if t == protocol.TypeLogIn {
		return !authenticated
	}
	return authenticated
}
