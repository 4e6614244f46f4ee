// Package console ties one multiplexed serial console together: the device
// transport, the output ring buffer, the event scheduler, the escape-scanner
// state, and the set of active transport handlers.
//
// Handlers are composed explicitly by the caller that builds the console;
// there is no global registration table.
package console

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/conmux/conmux/internal/escape"
	"github.com/conmux/conmux/internal/poller"
	"github.com/conmux/conmux/internal/ring"
)

// Transport is the device side of the console: bytes written here head
// toward the UART (or PTY), and SendBreak raises a break condition on it.
type Transport interface {
	Write(p []byte) (int, error)
	SendBreak() error
}

// Handler is one console transport surface (socket, log file, ...). Init is
// called once after the console is assembled, Fini once at teardown.
type Handler interface {
	Name() string
	Init(c *Console) error
	Fini()
}

// Console is the shared per-console session object.
type Console struct {
	// State is the escape-scanner state for client input. It lives here,
	// not per client, because it tracks a single shared grammar over
	// whichever client is currently feeding the console.
	State escape.State

	id       string
	log      *logrus.Logger
	poller   *poller.Poller
	rb       *ring.Buffer
	tty      Transport
	handlers []Handler
}

// New assembles a console around an already-open transport.
func New(id string, tty Transport, p *poller.Poller, rb *ring.Buffer, log *logrus.Logger) *Console {
	return &Console{id: id, log: log, poller: p, rb: rb, tty: tty}
}

// ID returns the console identifier.
func (c *Console) ID() string { return c.id }

// Log returns the console logger.
func (c *Console) Log() *logrus.Logger { return c.log }

// Poller returns the console's event scheduler.
func (c *Console) Poller() *poller.Poller { return c.poller }

// DataIn queues device output into the ring, waking every consumer.
func (c *Console) DataIn(p []byte) {
	c.rb.Queue(p)
}

// DataOut forwards literal client bytes toward the device.
func (c *Console) DataOut(p []byte) error {
	_, err := c.tty.Write(p)
	return err
}

// SendBreak raises a break condition on the device.
func (c *Console) SendBreak() error {
	return c.tty.SendBreak()
}

// RegisterConsumer adds a read cursor over the console output stream.
func (c *Console) RegisterConsumer(notify ring.NotifyFunc) *ring.Consumer {
	return c.rb.Register(notify)
}

// AddHandler appends a handler and initializes it. On failure the handler is
// not retained.
func (c *Console) AddHandler(h Handler) error {
	if err := h.Init(c); err != nil {
		return fmt.Errorf("handler %s: %w", h.Name(), err)
	}
	c.handlers = append(c.handlers, h)
	return nil
}

// Handler returns the active handler with the given name, or nil.
func (c *Console) Handler(name string) Handler {
	for _, h := range c.handlers {
		if h.Name() == name {
			return h
		}
	}
	return nil
}

// Shutdown tears down every handler in reverse registration order.
func (c *Console) Shutdown() {
	for i := len(c.handlers) - 1; i >= 0; i-- {
		c.handlers[i].Fini()
	}
	c.handlers = nil
}

// SocketPath derives the abstract-namespace listening address for a console
// id. The leading '@' denotes the abstract socket namespace.
func SocketPath(id string) string {
	return "@conmux." + id
}

// ReadableSocketPath renders a socket address for diagnostics, mapping an
// abstract-namespace leading NUL back to the '@' notation.
func ReadableSocketPath(path string) string {
	if strings.HasPrefix(path, "\x00") {
		return "@" + path[1:]
	}
	return path
}
