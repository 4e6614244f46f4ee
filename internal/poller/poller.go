// Package poller implements the single-threaded event scheduler driving a
// console: file-descriptor readiness plus optional one-shot idle timeouts,
// built on poll(2). Callbacks run one at a time on the loop goroutine, so
// everything they touch needs no further synchronization; they may register
// and unregister handles freely, including their own.
package poller

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Status is returned by readiness and timeout callbacks.
type Status int

const (
	// Ok keeps the registration active.
	Ok Status = iota
	// Remove unregisters the handle after the callback returns.
	Remove
	// Exit stops the event loop.
	Exit
)

// Callback handles fd readiness. revents is the poll(2) revents bitmask.
type Callback func(revents int16) Status

// TimeoutFunc handles an expired idle timeout.
type TimeoutFunc func() Status

// Handle is an active registration. Its fields are owned by the Poller.
type Handle struct {
	fd        int
	events    int16
	cb        Callback
	timeoutCb TimeoutFunc
	deadline  time.Time // zero when no timeout is armed
}

// Poller is the event loop. Not safe for use outside its own callbacks and
// the goroutine that calls Run.
type Poller struct {
	log     *logrus.Logger
	handles []*Handle
	exitErr error

	// maxWait bounds a single poll(2) call so Run notices context
	// cancellation; it does not affect delivery latency.
	maxWait time.Duration
}

// New creates an idle poller.
func New(log *logrus.Logger) *Poller {
	return &Poller{log: log, maxWait: 100 * time.Millisecond}
}

// Register adds fd with the given event interest. timeoutCb may be nil if
// the handle never arms a timeout.
func (p *Poller) Register(fd int, events int16, cb Callback, timeoutCb TimeoutFunc) *Handle {
	h := &Handle{fd: fd, events: events, cb: cb, timeoutCb: timeoutCb}
	p.handles = append(p.handles, h)
	return h
}

// Unregister removes h. Removing a handle that is already gone is a no-op,
// which lets close paths stay idempotent.
func (p *Poller) Unregister(h *Handle) {
	for i, reg := range p.handles {
		if reg == h {
			p.handles = append(p.handles[:i], p.handles[i+1:]...)
			return
		}
	}
}

// SetEvents replaces the event interest mask for h.
func (p *Poller) SetEvents(h *Handle, events int16) {
	h.events = events
}

// SetTimeout arms (or re-arms) a one-shot idle timeout for h.
func (p *Poller) SetTimeout(h *Handle, d time.Duration) {
	h.deadline = time.Now().Add(d)
}

// Fail records err as the loop's result; the callback that observed the
// failure then returns Exit and Run surfaces err to its caller. The first
// recorded error wins.
func (p *Poller) Fail(err error) {
	if p.exitErr == nil {
		p.exitErr = err
	}
}

func (p *Poller) registered(h *Handle) bool {
	for _, reg := range p.handles {
		if reg == h {
			return true
		}
	}
	return false
}

// Run dispatches events until the context is canceled, a callback returns
// Exit, or no registrations remain. An Exit preceded by Fail returns the
// recorded error; a plain Exit returns nil.
func (p *Poller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(p.handles) == 0 {
			return nil
		}

		snapshot := make([]*Handle, len(p.handles))
		copy(snapshot, p.handles)

		fds := make([]unix.PollFd, len(snapshot))
		wait := p.maxWait
		now := time.Now()
		for i, h := range snapshot {
			fds[i] = unix.PollFd{Fd: int32(h.fd), Events: h.events}
			if !h.deadline.IsZero() {
				if d := h.deadline.Sub(now); d < wait {
					wait = d
				}
			}
		}
		if wait < 0 {
			wait = 0
		}

		// Round sub-millisecond deadlines up so a near deadline sleeps in
		// poll(2) instead of spinning with a zero timeout.
		n, err := unix.Poll(fds, int((wait+time.Millisecond-1)/time.Millisecond))
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			p.log.WithError(err).Error("poll failed")
			return err
		}

		// Expired timeouts fire even when fds were also ready; the drain
		// paths tolerate being invoked with nothing to do.
		now = time.Now()
		for _, h := range snapshot {
			if !p.registered(h) || h.deadline.IsZero() || now.Before(h.deadline) {
				continue
			}
			h.deadline = time.Time{}
			if h.timeoutCb == nil {
				continue
			}
			switch h.timeoutCb() {
			case Remove:
				p.Unregister(h)
			case Exit:
				return p.exitErr
			}
		}

		if n == 0 {
			continue
		}

		for i, h := range snapshot {
			if fds[i].Revents == 0 || !p.registered(h) {
				continue
			}
			switch h.cb(fds[i].Revents) {
			case Remove:
				p.Unregister(h)
			case Exit:
				return p.exitErr
			}
		}
	}
}
