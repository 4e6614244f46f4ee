// Package socket implements the console's socket transport: a UNIX-domain
// listener multiplexing the console output stream to any number of
// connected clients, with escape-sequence scanning on client input and
// per-client backpressure against slow readers.
package socket

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sys/unix"

	"github.com/conmux/conmux/internal/console"
	"github.com/conmux/conmux/internal/escape"
	"github.com/conmux/conmux/internal/poller"
	"github.com/conmux/conmux/internal/ring"
)

const (
	// batchSize is the unread length below which an advisory notification
	// does not trigger a write; small trickles are left to accumulate.
	batchSize = 512
	// batchTimeout flushes accumulated output when the console goes idle.
	batchTimeout = 4 * time.Millisecond

	readBufSize = 4096
)

var (
	// ErrPeerClosed marks a zero-length write, i.e. the remote end is gone.
	ErrPeerClosed = errors.New("peer closed connection")
	// ErrFlushShortfall marks a mandatory flush that could not deliver the
	// required byte count.
	ErrFlushShortfall = errors.New("forced flush fell short")
	// ErrNoSocketHandler is returned by NewPeer when the console has no
	// active socket transport.
	ErrNoSocketHandler = errors.New("no socket handler active")
)

// client is one connected endpoint: an accepted socket or the handler-side
// end of an internal peer pair. Its poller handle and ring consumer are
// cleared as they are released so teardown stays idempotent across the
// several paths that can trigger it.
type client struct {
	h       *Handler
	fd      int
	handle  *poller.Handle
	rbc     *ring.Consumer
	blocked bool
}

// Handler is the socket transport instance for one console.
type Handler struct {
	log          *logrus.Logger
	cons         *console.Console
	listenFd     int
	listenHandle *poller.Handle
	clients      *orderedmap.OrderedMap[*client, struct{}]
}

// New creates an uninitialized socket handler; Init binds it to a console.
func New() *Handler {
	return &Handler{
		listenFd: -1,
		clients:  orderedmap.New[*client, struct{}](),
	}
}

// Name identifies the handler within a console.
func (h *Handler) Name() string { return "socket" }

// Init binds or adopts the listening socket for the console and registers
// it for accept events. Any descriptor acquired before a failure is
// released again.
func (h *Handler) Init(c *console.Console) error {
	h.cons = c
	h.log = c.Log()

	path := console.SocketPath(c.ID())

	fd, adopted, err := listenerFor(path)
	if err != nil {
		return err
	}
	h.listenFd = fd

	h.listenHandle = c.Poller().Register(fd, unix.POLLIN, h.acceptPoll, nil)

	h.log.WithFields(logrus.Fields{
		"socket":  console.ReadableSocketPath(path),
		"adopted": adopted,
	}).Info("Console socket listening")
	return nil
}

// listenerFor returns a listening descriptor for path, preferring a single
// matching socket passed in by the service manager over creating one.
func listenerFor(path string) (fd int, adopted bool, err error) {
	if fd, ok := activatedListener(path); ok {
		return fd, true, nil
	}

	fd, err = unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, false, fmt.Errorf("failed to create socket: %w", err)
	}
	if err = unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return -1, false, fmt.Errorf("failed to bind %s: %w",
			console.ReadableSocketPath(path), err)
	}
	if err = unix.Listen(fd, 1); err != nil {
		_ = unix.Close(fd)
		return -1, false, fmt.Errorf("failed to listen on %s: %w",
			console.ReadableSocketPath(path), err)
	}
	return fd, false, nil
}

// activatedListener adopts a service-manager socket when exactly one was
// passed and it is a stream socket bound to the expected path.
func activatedListener(path string) (int, bool) {
	files := activation.Files(true)
	if len(files) != 1 {
		for _, f := range files {
			_ = f.Close()
		}
		return -1, false
	}
	f := files[0]
	fd := int(f.Fd())

	soType, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil || soType != unix.SOCK_STREAM {
		_ = f.Close()
		return -1, false
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		_ = f.Close()
		return -1, false
	}
	ua, ok := sa.(*unix.SockaddrUnix)
	if !ok || ua.Name != path {
		_ = f.Close()
		return -1, false
	}

	// Take over the descriptor from the *os.File so its finalizer cannot
	// close the adopted listener behind our back.
	nfd, err := unix.Dup(fd)
	if err != nil {
		_ = f.Close()
		return -1, false
	}
	_ = f.Close()
	if err := unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, false
	}
	return nfd, true
}

// Fini closes every remaining client, then the listener.
func (h *Handler) Fini() {
	for h.clients.Len() > 0 {
		h.clients.Oldest().Key.close()
	}
	if h.listenHandle != nil {
		h.cons.Poller().Unregister(h.listenHandle)
		h.listenHandle = nil
	}
	if h.listenFd >= 0 {
		_ = unix.Close(h.listenFd)
		h.listenFd = -1
	}
}

// Clients returns the number of connected clients.
func (h *Handler) Clients() int { return h.clients.Len() }

// acceptPoll accepts at most one pending connection per readiness event.
// Accept failures skip the event; they are not fatal to the listener.
func (h *Handler) acceptPoll(revents int16) poller.Status {
	if revents&unix.POLLIN == 0 {
		return poller.Ok
	}
	fd, _, err := unix.Accept4(h.listenFd, unix.SOCK_CLOEXEC)
	if err != nil {
		return poller.Ok
	}
	h.addClient(fd)
	h.log.WithField("clients", h.clients.Len()).Debug("Accepted console client")
	return poller.Ok
}

// addClient wraps fd as a full client: read events, idle timeout, and a
// ring-buffer consumer, appended to the registry in connection order.
func (h *Handler) addClient(fd int) *client {
	cl := &client{h: h, fd: fd}
	cl.handle = h.cons.Poller().Register(fd, unix.POLLIN, cl.poll, cl.timeout)
	cl.rbc = h.cons.RegisterConsumer(cl.ringPoll)
	h.clients.Set(cl, struct{}{})
	return cl
}

// close releases the client's registrations and descriptor and drops it
// from the registry, preserving the order of the remaining clients. Each
// resource is released at most once regardless of which error path got
// here first.
func (cl *client) close() {
	h := cl.h
	if cl.fd >= 0 {
		_ = unix.Close(cl.fd)
		cl.fd = -1
	}
	if cl.handle != nil {
		h.cons.Poller().Unregister(cl.handle)
		cl.handle = nil
	}
	if cl.rbc != nil {
		cl.rbc.Unregister()
		cl.rbc = nil
	}
	h.clients.Delete(cl)
	h.log.WithField("clients", h.clients.Len()).Debug("Closed console client")
}

// setBlocked records write backpressure and widens or narrows the event
// interest accordingly.
func (cl *client) setBlocked(blocked bool) {
	if cl.blocked == blocked {
		return
	}
	cl.blocked = blocked
	events := int16(unix.POLLIN)
	if blocked {
		events |= unix.POLLOUT
	}
	cl.h.cons.Poller().SetEvents(cl.handle, events)
}

// sendAll writes buf to the socket, blocking only when block is set.
// It returns the bytes written; a would-block result in non-blocking mode
// marks the client blocked and returns short without error.
func (cl *client) sendAll(buf []byte, block bool) (int, error) {
	flags := unix.MSG_NOSIGNAL
	if !block {
		flags |= unix.MSG_DONTWAIT
	}
	pos := 0
	for pos < len(buf) {
		n, err := unix.SendmsgN(cl.fd, buf[pos:], nil, nil, flags)
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if !block && (errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)) {
				cl.setBlocked(true)
				break
			}
			return pos, err
		}
		if n == 0 {
			return pos, ErrPeerClosed
		}
		pos += n
	}
	return pos, nil
}

// drain flushes pending console output from the ring to the socket. With a
// non-zero forceLen at least that many bytes must go out, blocking if
// needed; a shortfall is a hard error. The ring cursor is only committed on
// success, so a failed drain never loses data.
func (cl *client) drain(forceLen int) error {
	block := forceLen > 0

	// Already known to be blocked; a non-blocking attempt would just fail.
	if !block && cl.blocked {
		return nil
	}

	total := 0
	for {
		chunk := cl.rbc.Peek(total)
		if chunk == nil {
			break
		}
		n, err := cl.sendAll(chunk, block)
		total += n
		if err != nil {
			return err
		}
		if n < len(chunk) {
			break
		}
		if forceLen > 0 && total >= forceLen {
			break
		}
	}

	if forceLen > 0 && total < forceLen {
		return ErrFlushShortfall
	}
	cl.rbc.Commit(total)
	return nil
}

// ringPoll is the ring-buffer consumer notification. Advisory wakeups below
// the batching threshold only arm the idle flush timeout; anything else
// drains immediately. On failure the consumer handle is already invalid in
// the caller's context, so it is cleared before closing.
func (cl *client) ringPoll(forceLen int) ring.PollStatus {
	if forceLen == 0 && cl.rbc.Len() < batchSize {
		cl.h.cons.Poller().SetTimeout(cl.handle, batchTimeout)
		return ring.PollOK
	}

	if err := cl.drain(forceLen); err != nil {
		cl.h.log.WithError(err).Debug("Client drain failed")
		cl.rbc = nil
		cl.close()
		return ring.PollRemove
	}
	return ring.PollOK
}

// timeout is the idle flush. A blocked client has nothing to do here;
// draining resumes on the writable event.
func (cl *client) timeout() poller.Status {
	if cl.blocked {
		return poller.Ok
	}
	if err := cl.drain(0); err != nil {
		cl.h.log.WithError(err).Debug("Client flush failed")
		cl.close()
		return poller.Remove
	}
	return poller.Ok
}

// poll handles socket readiness for one client: inbound bytes run through
// the escape scanner, writability clears backpressure and resumes draining.
func (cl *client) poll(revents int16) poller.Status {
	if revents&unix.POLLIN != 0 {
		buf := make([]byte, readBufSize)
		n, _, err := unix.Recvfrom(cl.fd, buf, unix.MSG_DONTWAIT)
		switch {
		case err != nil && (errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK)):
			return poller.Ok
		case err != nil && errors.Is(err, syscall.EINTR):
			return poller.Ok
		case err != nil, n == 0:
			cl.close()
			return poller.Remove
		}

		st, err := escape.Run(cl.h.cons.State, buf[:n], cl.h.cons, cl.h.cons)
		cl.h.cons.State = st
		if err != nil {
			cl.h.log.WithError(err).Error("Console output failed")
			cl.close()
			return poller.Remove
		}
	}

	if revents&unix.POLLOUT != 0 {
		cl.setBlocked(false)
		if err := cl.drain(0); err != nil {
			cl.close()
			return poller.Remove
		}
	}

	if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && revents&unix.POLLIN == 0 {
		cl.close()
		return poller.Remove
	}

	return poller.Ok
}

// NewPeer creates a connected socket pair, registers one end as a full
// client of the console's socket handler, and returns the other end for
// in-process use. The caller owns the returned file.
func NewPeer(c *console.Console) (*os.File, error) {
	h, ok := c.Handler("socket").(*Handler)
	if !ok || h == nil {
		return nil, ErrNoSocketHandler
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket pair: %w", err)
	}

	h.addClient(fds[0])
	return os.NewFile(uintptr(fds[1]), "conmux-peer"), nil
}
