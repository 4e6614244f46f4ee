// Package tty drives the device side of a console: a serial port, or a
// locally created PTY pair for loopback and testing. Device output is fed
// into the console ring buffer; client input is queued through a byte ring
// and drained to the device as it becomes writable.
package tty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/conmux/conmux/internal/console"
	"github.com/conmux/conmux/internal/poller"
)

// DefaultWriteQueueSize bounds bytes queued toward a device that is slower
// than its clients type.
const DefaultWriteQueueSize = 4096

var baudFlags = map[int]uint32{
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
}

// Device is a console transport backed by a tty file descriptor. It
// implements console.Transport.
type Device struct {
	log     *logrus.Logger
	fd      int
	file    *os.File
	slave   *os.File // loopback mode only; keeps the pts node alive
	ttyName string
	restore *term.State

	cons    *console.Console
	handle  *poller.Handle
	wq      *ringbuffer.RingBuffer
	blocked bool
}

// Open opens a serial device in raw, non-blocking mode. baud of zero keeps
// the device's current rate.
func Open(path string, baud int, log *logrus.Logger) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	file := os.NewFile(uintptr(fd), path)

	restore, err := term.MakeRaw(fd)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to set %s to raw mode: %w", path, err)
	}

	if baud != 0 {
		if err := setBaud(fd, baud); err != nil {
			_ = term.Restore(fd, restore)
			_ = file.Close()
			return nil, err
		}
	}

	return &Device{
		log:     log,
		fd:      fd,
		file:    file,
		ttyName: path,
		restore: restore,
		wq:      ringbuffer.New(DefaultWriteQueueSize),
	}, nil
}

// NewPTY creates a PTY pair and uses the master as the console device. The
// slave stays open so the pts node survives for external processes; its
// path is available via TTYName.
func NewPTY(log *logrus.Logger) (*Device, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY: %w", err)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set PTY slave to raw mode: %w", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set PTY master to nonblocking mode: %w", err)
	}

	return &Device{
		log:     log,
		fd:      int(master.Fd()),
		file:    master,
		slave:   slave,
		ttyName: slave.Name(),
		wq:      ringbuffer.New(DefaultWriteQueueSize),
	}, nil
}

// TTYName returns the device path (the pts path in loopback mode).
func (d *Device) TTYName() string { return d.ttyName }

// Start registers the device with the console's scheduler. The console must
// have been assembled around this device.
func (d *Device) Start(c *console.Console) error {
	if d.cons != nil {
		return errors.New("device already started")
	}
	d.cons = c
	d.handle = c.Poller().Register(d.fd, unix.POLLIN, d.poll, nil)
	d.log.WithField("tty", d.ttyName).Info("Console device ready")
	return nil
}

func (d *Device) poll(revents int16) poller.Status {
	if revents&unix.POLLIN != 0 {
		if st := d.readDevice(); st != poller.Ok {
			return st
		}
	}
	if revents&unix.POLLOUT != 0 {
		d.setBlocked(false)
		if err := d.flush(); err != nil {
			d.log.WithError(err).Error("Device write failed")
			d.cons.Poller().Fail(fmt.Errorf("write %s: %w", d.ttyName, err))
			return poller.Exit
		}
	}
	if revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && revents&unix.POLLIN == 0 {
		d.log.Error("Console device error")
		d.cons.Poller().Fail(fmt.Errorf("device %s failed", d.ttyName))
		return poller.Exit
	}
	return poller.Ok
}

func (d *Device) readDevice() poller.Status {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(d.fd, buf)
		if err != nil {
			switch {
			case errors.Is(err, syscall.EINTR):
				continue
			case errors.Is(err, syscall.EAGAIN):
				return poller.Ok
			default:
				d.log.WithError(err).Error("Console device read failed")
				d.cons.Poller().Fail(fmt.Errorf("read %s: %w", d.ttyName, err))
				return poller.Exit
			}
		}
		if n == 0 {
			d.log.Info("Console device closed")
			d.cons.Poller().Fail(fmt.Errorf("device %s closed", d.ttyName))
			return poller.Exit
		}
		d.cons.DataIn(buf[:n])
		return poller.Ok
	}
}

// Write queues client bytes toward the device and flushes as much as the
// device will take without blocking. Overflow drops the newest bytes with a
// warning rather than stalling the whole console.
func (d *Device) Write(p []byte) (int, error) {
	queued, err := d.wq.Write(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return 0, err
	}
	if queued < len(p) {
		d.log.WithFields(logrus.Fields{
			"dropped": len(p) - queued,
			"queued":  queued,
		}).Warn("Device write queue overflow")
	}
	if err := d.flush(); err != nil {
		return queued, err
	}
	return queued, nil
}

func (d *Device) flush() error {
	if d.blocked {
		return nil
	}
	buf := make([]byte, 4096)
	for {
		n, err := d.wq.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return err
		}
		if n == 0 {
			return nil
		}
		off := 0
		for off < n {
			wn, werr := unix.Write(d.fd, buf[off:n])
			if wn > 0 {
				off += wn
			}
			if werr != nil {
				switch {
				case errors.Is(werr, syscall.EINTR):
					continue
				case errors.Is(werr, syscall.EAGAIN):
					d.requeue(buf[off:n])
					d.setBlocked(true)
					return nil
				default:
					return werr
				}
			}
		}
	}
}

func (d *Device) requeue(rest []byte) {
	if len(rest) == 0 {
		return
	}
	if d.wq.IsEmpty() {
		_, _ = d.wq.Write(rest)
		return
	}
	d.log.WithField("dropped", len(rest)).Warn("Device stalled, dropping unwritten bytes")
}

func (d *Device) setBlocked(blocked bool) {
	if d.blocked == blocked {
		return
	}
	d.blocked = blocked
	events := int16(unix.POLLIN)
	if blocked {
		events |= unix.POLLOUT
	}
	if d.handle != nil {
		d.cons.Poller().SetEvents(d.handle, events)
	}
}

// SendBreak raises a break condition on the device. PTY masters do not
// support break; the request is logged and ignored there.
func (d *Device) SendBreak() error {
	err := unix.IoctlSetInt(d.fd, unix.TCSBRK, 0)
	if err == nil {
		d.log.Info("Sent UART break")
		return nil
	}
	if errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL) {
		d.log.Debug("Break not supported by device, ignored")
		return nil
	}
	return fmt.Errorf("failed to send break: %w", err)
}

// Close releases the poller registration and the underlying descriptors.
func (d *Device) Close() error {
	if d.handle != nil {
		d.cons.Poller().Unregister(d.handle)
		d.handle = nil
	}
	if d.restore != nil {
		_ = term.Restore(d.fd, d.restore)
		d.restore = nil
	}
	var firstErr error
	if d.file != nil {
		if err := d.file.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			firstErr = err
		}
		d.file = nil
	}
	if d.slave != nil {
		if err := d.slave.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		d.slave = nil
	}
	return firstErr
}

func setBaud(fd, baud int) error {
	flag, ok := baudFlags[baud]
	if !ok {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}
	tios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("failed to read termios: %w", err)
	}
	tios.Cflag &^= unix.CBAUD
	tios.Cflag |= flag
	tios.Ispeed = flag
	tios.Ospeed = flag
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tios); err != nil {
		return fmt.Errorf("failed to set baud rate: %w", err)
	}
	return nil
}
