// Package logfile is the console's log transport: a ring-buffer consumer
// that appends the console output stream to a file, rotating it once when a
// size ceiling is reached.
package logfile

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/conmux/conmux/internal/console"
	"github.com/conmux/conmux/internal/ring"
)

// DefaultMaxSize is the rotation threshold when the config leaves it unset.
const DefaultMaxSize = 16 * 1024

// Handler writes console output to a rotating log file.
type Handler struct {
	log     *logrus.Logger
	path    string
	maxSize int64

	f    *os.File
	size int64
	rbc  *ring.Consumer
}

// New creates a log handler writing to path. maxSize of zero uses
// DefaultMaxSize.
func New(path string, maxSize int64) *Handler {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Handler{path: path, maxSize: maxSize}
}

// Name identifies the handler within a console.
func (h *Handler) Name() string { return "log" }

// Init opens the log file and registers the consumer.
func (h *Handler) Init(c *console.Console) error {
	h.log = c.Log()

	f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", h.path, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file %s: %w", h.path, err)
	}
	h.f = f
	h.size = st.Size()
	h.rbc = c.RegisterConsumer(h.ringPoll)

	h.log.WithField("path", h.path).Info("Console log enabled")
	return nil
}

// Fini releases the consumer and closes the file.
func (h *Handler) Fini() {
	if h.rbc != nil {
		h.rbc.Unregister()
		h.rbc = nil
	}
	if h.f != nil {
		_ = h.f.Close()
		h.f = nil
	}
}

// ringPoll drains everything available to the file. File writes complete or
// fail outright, so advisory and forced notifications take the same path.
func (h *Handler) ringPoll(int) ring.PollStatus {
	total := 0
	for {
		chunk := h.rbc.Peek(total)
		if chunk == nil {
			break
		}
		if err := h.write(chunk); err != nil {
			h.log.WithError(err).Error("Console log write failed, disabling log")
			h.rbc = nil
			if h.f != nil {
				_ = h.f.Close()
				h.f = nil
			}
			return ring.PollRemove
		}
		total += len(chunk)
	}
	h.rbc.Commit(total)
	return ring.PollOK
}

func (h *Handler) write(p []byte) error {
	if h.size+int64(len(p)) > h.maxSize {
		if err := h.rotate(); err != nil {
			return err
		}
	}
	n, err := h.f.Write(p)
	h.size += int64(n)
	return err
}

// rotate moves the current file aside, keeping one previous generation.
func (h *Handler) rotate() error {
	if err := h.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(h.path, h.path+".1"); err != nil && !os.IsNotExist(err) {
		return err
	}
	f, err := os.OpenFile(h.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	h.f = f
	h.size = 0
	return nil
}
