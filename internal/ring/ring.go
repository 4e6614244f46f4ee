// Package ring provides the console output ring buffer: a fixed-capacity
// byte store with one producer and any number of registered consumers, each
// holding an independent read cursor. Consumers peek contiguous chunks
// without consuming them and commit only after a successful write, so a
// failed drain never loses data.
//
// When the producer is about to overwrite bytes a slow consumer has not read
// yet, that consumer is notified with a non-zero force length and must flush
// at least that much (blocking if necessary) or be removed.
//
// The buffer is not safe for concurrent use; it belongs to a single console
// event loop.
package ring

// PollStatus is returned by a consumer's notify callback.
type PollStatus int

const (
	// PollOK keeps the consumer registered.
	PollOK PollStatus = iota
	// PollRemove unregisters the consumer; its cursor is abandoned.
	PollRemove
)

// NotifyFunc is invoked when data is queued for a consumer. A zero forceLen
// is advisory; a non-zero forceLen means at least that many bytes must be
// flushed before the callback returns, because the producer is about to
// overwrite them.
type NotifyFunc func(forceLen int) PollStatus

// Buffer is the shared console output ring.
type Buffer struct {
	buf       []byte
	tail      int // producer cursor
	consumers []*Consumer
}

// Consumer is a registered read cursor into a Buffer.
type Consumer struct {
	rb     *Buffer
	pos    int
	notify NotifyFunc
}

// New creates a ring holding at most size-1 unread bytes per consumer.
func New(size int) *Buffer {
	if size < 2 {
		size = 2
	}
	return &Buffer{buf: make([]byte, size)}
}

// Register adds a consumer whose cursor starts at the current producer
// position (it sees only data queued from now on).
func (rb *Buffer) Register(notify NotifyFunc) *Consumer {
	c := &Consumer{rb: rb, pos: rb.tail, notify: notify}
	rb.consumers = append(rb.consumers, c)
	return c
}

// Consumers returns the number of registered consumers.
func (rb *Buffer) Consumers() int {
	return len(rb.consumers)
}

// Size returns the total capacity of the ring in bytes.
func (rb *Buffer) Size() int {
	return len(rb.buf)
}

// Len returns the number of unread bytes at this consumer's cursor.
func (c *Consumer) Len() int {
	rb := c.rb
	return (rb.tail - c.pos + len(rb.buf)) % len(rb.buf)
}

func (c *Consumer) space() int {
	return len(c.rb.buf) - c.Len() - 1
}

// Peek returns the next contiguous chunk of unread data starting offset
// bytes past the cursor, without consuming it. It returns nil once the
// offset reaches the unread length. The returned slice aliases the ring and
// is only valid until the next Queue call.
func (c *Consumer) Peek(offset int) []byte {
	unread := c.Len() - offset
	if unread <= 0 {
		return nil
	}
	rb := c.rb
	start := (c.pos + offset) % len(rb.buf)
	end := start + unread
	if end > len(rb.buf) {
		end = len(rb.buf)
	}
	return rb.buf[start:end]
}

// Commit advances the cursor by n bytes, which must not exceed Len.
func (c *Consumer) Commit(n int) {
	rb := c.rb
	c.pos = (c.pos + n) % len(rb.buf)
}

// Unregister removes the consumer. Safe to call for a consumer the ring has
// already dropped (e.g. after its callback returned PollRemove).
func (c *Consumer) Unregister() {
	rb := c.rb
	for i, rc := range rb.consumers {
		if rc == c {
			rb.consumers = append(rb.consumers[:i], rb.consumers[i+1:]...)
			return
		}
	}
}

// Queue appends data to the ring. Consumers that would be overwritten are
// first forced to flush the shortfall; every surviving consumer is then
// notified that new data is available. Data longer than the ring keeps only
// the trailing window.
func (rb *Buffer) Queue(data []byte) {
	if len(data) == 0 {
		return
	}
	if len(data) > len(rb.buf)-1 {
		data = data[len(data)-(len(rb.buf)-1):]
	}

	// Force slow consumers to catch up before their unread data is lost.
	// Iterate over a snapshot: a forced flush may unregister consumers.
	for _, c := range snapshot(rb.consumers) {
		if !rb.registered(c) {
			continue
		}
		short := len(data) - c.space()
		if short <= 0 {
			continue
		}
		if c.notify(short) == PollRemove {
			c.Unregister()
			continue
		}
		// A consumer still short after a mandatory flush would have its
		// cursor overwritten; drop it instead.
		if len(data) > c.space() {
			c.Unregister()
		}
	}

	start := rb.tail % len(rb.buf)
	n := copy(rb.buf[start:], data)
	copy(rb.buf, data[n:])
	rb.tail = (rb.tail + len(data)) % len(rb.buf)

	for _, c := range snapshot(rb.consumers) {
		if !rb.registered(c) {
			continue
		}
		if c.notify(0) == PollRemove {
			c.Unregister()
		}
	}
}

func (rb *Buffer) registered(c *Consumer) bool {
	for _, rc := range rb.consumers {
		if rc == c {
			return true
		}
	}
	return false
}

func snapshot(cs []*Consumer) []*Consumer {
	out := make([]*Consumer, len(cs))
	copy(out, cs)
	return out
}
