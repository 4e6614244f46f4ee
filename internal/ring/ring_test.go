package ring_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conmux/conmux/internal/ring"
)

// drainAll reads everything at a consumer's cursor and commits it.
func drainAll(c *ring.Consumer) []byte {
	var out bytes.Buffer
	for {
		chunk := c.Peek(out.Len())
		if chunk == nil {
			break
		}
		out.Write(chunk)
	}
	c.Commit(out.Len())
	return out.Bytes()
}

func TestPeekCommit(t *testing.T) {
	rb := ring.New(16)
	c := rb.Register(func(int) ring.PollStatus { return ring.PollOK })

	rb.Queue([]byte("hello"))
	assert.Equal(t, 5, c.Len())

	chunk := c.Peek(0)
	require.NotNil(t, chunk)
	assert.Equal(t, "hello", string(chunk))

	// Peek does not consume.
	assert.Equal(t, 5, c.Len())

	c.Commit(2)
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, "llo", string(c.Peek(0)))

	c.Commit(3)
	assert.Equal(t, 0, c.Len())
	assert.Nil(t, c.Peek(0))
}

func TestPeekOffsetWalksWrappedData(t *testing.T) {
	rb := ring.New(8)
	c := rb.Register(func(int) ring.PollStatus { return ring.PollOK })

	// Advance the cursors so the next queue wraps the physical buffer.
	rb.Queue([]byte("abcde"))
	assert.Equal(t, "abcde", string(drainAll(c)))

	rb.Queue([]byte("fghij"))
	assert.Equal(t, 5, c.Len())

	// The wrapped data comes back in two contiguous chunks.
	first := c.Peek(0)
	require.NotNil(t, first)
	second := c.Peek(len(first))
	require.NotNil(t, second)
	assert.Equal(t, "fghij", string(first)+string(second))
	assert.Nil(t, c.Peek(len(first)+len(second)))
}

func TestIndependentCursors(t *testing.T) {
	rb := ring.New(32)
	fast := rb.Register(func(int) ring.PollStatus { return ring.PollOK })
	slow := rb.Register(func(int) ring.PollStatus { return ring.PollOK })

	rb.Queue([]byte("shared"))
	assert.Equal(t, "shared", string(drainAll(fast)))

	// The slow consumer still sees everything.
	assert.Equal(t, 6, slow.Len())
	assert.Equal(t, "shared", string(drainAll(slow)))
}

func TestLateConsumerSeesOnlyNewData(t *testing.T) {
	rb := ring.New(32)
	rb.Queue([]byte("old"))

	c := rb.Register(func(int) ring.PollStatus { return ring.PollOK })
	assert.Equal(t, 0, c.Len())

	rb.Queue([]byte("new"))
	assert.Equal(t, "new", string(drainAll(c)))
}

func TestQueueNotifiesConsumers(t *testing.T) {
	rb := ring.New(32)

	var calls []int
	rb.Register(func(forceLen int) ring.PollStatus {
		calls = append(calls, forceLen)
		return ring.PollOK
	})

	rb.Queue([]byte("data"))
	assert.Equal(t, []int{0}, calls)

	rb.Queue([]byte("more"))
	assert.Equal(t, []int{0, 0}, calls)
}

func TestSlowConsumerIsForcedBeforeOverwrite(t *testing.T) {
	rb := ring.New(8) // 7 usable bytes

	var forced []int
	var seen bytes.Buffer
	var c *ring.Consumer
	c = rb.Register(func(forceLen int) ring.PollStatus {
		if forceLen > 0 {
			forced = append(forced, forceLen)
			// Mandatory flush: consume at least forceLen.
			chunkTotal := 0
			for chunkTotal < forceLen {
				chunk := c.Peek(chunkTotal)
				seen.Write(chunk)
				chunkTotal += len(chunk)
			}
			c.Commit(chunkTotal)
		}
		return ring.PollOK
	})

	rb.Queue([]byte("abcdef")) // fills 6 of 7
	assert.Empty(t, forced)

	rb.Queue([]byte("ghij")) // would exceed: force 6+4-7 = 3
	require.Equal(t, []int{3}, forced)

	// Forced bytes plus what is still unread must be the full stream.
	assert.Equal(t, "abcdefghij", seen.String()+string(drainAll(c)))
}

func TestForcedConsumerRemovedOnFailure(t *testing.T) {
	rb := ring.New(8)

	c := rb.Register(func(forceLen int) ring.PollStatus {
		if forceLen > 0 {
			return ring.PollRemove
		}
		return ring.PollOK
	})
	require.Equal(t, 1, rb.Consumers())

	rb.Queue([]byte("abcdef"))
	assert.Equal(t, 1, rb.Consumers())

	rb.Queue([]byte("ghij"))
	assert.Equal(t, 0, rb.Consumers())

	// Unregister after removal stays a no-op.
	c.Unregister()
	assert.Equal(t, 0, rb.Consumers())
}

func TestForcedConsumerStillShortIsDropped(t *testing.T) {
	rb := ring.New(8)

	var forced []int
	rb.Register(func(forceLen int) ring.PollStatus {
		if forceLen > 0 {
			forced = append(forced, forceLen)
		}
		// Claims success but flushes nothing.
		return ring.PollOK
	})

	rb.Queue([]byte("abcdef"))
	require.Empty(t, forced)

	// The mandatory flush did not free the space, so the consumer is
	// dropped before its unread bytes are overwritten.
	rb.Queue([]byte("ghij"))
	assert.Equal(t, []int{3}, forced)
	assert.Equal(t, 0, rb.Consumers())
}

func TestOversizedQueueKeepsTrailingWindow(t *testing.T) {
	rb := ring.New(8)
	c := rb.Register(func(int) ring.PollStatus { return ring.PollOK })

	rb.Queue([]byte("0123456789abcdef"))
	assert.Equal(t, 7, c.Len())
	assert.Equal(t, "9abcdef", string(drainAll(c)))
}

func TestConsumerRemovedDuringAdvisoryNotify(t *testing.T) {
	rb := ring.New(32)
	rb.Register(func(int) ring.PollStatus { return ring.PollRemove })
	keeper := rb.Register(func(int) ring.PollStatus { return ring.PollOK })

	rb.Queue([]byte("x"))
	assert.Equal(t, 1, rb.Consumers())
	assert.Equal(t, 1, keeper.Len())
}
