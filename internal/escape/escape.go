// Package escape implements the SSH-style escape grammar recognized on
// client input: a newline, a '~' leader, and a single discriminator byte.
//
// Recognized sequences (<NL> is \r, \n, or \r\n):
//
//	<NL>~B   send a UART break; the discriminator is not echoed
//	<NL>~~   emit a single literal '~'
//	<NL>~X   unknown discriminator; '~' and X pass through unchanged
//
// The scanner is incremental: input arrives in arbitrary read-sized chunks
// and the state must survive chunk boundaries. Step is a pure transition
// function so the grammar can be tested without any socket machinery; Run
// drives it over a buffer and performs the side effects.
package escape

import "bytes"

// State is the scanner position within the escape grammar.
type State int

const (
	// Idle means no newline has been seen; bytes pass through.
	Idle State = iota
	// SawCR follows a carriage return.
	SawCR
	// SawLF follows a line feed (possibly completing a \r\n pair).
	SawLF
	// Leader follows <NL>~; the next byte is the discriminator.
	Leader
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SawCR:
		return "saw-cr"
	case SawLF:
		return "saw-lf"
	case Leader:
		return "leader"
	}
	return "unknown"
}

// Sink receives literal bytes the scanner forwards toward the console.
type Sink interface {
	DataOut(p []byte) error
}

// Breaker sends a break signal on the underlying UART.
type Breaker interface {
	SendBreak() error
}

var tilde = []byte{'~'}

// Result describes the outcome of a single Step call.
//
// Consumed may be zero: the byte at the cursor was classified but must be
// re-presented under the new state on the next call. This is what allows
// one byte of lookahead past a newline without ever advancing past a byte
// the scanner has not yet committed to.
type Result struct {
	Consumed int    // bytes consumed from the input
	Emit     []byte // literal bytes to forward; may alias the input
	Break    bool   // a UART break was requested
}

// Step advances the scanner by at most one decision over buf, which must be
// non-empty. It processes either everything up to and including the next
// newline, or exactly one control byte.
func Step(st State, buf []byte) (State, Result) {
	switch st {
	case Idle:
		// Handle \r, \n, and \r\n by searching the whole range for \r
		// first; \n anchors only when the range holds no \r at all.
		if i := bytes.IndexByte(buf, '\r'); i >= 0 {
			return SawCR, Result{Consumed: i + 1, Emit: buf[:i+1]}
		}
		if i := bytes.IndexByte(buf, '\n'); i >= 0 {
			return SawLF, Result{Consumed: i + 1, Emit: buf[:i+1]}
		}
		return Idle, Result{Consumed: len(buf), Emit: buf}

	case SawCR:
		switch buf[0] {
		case '\n':
			return SawLF, Result{Consumed: 1, Emit: buf[:1]}
		case '~':
			return Leader, Result{Consumed: 1}
		default:
			// Re-present under Idle on the next call.
			return Idle, Result{}
		}

	case SawLF:
		if buf[0] == '~' {
			return Leader, Result{Consumed: 1}
		}
		return Idle, Result{}

	case Leader:
		switch buf[0] {
		case 'B':
			return Idle, Result{Consumed: 1, Break: true}
		case '~':
			// The literal '~' is the byte under the cursor; leave it for
			// the Idle state to emit on re-presentation.
			return Idle, Result{}
		default:
			// Unknown discriminator: the consumed leader passes through
			// now, the current byte on the following call.
			return Idle, Result{Emit: tilde}
		}
	}

	// Transitions are total; reaching here is a programming error.
	return Idle, Result{Consumed: len(buf), Emit: buf}
}

// Run feeds buf through the scanner until fully consumed, forwarding
// literals to sink and break requests to brk. It returns the state to carry
// into the next chunk. Side-effect errors abort the run.
func Run(st State, buf []byte, sink Sink, brk Breaker) (State, error) {
	for len(buf) > 0 {
		next, res := Step(st, buf)
		if len(res.Emit) > 0 {
			if err := sink.DataOut(res.Emit); err != nil {
				return next, err
			}
		}
		if res.Break {
			if err := brk.SendBreak(); err != nil {
				return next, err
			}
		}
		st = next
		buf = buf[res.Consumed:]
	}
	return st, nil
}
