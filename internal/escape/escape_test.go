package escape_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conmux/conmux/internal/escape"
	"github.com/conmux/conmux/internal/testutils"
)

type recorder struct {
	out    bytes.Buffer
	breaks int
	outErr error
	brkErr error
}

func (r *recorder) DataOut(p []byte) error {
	if r.outErr != nil {
		return r.outErr
	}
	r.out.Write(p)
	return nil
}

func (r *recorder) SendBreak() error {
	if r.brkErr != nil {
		return r.brkErr
	}
	r.breaks++
	return nil
}

func TestRunGrammar(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantOut    string
		wantBreaks int
		wantState  escape.State
	}{
		{
			name:      "plain bytes pass through unchanged",
			input:     "the quick brown fox",
			wantOut:   "the quick brown fox",
			wantState: escape.Idle,
		},
		{
			name:       "newline tilde B sends a break",
			input:      "\n~B",
			wantOut:    "\n",
			wantBreaks: 1,
			wantState:  escape.Idle,
		},
		{
			name:      "newline tilde tilde emits a literal tilde",
			input:     "\n~~",
			wantOut:   "\n~",
			wantState: escape.Idle,
		},
		{
			name:      "unknown discriminator passes through",
			input:     "\n~X",
			wantOut:   "\n~X",
			wantState: escape.Idle,
		},
		{
			name:       "crlf chains into the escape",
			input:      "\r\n~B",
			wantOut:    "\r\n",
			wantBreaks: 1,
			wantState:  escape.Idle,
		},
		{
			name:       "bare cr introduces the escape",
			input:      "\r~B",
			wantOut:    "\r",
			wantBreaks: 1,
			wantState:  escape.Idle,
		},
		{
			name:      "cr followed by plain byte",
			input:     "\rx",
			wantOut:   "\rx",
			wantState: escape.Idle,
		},
		{
			name:       "cr text ahead of an lf escape",
			input:      "a\rb\n~B",
			wantOut:    "a\rb\n",
			wantBreaks: 1,
			wantState:  escape.Idle,
		},
		{
			name:      "cr anchors ahead of an earlier lf in the same chunk",
			input:     "\n~Bfoo\r",
			wantOut:   "\n~Bfoo\r",
			wantState: escape.SawCR,
		},
		{
			name:       "escape embedded in surrounding text",
			input:      "boot:\n~Bcontinue\n",
			wantOut:    "boot:\ncontinue\n",
			wantBreaks: 1,
			wantState:  escape.SawLF,
		},
		{
			name:      "trailing newline leaves lookahead pending",
			input:     "reset\n",
			wantOut:   "reset\n",
			wantState: escape.SawLF,
		},
		{
			name:      "trailing tilde leaves leader pending",
			input:     "reset\n~",
			wantOut:   "reset\n",
			wantState: escape.Leader,
		},
		{
			name:      "double escape back to back",
			input:     "\n~~\n~~",
			wantOut:   "\n~\n~",
			wantState: escape.Idle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			st, err := escape.Run(escape.Idle, []byte(tt.input), rec, rec)

			require.NoError(t, err)
			assert.Equal(t, tt.wantState, st)
			assert.Equal(t, tt.wantBreaks, rec.breaks)
			testutils.NewStreamAsserter(t).Equal([]byte(tt.wantOut), rec.out.Bytes())
		})
	}
}

// Feeding these inputs one byte at a time matches feeding them whole; the
// escape state carried between calls does the work chunking would hide.
func TestRunBytewiseMatchesWhole(t *testing.T) {
	inputs := []string{
		"\n~B",
		"\r\n~B",
		"\n~~",
		"\n~q",
		"line one\nline two\r\n~Bline three\n~~done",
		"a\rb\n~B",
		"~B not after newline",
	}

	for _, input := range inputs {
		whole := &recorder{}
		st, err := escape.Run(escape.Idle, []byte(input), whole, whole)
		require.NoError(t, err)

		bytewise := &recorder{}
		st2 := escape.Idle
		for i := 0; i < len(input); i++ {
			st2, err = escape.Run(st2, []byte{input[i]}, bytewise, bytewise)
			require.NoError(t, err)
		}

		assert.Equal(t, st, st2, "state mismatch for %q", input)
		assert.Equal(t, whole.breaks, bytewise.breaks, "break count mismatch for %q", input)
		testutils.NewStreamAsserter(t).Equal(whole.out.Bytes(), bytewise.out.Bytes())
	}
}

func TestStepConsumesThreeBytesForBreak(t *testing.T) {
	input := []byte("\n~B")
	st := escape.Idle
	consumed := 0
	breaks := 0

	for consumed < len(input) {
		next, res := escape.Step(st, input[consumed:])
		if res.Break {
			breaks++
		}
		consumed += res.Consumed
		st = next
	}

	assert.Equal(t, 3, consumed)
	assert.Equal(t, 1, breaks)
	assert.Equal(t, escape.Idle, st)
}

// A zero-consumed result must re-present the same byte under the new state;
// two consecutive zero-consumed steps over the same byte would loop forever.
func TestStepAlwaysMakesProgress(t *testing.T) {
	for _, st := range []escape.State{escape.Idle, escape.SawCR, escape.SawLF, escape.Leader} {
		for b := 0; b < 256; b++ {
			next, res := escape.Step(st, []byte{byte(b)})
			if res.Consumed == 0 {
				next2, res2 := escape.Step(next, []byte{byte(b)})
				require.Positive(t, res2.Consumed,
					"state %v byte %#x: no progress after re-presentation (next %v)", st, b, next2)
			}
		}
	}
}

func TestRunPropagatesSinkErrors(t *testing.T) {
	sinkErr := errors.New("tty gone")

	rec := &recorder{outErr: sinkErr}
	_, err := escape.Run(escape.Idle, []byte("hello"), rec, rec)
	assert.ErrorIs(t, err, sinkErr)

	brkErr := errors.New("break failed")
	rec = &recorder{brkErr: brkErr}
	_, err = escape.Run(escape.Idle, []byte("\n~B"), rec, rec)
	assert.ErrorIs(t, err, brkErr)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", escape.Idle.String())
	assert.Equal(t, "saw-cr", escape.SawCR.String())
	assert.Equal(t, "saw-lf", escape.SawLF.String())
	assert.Equal(t, "leader", escape.Leader.String())
}
