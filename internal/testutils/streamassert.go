// Package testutils provides assertion helpers for comparing console byte
// streams in tests, rendering mismatches as unified diffs over a quoted
// per-byte representation so control characters stay visible.
package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT matches the methods we need from testing.T.
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// StreamAssertOptions configures stream comparison output.
type StreamAssertOptions struct {
	EnableColors bool `default:"false"`
	BytesPerLine int  `default:"16"`
}

// StreamOption is a functional option for StreamAsserter.
type StreamOption func(*StreamAssertOptions)

// WithColors enables colored diff output.
func WithColors(enable bool) StreamOption {
	return func(o *StreamAssertOptions) { o.EnableColors = enable }
}

// WithBytesPerLine sets how many bytes are rendered per diff line.
func WithBytesPerLine(n int) StreamOption {
	return func(o *StreamAssertOptions) {
		if n > 0 {
			o.BytesPerLine = n
		}
	}
}

// StreamAsserter compares byte streams and reports differences as diffs.
type StreamAsserter struct {
	t       TestingT
	options StreamAssertOptions
}

// NewStreamAsserter creates an asserter with default options.
func NewStreamAsserter(t TestingT, opts ...StreamOption) *StreamAsserter {
	o := StreamAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &StreamAsserter{t: t, options: o}
}

// Equal asserts that actual matches expected byte-for-byte.
func (sa *StreamAsserter) Equal(expected, actual []byte) {
	sa.t.Helper()
	if string(expected) == string(actual) {
		return
	}
	want := sa.render(expected)
	got := sa.render(actual)

	edits := myers.ComputeEdits("", want, got)
	unified := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	sa.t.Errorf("byte streams differ:\n%s", sa.colorize(unified))
}

// render quotes the stream in fixed-width lines so diffs align on byte
// boundaries rather than on whatever newlines the payload contains.
func (sa *StreamAsserter) render(p []byte) string {
	var b strings.Builder
	for i := 0; i < len(p); i += sa.options.BytesPerLine {
		end := i + sa.options.BytesPerLine
		if end > len(p) {
			end = len(p)
		}
		fmt.Fprintf(&b, "%04d %q\n", i, p[i:end])
	}
	return b.String()
}

func (sa *StreamAsserter) colorize(diff string) string {
	if !sa.options.EnableColors {
		return diff
	}

	red := color.New(color.FgRed)
	red.EnableColor()
	green := color.New(color.FgGreen)
	green.EnableColor()
	cyan := color.New(color.FgCyan)
	cyan.EnableColor()

	lines := strings.Split(diff, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "@@"):
			out = append(out, cyan.Sprint(line))
		case strings.HasPrefix(line, "-"):
			out = append(out, red.Sprint(line))
		case strings.HasPrefix(line, "+"):
			out = append(out, green.Sprint(line))
		default:
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
