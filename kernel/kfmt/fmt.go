// Package kfmt implements the diagnostic output used by the kernel packages.
//
// Output produced before a sink is registered is captured by a ring buffer
// and replayed into the first sink passed to SetOutputSink.
package kfmt

import (
	"fmt"
	"io"

	"mmutools/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before an
	// output sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes writes to the sink so lines emitted by
	// concurrent callers do not interleave.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently registered output sink or nil if no
// sink has been registered.
func GetOutputSink() io.Writer {
	outputLock.Acquire()
	defer outputLock.Release()

	return outputSink
}

// Printf formats according to a format specifier and writes to the active
// output sink. Formatting follows the fmt package rules.
func Printf(format string, args ...interface{}) {
	outputLock.Acquire()
	defer outputLock.Release()

	doWrite(outputSink, fmt.Sprintf(format, args...))
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer redirects output to the early ring
// buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	if w == nil {
		outputLock.Acquire()
		defer outputLock.Release()
	}

	doWrite(w, fmt.Sprintf(format, args...))
}

// doWrite sends s to w or to the early ring buffer if w is nil.
func doWrite(w io.Writer, s string) {
	if w == nil {
		w = &earlyPrintBuffer
	}

	_, _ = io.WriteString(w, s)
}
