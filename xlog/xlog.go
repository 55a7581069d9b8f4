// Package xlog centralizes the stack's logging conventions: every
// service takes an optional *log.Logger (github.com/charmbracelet/log)
// and falls back to a silent discard logger when none is supplied, so
// constructors never need a nil check at every call site.
package xlog

import (
	"io"

	"github.com/charmbracelet/log"
)

var discard = log.New(io.Discard)

// OrDefault returns l if non-nil, otherwise a logger that discards
// everything.
func OrDefault(l *log.Logger) *log.Logger {
	if l != nil {
		return l
	}
	return discard
}

// New builds a logger writing to w, prefixed with name, at the given
// level. Intended for cmd/lccnode and tests that want visible output.
func New(w io.Writer, name string, level log.Level) *log.Logger {
	l := log.NewWithOptions(w, log.Options{
		Prefix:          name,
		ReportTimestamp: true,
	})
	l.SetLevel(level)
	return l
}
