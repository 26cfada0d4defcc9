// Package persist supplies the logging and durable-save helpers shared by
// every driftsync subsystem, in the shape the teacher repo's persist
// package is used from (see modules/gateway/gateway.go: g.log, created via
// persist.NewFileLogger and closed in a threads.AfterStop hook).
package persist

import (
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/driftsync/driftsync/build"
)

// A Logger wraps the standard library logger with a Critical/Severe pair
// that mirrors build.Critical/build.Severe, so that call sites can log and,
// in dev/testing builds, panic in one call.
type Logger struct {
	*log.Logger
	w io.Closer
}

// NewLogger returns a Logger that writes only to w (useful for tests).
func NewLogger(w io.Writer) *Logger {
	return &Logger{Logger: log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)}
}

// NewFileLogger returns a Logger that appends to the file at path,
// creating it if necessary. In "dev" and "testing" builds, messages are
// also echoed to stderr, matching the teacher's build.Release-gated
// verbosity.
func NewFileLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0660)
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %w", err)
	}
	var w io.Writer = f
	if build.Release != "standard" {
		w = io.MultiWriter(f, os.Stderr)
	}
	l := NewLogger(w)
	l.w = f
	l.Println("INFO: log file opened", time.Now().Format(time.RFC3339))
	return l, nil
}

// Close flushes and closes the underlying log file, if any.
func (l *Logger) Close() error {
	l.Println("INFO: log file closed", time.Now().Format(time.RFC3339))
	if l.w != nil {
		return l.w.Close()
	}
	return nil
}

// Critical logs v at CRITICAL severity and defers to build.Critical for the
// panic-on-DEBUG behavior.
func (l *Logger) Critical(v ...interface{}) {
	l.Println(append([]interface{}{"CRITICAL:"}, v...)...)
	build.Critical(v...)
}

// Severe logs v at SEVERE severity and defers to build.Severe for the
// panic-on-DEBUG behavior.
func (l *Logger) Severe(v ...interface{}) {
	l.Println(append([]interface{}{"SEVERE:"}, v...)...)
	build.Severe(v...)
}
