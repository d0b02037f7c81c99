// Package logging wraps the standard library logger with a component
// prefix, matching the "[component] message" convention used
// throughout the teacher's services (e.g. kernel/internal/audit's
// "[audit.streamer] ..." lines).
package logging

import (
	"log"
	"os"
)

// Logger is a thin prefixed wrapper over *log.Logger.
type Logger struct {
	*log.Logger
}

// New returns a Logger that prefixes every line with "[component] ".
func New(component string) *Logger {
	return &Logger{Logger: log.New(os.Stdout, "["+component+"] ", log.LstdFlags)}
}
