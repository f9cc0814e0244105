// Package logx is a thin wrapper over the standard log package,
// prefixing every line with the component name the way the original
// feeder's exchange adapters logged ("exchange: message").
package logx

import "log"

// Logger prefixes every message with a fixed component name.
type Logger struct {
	component string
}

// New returns a Logger for component.
func New(component string) *Logger {
	return &Logger{component: component}
}

// Printf logs a formatted message prefixed with the component name.
func (l *Logger) Printf(format string, args ...any) {
	log.Printf(l.component+": "+format, args...)
}

// Println logs msg prefixed with the component name.
func (l *Logger) Println(msg string) {
	log.Println(l.component + ": " + msg)
}

// Fatalf logs a formatted message and terminates the process, matching
// log.Fatalf.
func (l *Logger) Fatalf(format string, args ...any) {
	log.Fatalf(l.component+": "+format, args...)
}
