package logger

import (
	"io"
	"log"
	"os"
)

// Logger wraps standard log with debug flag
type Logger struct {
	debug  bool
	prefix string
	*log.Logger
}

// New creates a new logger writing to stderr
func New(debug bool) *Logger {
	return NewWithWriter(debug, os.Stderr)
}

// NewWithWriter creates a logger writing to w. Debug output is dropped unless debug is set.
func NewWithWriter(debug bool, w io.Writer) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{
		debug:  debug,
		Logger: log.New(w, "", log.LstdFlags),
	}
}

// Discard returns a logger that writes nowhere. Useful in tests.
func Discard() *Logger {
	return NewWithWriter(false, io.Discard)
}

// With returns a logger that prefixes every line with the component name.
func (l *Logger) With(component string) *Logger {
	p := component
	if l.prefix != "" {
		p = l.prefix + "." + component
	}
	return &Logger{debug: l.debug, prefix: p, Logger: l.Logger}
}

// Debug reports whether debug output is enabled
func (l *Logger) Debug() bool {
	return l.debug
}

func (l *Logger) tag(level string) string {
	if l.prefix == "" {
		return level + " "
	}
	return level + " [" + l.prefix + "] "
}

// Printf logs if debug is enabled
func (l *Logger) Printf(format string, v ...interface{}) {
	if l.debug {
		l.Logger.Printf(l.tag("DEBUG")+format, v...)
	}
}

// Println logs if debug is enabled
func (l *Logger) Println(v ...interface{}) {
	if l.debug {
		l.Logger.Println(append([]interface{}{l.tag("DEBUG")}, v...)...)
	}
}

// Infof always logs
func (l *Logger) Infof(format string, v ...interface{}) {
	l.Logger.Printf(l.tag("INFO")+format, v...)
}

// Warnf always logs
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.Logger.Printf(l.tag("WARN")+format, v...)
}

// Errorf always logs
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.Logger.Printf(l.tag("ERROR")+format, v...)
}

// Fatalf always logs (fatal errors)
func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.Logger.Fatalf(l.tag("FATAL")+format, v...)
}
