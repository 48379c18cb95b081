// Package fclog provides the structured logging facade used throughout
// FloodClone. It wraps a single logrus logger so every component logs
// through the same formatter and level.
package fclog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var log = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel parses one of "debug", "info", "warn", "error" and configures the
// package logger accordingly. Unknown levels fall back to info.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
}

// tag renders a loggable context (typically a node name or component name)
// as a log-line prefix, without requiring callers to implement an
// interface.
func tag(ctx interface{}) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.(string); ok && s != "" {
		return "[" + s + "] "
	}
	return fmt.Sprintf("[%v] ", ctx)
}

// Debugf logs at debug level, tagged with ctx.
func Debugf(ctx interface{}, format string, args ...interface{}) {
	log.Debugf(tag(ctx)+format, args...)
}

// Infof logs at info level, tagged with ctx.
func Infof(ctx interface{}, format string, args ...interface{}) {
	log.Infof(tag(ctx)+format, args...)
}

// Logf is an alias for Infof kept for call sites that just want a plain
// progress line.
func Logf(ctx interface{}, format string, args ...interface{}) {
	Infof(ctx, format, args...)
}

// Errorf logs at error level, tagged with ctx.
func Errorf(ctx interface{}, format string, args ...interface{}) {
	log.Errorf(tag(ctx)+format, args...)
}
