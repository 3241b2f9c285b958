// Package logging wraps glog with per-subsystem tags: each subsystem
// constructs one Logger at startup with a small const tag and threads it
// through everywhere it logs.
package logging

import (
	"fmt"

	"github.com/golang/glog"
)

// Logger is a tag-scoped front end for glog. Every subsystem package
// (channel, mac, rib, updater, pipeline) constructs one with its own
// tag so log lines can be grepped per-subsystem without a heavier
// structured-logging dependency than the rest of this codebase carries.
type Logger struct {
	tag string
}

// Tag returns a Logger that prefixes every line with "[tag]".
func Tag(tag string) *Logger {
	return &Logger{tag: tag}
}

func (l *Logger) prefix(format string) string {
	return fmt.Sprintf("[%s] %s", l.tag, format)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	glog.InfoDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	glog.WarningDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	glog.ErrorDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

// Fatalf logs and aborts the process. Reserved for invariant violations per
// spec.md §7 ("impossible FSM state, invalid enum in role check log fatal
// and abort").
func (l *Logger) Fatalf(format string, args ...interface{}) {
	glog.FatalDepth(1, fmt.Sprintf(l.prefix(format), args...))
}

// V reports whether verbose logging at the given level is enabled, for
// gating hot-path trace logging that would otherwise be printed on every
// packet.
func V(level glog.Level) bool {
	return bool(glog.V(level))
}
