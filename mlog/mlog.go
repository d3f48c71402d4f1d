// Package mlog is a thin wrapper over logrus giving every mount-unit
// status transition a named, leveled call site instead of scattering
// fmt.Sprintf status templates through the state machine and
// reconciler. The message text matches spec.md §6 exactly.
package mlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger logs unit lifecycle events at the level the teacher's
// multi-file logger used (Info for routine transitions, Warn for
// failures/timeouts, Error for programmer errors and I/O failures).
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger writing to out at the given level name ("debug",
// "info", "warn", "error"). An unrecognized level falls back to Info.
func New(out io.Writer, level string) *Logger {
	if out == nil {
		out = os.Stderr
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	return &Logger{entry: logrus.NewEntry(l)}
}

// For returns a child logger carrying the unit's name on every line,
// the way the teacher's per-package logger scoped output to a port.
func (lg *Logger) For(unitName string) *Logger {
	return &Logger{entry: lg.entry.WithField("unit", unitName)}
}

// Mounting logs spec.md §6's starting-mount template.
func (lg *Logger) Mounting(where string) { lg.entry.Infof("Mounting %s...", where) }

// Unmounting logs spec.md §6's starting-unmount template.
func (lg *Logger) Unmounting(where string) { lg.entry.Infof("Unmounting %s...", where) }

// Mounted logs spec.md §6's finished-mount template.
func (lg *Logger) Mounted(where string) { lg.entry.Infof("Mounted %s.", where) }

// Unmounted logs spec.md §6's finished-unmount template.
func (lg *Logger) Unmounted(where string) { lg.entry.Infof("Unmounted %s.", where) }

// FailedMount logs spec.md §6's failed-mount template.
func (lg *Logger) FailedMount(where string) { lg.entry.Warnf("Failed to mount %s.", where) }

// FailedUnmount logs spec.md §6's failed-unmount template.
func (lg *Logger) FailedUnmount(where string) { lg.entry.Warnf("Failed unmounting %s.", where) }

// TimedOutMount logs spec.md §6's timed-out-mount template.
func (lg *Logger) TimedOutMount(where string) { lg.entry.Warnf("Timed out mounting %s.", where) }

// TimedOutUnmount logs spec.md §6's timed-out-unmount template.
func (lg *Logger) TimedOutUnmount(where string) { lg.entry.Warnf("Timed out unmounting %s.", where) }

// Debugf logs at debug level, e.g. reconciler diff detail.
func (lg *Logger) Debugf(format string, args ...interface{}) { lg.entry.Debugf(format, args...) }

// Infof logs at info level.
func (lg *Logger) Infof(format string, args ...interface{}) { lg.entry.Infof(format, args...) }

// Warnf logs at warn level, e.g. spec.md §7's "resources" recoveries.
func (lg *Logger) Warnf(format string, args ...interface{}) { lg.entry.Warnf(format, args...) }

// Errorf logs at error level.
func (lg *Logger) Errorf(format string, args ...interface{}) { lg.entry.Errorf(format, args...) }
