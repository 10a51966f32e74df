// Package loggingutil holds the pslog helpers shared by every subsystem.
package loggingutil

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that emitted it.
const SubsystemKey = pslog.TrustedString("sys")

// NoopLogger returns a logger that drops everything.
func NoopLogger() pslog.Logger {
	return pslog.NoopLogger()
}

// EnsureLogger returns l, or the no-op logger when l is nil.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

// Subsystem joins the non-empty parts with dots.
func Subsystem(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem returns a child logger tagged with subsystem, e.g.
// "intake.lease" or "notification.consumer".
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
