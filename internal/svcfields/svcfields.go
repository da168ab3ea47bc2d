// Package svcfields defines the canonical log field keys used across bridged.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags the component that emitted an entry.
const SubsystemKey = pslog.TrustedString("sys")

// Request-scoped keys.
const (
	RequestIDKey = pslog.TrustedString("request_id")
	ModuleKey    = pslog.TrustedString("module")
	FunctionKey  = pslog.TrustedString("function")
	ClientKey    = pslog.TrustedString("client")
)

// Subsystem joins parts with dots, skipping empty fragments.
func Subsystem(parts ...string) string {
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			filtered = append(filtered, part)
		}
	}
	return strings.Join(filtered, ".")
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithRequest tags logger with the identifiers of one dispatched call.
func WithRequest(logger pslog.Logger, requestID, module, function string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With(RequestIDKey, requestID, ModuleKey, module, FunctionKey, function)
}
