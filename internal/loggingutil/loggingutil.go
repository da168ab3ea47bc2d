// Package loggingutil holds small pslog helpers shared by the daemon packages.
package loggingutil

import (
	"io"
	"regexp"
	"sync"

	"pkt.systems/pslog"
)

var (
	noOnce   sync.Once
	noLogger pslog.Logger
)

// NoopLogger returns a disabled logger that discards everything.
func NoopLogger() pslog.Logger {
	noOnce.Do(func() {
		noLogger = pslog.NewWithOptions(io.Discard, pslog.Options{
			Mode:     pslog.ModeStructured,
			MinLevel: pslog.Disabled,
		})
	})
	return noLogger
}

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return NoopLogger()
}

var (
	rePassword = regexp.MustCompile(`(?i)((?:password|pwd|passwd)=)([^\s;&]+)`)
	reURLPass  = regexp.MustCompile(`(://[^:/@\s]+):([^@\s]+)(@)`)
	reToken    = regexp.MustCompile(`(?i)(token=|bearer\s+)([A-Za-z0-9._-]+)`)
)

// Mask hides credentials embedded in DSNs and connection strings so they can
// be logged.
func Mask(s string) string {
	out := rePassword.ReplaceAllString(s, "${1}***")
	out = reURLPass.ReplaceAllString(out, "${1}:***${3}")
	out = reToken.ReplaceAllString(out, "${1}***")
	return out
}
