// Package api defines the JSON documents exchanged over the bridged socket.
// Each connection carries exactly one Request followed by one Response.
package api

import (
	"encoding/json"
	"time"
)

// Request is a single call addressed to a module function.
type Request struct {
	// Module names the handler module (for example "database", "test", "system").
	Module string `json:"module"`
	// Function names the function inside Module.
	Function string `json:"function"`
	// Params carries the call arguments: an object binds by name, an array binds
	// positionally and a scalar or null binds to the first parameter.
	Params any `json:"params,omitempty"`
	// RequestID is an optional caller supplied correlation id.
	RequestID string `json:"request_id,omitempty"`
	// Timestamp is an optional caller clock reading in Unix seconds.
	Timestamp float64 `json:"timestamp,omitempty"`
	// ClientVersion identifies the calling library.
	ClientVersion string `json:"client_version,omitempty"`
}

// ExecutionInfo describes how a successful call was executed.
type ExecutionInfo struct {
	// RequestID is the caller supplied id or the one assigned by the daemon.
	RequestID string `json:"request_id"`
	// DurationMillis is the handler wall time in milliseconds.
	DurationMillis float64 `json:"duration_ms"`
	// StartedAt is the dispatch start time.
	StartedAt time.Time `json:"started_at"`
	// DaemonVersion reports the serving daemon build.
	DaemonVersion string `json:"daemon_version"`
	// Warnings lists non-fatal validation findings such as truncated params.
	Warnings []string `json:"warnings,omitempty"`
}

// Response is the single document written back on a connection. Callers
// branch on Success.
type Response struct {
	// Success reports whether the call produced a result.
	Success bool `json:"success"`
	// Result is the handler output. Only present when Success is true.
	Result any `json:"result"`
	// Module echoes the request module.
	Module string `json:"module,omitempty"`
	// Function echoes the request function.
	Function string `json:"function,omitempty"`
	// ExecutionInfo is attached to successful responses.
	ExecutionInfo *ExecutionInfo `json:"execution_info,omitempty"`
	// Error is a human readable failure message.
	Error string `json:"error,omitempty"`
	// ErrorType is a machine matchable failure kind (see the Err* constants).
	ErrorType string `json:"error_type,omitempty"`
	// RequestID correlates a failure with daemon logs.
	RequestID string `json:"request_id,omitempty"`
	// Errors lists every validation error when a request was rejected.
	Errors []string `json:"errors,omitempty"`
	// Warnings lists validation warnings gathered before the rejection.
	Warnings []string `json:"warnings,omitempty"`
	// Trace carries diagnostic detail when the daemon runs in debug mode.
	Trace string `json:"trace,omitempty"`
}

// MarshalJSON omits the result member from failure responses.
func (r Response) MarshalJSON() ([]byte, error) {
	type plain Response
	if r.Success {
		return json.Marshal(plain(r))
	}
	type failure struct {
		plain
		Result any `json:"result,omitempty"`
	}
	return json.Marshal(failure{plain: plain(r)})
}

// Failure kinds reported in Response.ErrorType.
const (
	ErrInvalidJSON          = "invalid_json"
	ErrRequestTooLarge      = "request_too_large"
	ErrInvalidRequest       = "invalid_request"
	ErrSchema               = "schema_error"
	ErrSecurityViolation    = "security_violation"
	ErrUnauthorizedModule   = "unauthorized_module"
	ErrUnauthorizedFunction = "unauthorized_function"
	ErrPolicyViolation      = "policy_violation"
	ErrInvalidConnectionID  = "invalid_connection_id"
	ErrInvalidStatementID   = "invalid_statement_id"
	ErrRestoreFailed        = "restore_failed"
	ErrDependencyLost       = "dependency_lost"
	ErrInvalidParams        = "invalid_params"
	ErrHandler              = "handler_error"
	ErrPanic                = "panic"
	ErrTimeout              = "timeout"
	ErrInternal             = "internal_error"
)

// Success builds a successful response.
func Success(module, function string, result any, info *ExecutionInfo) Response {
	return Response{
		Success:       true,
		Result:        result,
		Module:        module,
		Function:      function,
		ExecutionInfo: info,
	}
}

// Failure builds a failure response.
func Failure(kind, message string) Response {
	return Response{Error: message, ErrorType: kind}
}
