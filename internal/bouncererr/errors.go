// Package bouncererr defines the error-kind taxonomy used to decide whether a
// failure propagates to the caller verbatim, is recorded on the connection
// overlay, or is recovered locally.
package bouncererr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure per the propagation policy: user/config errors
// are synchronous API failures, never stored on the overlay; upstream and
// infrastructure errors surface as overlay state; authorization is a state,
// not an error; tool-level errors are passed through to the caller without
// touching the overlay.
type Kind int

const (
	KindUserConfig Kind = iota
	KindUpstream
	KindAuthorization
	KindTool
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindUserConfig:
		return "user_config"
	case KindUpstream:
		return "upstream"
	case KindAuthorization:
		return "authorization"
	case KindTool:
		return "tool"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can errors.As into
// it and apply the right propagation policy.
type Error struct {
	Kind    Kind
	Code    string // stable machine-readable code, e.g. "server_not_found"
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Stable machine-readable user/config codes.
const (
	CodeServerNotFound        = "server_not_found"
	CodeDuplicateName         = "duplicate_name"
	CodeMissingEndpoint       = "missing_endpoint"
	CodeMissingCommand        = "missing_command"
	CodeInvalidHeader         = "invalid_header"
	CodeInvalidName           = "invalid_name"
	CodeServerDisabled        = "server_disabled"
	CodeMultipleEnabledServer = "multiple_enabled_servers"
)

func ServerNotFound(name string) *Error {
	return New(KindUserConfig, CodeServerNotFound, fmt.Sprintf("server %q not found", name))
}

func DuplicateName(name string) *Error {
	return New(KindUserConfig, CodeDuplicateName, fmt.Sprintf("server %q already exists", name))
}

func MultipleEnabledServers() *Error {
	return New(KindUserConfig, CodeMultipleEnabledServer, "multiple enabled servers; specify 'server::tool'")
}

// IsKind reports whether err (or anything it wraps) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
