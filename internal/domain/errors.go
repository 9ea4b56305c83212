package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrPortNotAllowed means the requested port is not on the allowlist.
	ErrPortNotAllowed = errors.New("port not allowed")

	// ErrMalformedHost means the requested host is not a syntactically
	// valid hostname or IP literal.
	ErrMalformedHost = errors.New("malformed host")

	// ErrResolutionFailed means DNS returned no usable address.
	ErrResolutionFailed = errors.New("resolution failed")

	// ErrBlockedAddressRange means the host is, or resolves to, a loopback,
	// private, link-local, multicast or otherwise reserved address.
	ErrBlockedAddressRange = errors.New("blocked destination")

	// ErrConnectTimeout is returned when the TCP connect does not complete
	// within the configured bound.
	ErrConnectTimeout = errors.New("connection timed out")

	// ErrMalformedMessage is returned for control frames that cannot be
	// decoded into a known command.
	ErrMalformedMessage = errors.New("malformed message")

	// ErrSessionNotFound means the addressed connection id is unknown to
	// the registry or owned by another channel.
	ErrSessionNotFound = errors.New("unknown session")

	// ErrSessionNotConnected is returned for writes to a session that has
	// not reached (or already left) the connected state.
	ErrSessionNotConnected = errors.New("session not connected")

	// ErrSessionLimit is returned when a channel already owns the maximum
	// number of sessions.
	ErrSessionLimit = errors.New("session limit reached")

	// ErrRateLimited is returned when a client opens connections faster
	// than allowed.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// SessionError wraps an underlying error with session context.
type SessionError struct {
	SessionID string
	Op        string
	Err       error
}

func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("session %s: %s: %v", e.SessionID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// CodeForError maps err to the machine-readable code sent to clients in
// error frames. Unknown errors map to [CodeInternal].
func CodeForError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPortNotAllowed):
		return CodePortNotAllowed
	case errors.Is(err, ErrMalformedHost):
		return CodeMalformedHost
	case errors.Is(err, ErrResolutionFailed):
		return CodeResolutionFailed
	case errors.Is(err, ErrBlockedAddressRange):
		return CodeBlockedDestination
	case errors.Is(err, ErrConnectTimeout):
		return string(ReasonConnectTimeout)
	case errors.Is(err, ErrMalformedMessage):
		return CodeMalformedMessage
	case errors.Is(err, ErrSessionNotFound):
		return CodeUnknownSession
	case errors.Is(err, ErrSessionNotConnected):
		return CodeNotConnected
	case errors.Is(err, ErrSessionLimit):
		return CodeSessionLimit
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// IsValidationError reports whether err is a terminal destination
// rejection that a client should not retry.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrPortNotAllowed) ||
		errors.Is(err, ErrMalformedHost) ||
		errors.Is(err, ErrResolutionFailed) ||
		errors.Is(err, ErrBlockedAddressRange)
}

// IsPolicyViolation reports whether err is a destination the gateway
// refuses by policy, as opposed to a typo or a DNS failure.
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrPortNotAllowed) || errors.Is(err, ErrBlockedAddressRange)
}
