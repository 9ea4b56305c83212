// Package domain defines the core data types shared across the telbridge
// gateway, validator, store, and control protocol layers.
package domain

import "time"

// SessionState describes where a relay session is in its lifecycle.
type SessionState string

// Session states. Transitions only move forward:
// connecting -> connected -> closing -> closed, or connecting -> closed.
const (
	StateConnecting SessionState = "connecting"
	StateConnected  SessionState = "connected"
	StateClosing    SessionState = "closing"
	StateClosed     SessionState = "closed"
)

// CloseReason identifies why a session ended. The value is sent to clients
// in disconnected frames and stored in the audit log.
type CloseReason string

const (
	ReasonClientDisconnect CloseReason = "client_disconnect"
	ReasonRemoteClosed     CloseReason = "remote_closed"
	ReasonSocketError      CloseReason = "socket_error"
	ReasonIdleTimeout      CloseReason = "idle_timeout"
	ReasonConnectTimeout   CloseReason = "connect_timeout"
	ReasonConnectFailed    CloseReason = "connect_failed"
	ReasonChannelClosed    CloseReason = "channel_closed"
	ReasonShutdown         CloseReason = "shutdown"
)

// Message returns the human readable text for r.
func (r CloseReason) Message() string {
	switch r {
	case ReasonClientDisconnect:
		return "disconnected by client"
	case ReasonRemoteClosed:
		return "server closed connection"
	case ReasonSocketError:
		return "connection error"
	case ReasonIdleTimeout:
		return "idle timeout"
	case ReasonConnectTimeout:
		return "connection timed out"
	case ReasonConnectFailed:
		return "connection refused"
	case ReasonChannelClosed:
		return "client channel closed"
	case ReasonShutdown:
		return "gateway shutting down"
	default:
		return string(r)
	}
}

// Codes carried by error frames for rejections that never produced a
// connected session.
const (
	CodePortNotAllowed     = "port_not_allowed"
	CodeMalformedHost      = "malformed_host"
	CodeResolutionFailed   = "resolution_failed"
	CodeBlockedDestination = "blocked_destination"
	CodeMalformedMessage   = "malformed_message"
	CodeUnknownSession     = "unknown_session"
	CodeNotConnected       = "not_connected"
	CodeSessionLimit       = "session_limit"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal_error"
)

// SessionInfo is the read-only view of a live session exposed by stats.
type SessionInfo struct {
	ID            string       `json:"id"`
	Host          string       `json:"host"`
	Port          int          `json:"port"`
	State         SessionState `json:"state"`
	StartTime     time.Time    `json:"startTime"`
	DurationMs    int64        `json:"durationMs"`
	BytesReceived uint64       `json:"bytesReceived"`
	BytesSent     uint64       `json:"bytesSent"`
}

// Stats is a point-in-time snapshot of gateway activity.
type Stats struct {
	ActiveSessions int           `json:"activeSessions"`
	Channels       int           `json:"channels"`
	Sessions       []SessionInfo `json:"sessions"`
}

// SessionRecord is the audit view of a session, persisted when the session
// opens and updated when it closes.
type SessionRecord struct {
	ID            string
	ChannelID     string
	RemoteAddr    string
	Host          string
	Port          int
	ResolvedAddr  string
	State         SessionState
	CloseReason   CloseReason
	BytesReceived uint64
	BytesSent     uint64
	CreatedAt     time.Time
	ClosedAt      *time.Time
}

// BlockedAttempt records a connect request rejected by validation.
type BlockedAttempt struct {
	ID         int64
	RemoteAddr string
	Host       string
	Port       int
	Reason     string
	CreatedAt  time.Time
}
