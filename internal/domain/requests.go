package domain

// ErrorResponse is the JSON body returned by the HTTP endpoints for
// structured errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

// HealthResponse is the JSON body returned by the health endpoint.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version,omitempty"`
	ActiveSessions int    `json:"active_sessions"`
}
