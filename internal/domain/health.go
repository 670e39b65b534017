package domain

// Health status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusDisabled  = "disabled"
)

// Health describes one security service and the store behind it.
type Health struct {
	Status  string `json:"status"`
	Enabled bool   `json:"enabled"`
	Backend string `json:"backend"`
	// Mode is "primary", "probing", "fallback" or "memory".
	Mode      string `json:"mode"`
	Algorithm string `json:"algorithm,omitempty"`
	Error     string `json:"error,omitempty"`
}
