package domain

import "time"

// BlacklistEntry is stored under the hash of a revoked token, never the token itself.
// Its TTL equals the token's remaining validity.
type BlacklistEntry struct {
	UserID        string    `json:"user_id"`
	Reason        string    `json:"reason"`
	BlacklistedAt time.Time `json:"blacklisted_at"`
}

// Default revocation reasons.
const (
	ReasonLogout   = "logout"
	ReasonSecurity = "security"
)

// RevocationStats counts live revocation markers.
type RevocationStats struct {
	BlacklistedTokens int    `json:"blacklisted_tokens"`
	BlacklistedUsers  int    `json:"blacklisted_users"`
	Backend           string `json:"backend"`
}
