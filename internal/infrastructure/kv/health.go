package kv

import (
	"context"

	"github.com/go-api-guard/internal/domain"
)

// ModeOf reports the serving mode of s. Stores without failover are either
// memory-only or a bare primary.
func ModeOf(s Store) string {
	if m, ok := s.(interface{ Mode() string }); ok {
		return m.Mode()
	}
	if s.Backend() == BackendMemory {
		return ModeMemory
	}
	return ModePrimary
}

// Degraded reports whether s is answering from its local fallback rather than
// the primary, in which case a miss proves nothing.
func Degraded(s Store) bool {
	m := ModeOf(s)
	return m == ModeFallback || m == ModeProbing
}

// Probe pings s and summarises its health. A store serving from its fallback
// is degraded; a failed ping is unhealthy.
func Probe(ctx context.Context, s Store) domain.Health {
	h := domain.Health{
		Status:  domain.StatusHealthy,
		Enabled: true,
		Backend: s.Backend(),
	}
	err := s.Ping(ctx)
	h.Mode = ModeOf(s)
	switch {
	case err != nil:
		h.Status = domain.StatusUnhealthy
		h.Error = err.Error()
	case Degraded(s):
		h.Status = domain.StatusDegraded
	}
	return h
}
