package http

import (
	"github.com/go-api-guard/internal/application/otp"
	"github.com/go-api-guard/internal/application/registry"
	jwtinfra "github.com/go-api-guard/internal/infrastructure/jwt"
)

// Deps holds everything the router needs.
type Deps struct {
	Services    *registry.Registry
	JWTProvider *jwtinfra.Provider
	// CodeSender delivers generated OTPs.
	CodeSender otp.Sender
}
