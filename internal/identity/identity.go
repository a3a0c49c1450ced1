// Package identity talks to the external identity provider that owns user
// credentials once an email is verified.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/onboarding/internal/config"
	"go.uber.org/zap"
)

// ErrUserExists is returned by CreateUser when the provider already holds
// an account for the email.
var ErrUserExists = errors.New("identity: user already exists")

// Provider creates users at the identity provider and looks them up.
type Provider interface {
	// CreateUser returns the provider's opaque reference for the new user.
	CreateUser(ctx context.Context, email, name string) (string, error)
	// FindByEmail returns the reference of an existing user, ok=false when absent.
	FindByEmail(ctx context.Context, email string) (ref string, ok bool, err error)
}

// New builds the provider selected by cfg.Provider.
func New(ctx context.Context, cfg config.IdentityConfig, log *zap.Logger) (Provider, error) {
	switch cfg.Provider {
	case "", "local":
		return NewLocal(), nil
	case "cognito":
		return NewCognito(ctx, cfg.Cognito, log)
	default:
		return nil, fmt.Errorf("identity: unknown provider %q", cfg.Provider)
	}
}
