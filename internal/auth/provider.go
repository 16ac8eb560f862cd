// Package auth produces the credentials the agent presents to the control
// plane and the signaling WebSocket. The backend decides the mode: a static
// API key, or short-lived HS256 tokens signed with a shared secret.
package auth

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/openbook-social/calling/internal/config"
)

var ErrNoCredentials = errors.New("auth: no credentials configured")

// Provider yields a credential string for outbound requests. Implementations
// must be safe for concurrent use.
type Provider interface {
	// Credential returns the current credential. JWT providers re-sign when the
	// cached token is close to expiry.
	Credential() (string, error)
	// ApplyQuery adds the credential to a WebSocket dial URL query, using the
	// parameter name the backend expects for the configured mode.
	ApplyQuery(q url.Values) error
}

// New builds a Provider for the configured auth mode. clientID becomes the
// token subject in JWT mode.
func New(cfg config.Config, clientID string) (Provider, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return noneProvider{}, nil
	case config.AuthModeAPIKey:
		if cfg.APIKey == "" {
			return nil, ErrNoCredentials
		}
		return apiKeyProvider{key: cfg.APIKey}, nil
	case config.AuthModeJWT:
		if cfg.JWTSecret == "" {
			return nil, ErrNoCredentials
		}
		ttl := cfg.TokenTTL
		if ttl <= 0 {
			ttl = config.DefaultTokenTTL
		}
		return newTokenProvider([]byte(cfg.JWTSecret), clientID, ttl, time.Now), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

type noneProvider struct{}

func (noneProvider) Credential() (string, error) { return "", nil }
func (noneProvider) ApplyQuery(url.Values) error { return nil }

type apiKeyProvider struct{ key string }

func (p apiKeyProvider) Credential() (string, error) { return p.key, nil }

func (p apiKeyProvider) ApplyQuery(q url.Values) error {
	q.Set("apiKey", p.key)
	return nil
}
