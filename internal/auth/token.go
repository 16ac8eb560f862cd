package auth

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// renewMargin is how long before expiry a cached token is considered stale.
const renewMargin = 30 * time.Second

// tokenProvider signs short-lived HS256 tokens with the shared secret and
// caches them until close to expiry.
type tokenProvider struct {
	secret   []byte
	clientID string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenProvider(secret []byte, clientID string, ttl time.Duration, now func() time.Time) *tokenProvider {
	return &tokenProvider{
		secret:   secret,
		clientID: clientID,
		ttl:      ttl,
		now:      now,
	}
}

func (p *tokenProvider) Credential() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.token != "" && now.Add(renewMargin).Before(p.expires) {
		return p.token, nil
	}

	expires := now.Add(p.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   p.clientID,
		Issuer:    "openbook-call-agent",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	p.token = signed
	p.expires = expires
	return signed, nil
}

func (p *tokenProvider) ApplyQuery(q url.Values) error {
	token, err := p.Credential()
	if err != nil {
		return err
	}
	q.Set("token", token)
	return nil
}
