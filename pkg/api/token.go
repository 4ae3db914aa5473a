package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// TokenSource supplies the bearer token for API calls and the stream
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator is implemented by token sources that cache. Invalidate is
// called whenever the server rejects the current token.
type Invalidator interface {
	Invalidate()
}

// StaticTokenSource always returns the same token
type StaticTokenSource string

func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("api: no token configured")
	}
	return string(s), nil
}

// RefreshFunc obtains a fresh token
type RefreshFunc func(ctx context.Context) (string, error)

// CachedTokenSource caches a token until shortly before its JWT exp claim.
// Concurrent refreshes are coalesced. Tokens that are not JWTs, or carry no
// exp, are cached until Invalidate is called.
// It is safe for concurrent use.
type CachedTokenSource struct {
	refresh RefreshFunc
	margin  time.Duration
	now     func() time.Time
	group   singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewCachedTokenSource(refresh RefreshFunc, margin time.Duration) *CachedTokenSource {
	return &CachedTokenSource{
		refresh: refresh,
		margin:  margin,
		now:     time.Now,
	}
}

func (s *CachedTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && (s.expiresAt.IsZero() || s.now().Before(s.expiresAt.Add(-s.margin))) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do("token", func() (interface{}, error) {
		token, err := s.refresh(ctx)
		if err != nil {
			return "", err
		}
		if token == "" {
			return "", errors.New("api: token refresh returned an empty token")
		}
		s.mu.Lock()
		s.token = token
		s.expiresAt = tokenExpiry(token)
		s.mu.Unlock()
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

var _ Invalidator = (*CachedTokenSource)(nil)

// Invalidate drops the cached token so the next call refreshes
func (s *CachedTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

// tokenExpiry reads exp without verifying the signature; the server does that
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}
