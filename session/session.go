// Package session holds the identity the remote calls run under.
//
// A Session is shared-read by every remote call. Only the submission
// pipeline's authorization-failure path and the logout command clear it.
package session

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials is an immutable snapshot of the session identity.
type Credentials struct {
	Username string
	Token    string
}

type Session struct {
	mu       sync.RWMutex
	username string
	token    string
	onClear  []func(username string)
}

func New(username, token string) *Session {
	return &Session{username: username, token: token}
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Credentials returns the identity and whether a token is present.
func (s *Session) Credentials() (Credentials, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Credentials{Username: s.username, Token: s.token}, s.token != ""
}

func (s *Session) Authenticated() bool {
	_, ok := s.Credentials()
	return ok
}

// Set installs a fresh identity, as after a login.
func (s *Session) Set(username, token string) {
	s.mu.Lock()
	s.username = username
	s.token = token
	s.mu.Unlock()
}

// OnClear registers fn to run after the token is cleared.
func (s *Session) OnClear(fn func(username string)) {
	s.mu.Lock()
	s.onClear = append(s.onClear, fn)
	s.mu.Unlock()
}

// Clear drops the token. It returns true only for the call that actually
// removed a present token, so listeners fire once per expiry.
func (s *Session) Clear() bool {
	s.mu.Lock()
	if s.token == "" {
		s.mu.Unlock()
		return false
	}
	s.token = ""
	username := s.username
	listeners := append([]func(string){}, s.onClear...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(username)
	}
	return true
}

// Expired reports whether the token is a JWT whose exp claim is before now.
// Opaque tokens and tokens without exp never expire locally; the server
// remains the authority for those.
func (s *Session) Expired(now time.Time) bool {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return false
	}

	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(claims.ExpiresAt.Time)
}
