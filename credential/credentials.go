// Package credential holds the session's bearer credentials.
//
// A Store is the only owner of the access, refresh and identity-provider
// tokens. Every backend keeps an in-memory mirror so reads never block on
// disk, and every write replaces the whole credential set at once.
package credential

import "sync"

// Credentials is the full set of tokens a session carries. An empty string
// means the token is absent.
type Credentials struct {
	AccessToken   string `json:"access_token"`
	RefreshToken  string `json:"refresh_token"`
	IdentityToken string `json:"identity_token,omitempty"`
}

// HasSession reports whether the credentials can authenticate API calls,
// either directly or after a refresh.
func (c Credentials) HasSession() bool {
	return c.AccessToken != "" || c.RefreshToken != ""
}

// IsZero reports whether no token is set at all.
func (c Credentials) IsZero() bool {
	return c == Credentials{}
}

// Redacted returns a copy safe to log: each token is cut to a short prefix.
func (c Credentials) Redacted() Credentials {
	return Credentials{
		AccessToken:   preview(c.AccessToken),
		RefreshToken:  preview(c.RefreshToken),
		IdentityToken: preview(c.IdentityToken),
	}
}

func preview(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[:6] + "..."
}

// Store is a thread-safe holder of one session's credentials.
type Store interface {
	Get() Credentials
	Set(Credentials)
	Clear()
	// CompareAndSet stores next only if the current refresh token is still
	// expectRefresh, and reports whether it did.
	CompareAndSet(expectRefresh string, next Credentials) bool
}

// MemoryStore keeps credentials for the lifetime of the process only.
type MemoryStore struct {
	mu    sync.RWMutex
	creds Credentials
}

// NewMemoryStore returns a store seeded with initial.
func NewMemoryStore(initial Credentials) *MemoryStore {
	return &MemoryStore{creds: initial}
}

func (s *MemoryStore) Get() Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

func (s *MemoryStore) Set(c Credentials) {
	s.mu.Lock()
	s.creds = c
	s.mu.Unlock()
}

func (s *MemoryStore) CompareAndSet(expectRefresh string, next Credentials) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds.RefreshToken != expectRefresh {
		return false
	}
	s.creds = next
	return true
}

func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.creds = Credentials{}
	s.mu.Unlock()
}
