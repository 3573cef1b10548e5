// Package credstore persists the signed-in Credential of the scanner client.
//
// A Store keeps an in-memory copy of the Credential and writes every change
// through to a Backend. The whole Credential is encoded as one value under a
// single key, so a reader of either the memory copy or the backend never sees
// tokens from one write paired with fields from another. Backend failures are
// reported as *StorageError but never roll back the in-memory copy.
package credstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const defaultStorageTimeout = 5 * time.Second

// Store is safe for concurrent use. Writes are serialized and persisted in
// the order they were applied in memory.
type Store struct {
	mu      sync.RWMutex
	cur     Credential
	backend Backend
	key     string
	timeout time.Duration
	log     *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for swallowed storage errors.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTimeout bounds every backend call.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// New returns a Store persisting under key in backend. Call Load to pick up a
// credential saved by an earlier process.
func New(backend Backend, key string, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		key:     key,
		timeout: defaultStorageTimeout,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the backend key the credential is stored under.
func (s *Store) Key() string {
	return s.key
}

// Load replaces the in-memory credential with the persisted one. A value that
// cannot be decoded is treated as absent.
func (s *Store) Load() error {
	ctx, cancel := s.ctx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok, err := s.backend.Get(ctx, s.key)
	if err != nil {
		return &StorageError{Op: "load", Key: s.key, Err: err}
	}
	s.cur = Credential{}
	if !ok {
		return nil
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		s.log.Warn("discarding unreadable credential", "key", s.key, "error", err)
		return nil
	}
	s.cur = c
	return nil
}

// Credential returns a copy of the current credential.
func (s *Store) Credential() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur.empty() {
		return Credential{}, false
	}
	return s.cur.clone(), true
}

func (s *Store) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.AccessToken, s.cur.AccessToken != ""
}

func (s *Store) RefreshToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur.RefreshToken, s.cur.RefreshToken != ""
}

// Profile returns a copy of the cached user profile.
func (s *Store) Profile() (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur.Profile == nil {
		return nil, false
	}
	return cloneProfile(s.cur.Profile), true
}

// Save stores a token pair, keeping the cached profile.
func (s *Store) Save(accessToken, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.clone()
	next.AccessToken = accessToken
	next.RefreshToken = refreshToken
	return s.write(next)
}

// ReplaceTokens stores a renewed token pair only while the credential still
// holds usedRefresh, so a refresh that completes after a logout or a new
// login cannot resurrect or overwrite that session. It reports whether the
// pair was applied.
func (s *Store) ReplaceTokens(usedRefresh, accessToken, refreshToken string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.RefreshToken == "" || s.cur.RefreshToken != usedRefresh {
		return false, nil
	}
	next := s.cur.clone()
	next.AccessToken = accessToken
	next.RefreshToken = refreshToken
	return true, s.write(next)
}

// SaveProfile stores the cached profile, keeping the tokens.
func (s *Store) SaveProfile(profile map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur.clone()
	next.Profile = cloneProfile(profile)
	return s.write(next)
}

// SaveSession replaces the whole credential.
func (s *Store) SaveSession(c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(c.clone())
}

// Clear removes the credential. Backend failures are logged, not returned:
// the in-memory session is gone either way.
func (s *Store) Clear() {
	ctx, cancel := s.ctx()
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = Credential{}
	if err := s.backend.Remove(ctx, s.key); err != nil {
		s.log.Warn("failed to remove stored credential", "key", s.key, "error", err)
	}
}

// write must be called with mu held.
func (s *Store) write(next Credential) error {
	s.cur = next

	data, err := json.Marshal(next)
	if err != nil {
		return &StorageError{Op: "save", Key: s.key, Err: err}
	}
	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.backend.Set(ctx, s.key, data); err != nil {
		return &StorageError{Op: "save", Key: s.key, Err: err}
	}
	return nil
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}
