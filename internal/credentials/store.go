// Package credentials persists the token pair and cached user snapshot.
//
// Writes land in an in-memory mirror first and then in the backend. A backend
// that fails is logged and ignored; the store then serves from memory so a
// broken disk never fails a login.
package credentials

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/marcus-qen/microfin/internal/auth"
	"github.com/marcus-qen/microfin/internal/autherr"
	"github.com/marcus-qen/microfin/internal/storage"
)

// Fixed storage keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
)

var allKeys = []string{KeyAccessToken, KeyRefreshToken, KeyUser}

// Store is the credential store. It never returns errors.
type Store struct {
	backend storage.Backend
	logger  *zap.Logger

	mu       sync.RWMutex
	mirror   map[string]string
	degraded bool
}

// NewStore creates a store over backend and loads whatever it holds.
func NewStore(backend storage.Backend, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		backend: backend,
		logger:  logger.Named("credentials"),
		mirror:  make(map[string]string),
	}
	for _, k := range allKeys {
		v, ok, err := backend.Get(k)
		if err != nil {
			s.fail("read", k, err)
			continue
		}
		if ok {
			s.mirror[k] = v
		}
	}
	return s
}

// AccessToken returns the stored access token or "".
func (s *Store) AccessToken() string { return s.get(KeyAccessToken) }

// RefreshToken returns the stored refresh token or "".
func (s *Store) RefreshToken() string { return s.get(KeyRefreshToken) }

// SetAccessToken replaces the access token.
func (s *Store) SetAccessToken(token string) { s.set(KeyAccessToken, token) }

// SetTokens replaces the access token and, when non-empty, the refresh token.
func (s *Store) SetTokens(access, refresh string) {
	s.set(KeyAccessToken, access)
	if refresh != "" {
		s.set(KeyRefreshToken, refresh)
	}
}

// CachedUser returns the cached user snapshot. A corrupt snapshot reads as nil.
func (s *Store) CachedUser() *auth.User {
	raw := s.get(KeyUser)
	if raw == "" {
		return nil
	}
	var u auth.User
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		s.logger.Warn("discarding unreadable cached user", zap.Error(err))
		return nil
	}
	return &u
}

// SetCachedUser replaces the cached user snapshot; nil deletes it.
func (s *Store) SetCachedUser(u *auth.User) {
	if u == nil {
		s.del(KeyUser)
		return
	}
	data, err := json.Marshal(u)
	if err != nil {
		s.logger.Warn("cannot encode user snapshot", zap.Error(err))
		return
	}
	s.set(KeyUser, string(data))
}

// Clear removes all credentials.
func (s *Store) Clear() {
	for _, k := range allKeys {
		s.del(k)
	}
}

// Degraded reports whether a backend failure has been observed.
func (s *Store) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *Store) get(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mirror[key]
}

func (s *Store) set(key, value string) {
	s.mu.Lock()
	s.mirror[key] = value
	s.mu.Unlock()
	if err := s.backend.Set(key, value); err != nil {
		s.fail("write", key, err)
	}
}

func (s *Store) del(key string) {
	s.mu.Lock()
	delete(s.mirror, key)
	s.mu.Unlock()
	if err := s.backend.Delete(key); err != nil {
		s.fail("delete", key, err)
	}
}

func (s *Store) fail(op, key string, err error) {
	s.mu.Lock()
	s.degraded = true
	s.mu.Unlock()
	s.logger.Warn("credential backend unavailable, continuing in memory",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(autherr.Wrap(autherr.KindStorageUnavailable, "credential storage unavailable", err)),
	)
}
