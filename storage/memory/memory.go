// Package memory provides an in-memory implementation of the storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/authgrid/oauth/storage"
)

// cleanupInterval is how often the janitor sweeps expired entries.
const cleanupInterval = time.Minute

// Store is an in-memory implementation of storage.Store. All mutating
// operations take the store mutex, which makes the consume operations
// atomic check-and-invalidate by construction.
type Store struct {
	mu sync.RWMutex

	requests       map[string]*storage.AuthorizationRequest // request ID -> request
	codes          map[string]string                        // code -> request ID
	authorizations map[storage.AuthorizationID]*storage.Authorization
	refreshTokens  map[storage.RefreshTokenID]*storage.RefreshToken
	assertions     map[string]time.Time // jti -> expiry

	logger *slog.Logger
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for janitor diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an in-memory store and starts its expiry janitor. Call Stop
// when the store is no longer needed.
func New(opts ...Option) *Store {
	s := &Store{
		requests:       make(map[string]*storage.AuthorizationRequest),
		codes:          make(map[string]string),
		authorizations: make(map[storage.AuthorizationID]*storage.Authorization),
		refreshTokens:  make(map[storage.RefreshTokenID]*storage.RefreshToken),
		assertions:     make(map[string]time.Time),
		logger:         slog.Default(),
		now:            time.Now,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.janitor()
	return s
}

// Stop terminates the expiry janitor.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *Store) janitor() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Store) sweep() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, req := range s.requests {
		if !req.ExpiresAt.IsZero() && now.After(req.ExpiresAt) {
			delete(s.requests, id)
			if req.Code != "" {
				delete(s.codes, req.Code)
			}
			removed++
		}
	}
	for id, t := range s.refreshTokens {
		if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
			delete(s.refreshTokens, id)
			removed++
		}
	}
	for jti, exp := range s.assertions {
		if now.After(exp) {
			delete(s.assertions, jti)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("Swept expired entries", "count", removed)
	}
}

// SaveAuthorizationRequest persists a request and its code binding.
func (s *Store) SaveAuthorizationRequest(_ context.Context, req *storage.AuthorizationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.RequestID] = &cp
	if req.Code != "" {
		s.codes[req.Code] = req.RequestID
	}
	return nil
}

// AuthorizationRequest retrieves a request by ID.
func (s *Store) AuthorizationRequest(_ context.Context, requestID string) (*storage.AuthorizationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok || s.expired(req.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// DeleteAuthorizationRequest removes a request and its code binding.
func (s *Store) DeleteAuthorizationRequest(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.requests[requestID]; ok {
		if req.Code != "" {
			delete(s.codes, req.Code)
		}
		delete(s.requests, requestID)
	}
	return nil
}

// ConsumeAuthorizationCode atomically invalidates a code and returns the
// bound request.
func (s *Store) ConsumeAuthorizationCode(_ context.Context, code string) (*storage.AuthorizationRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requestID, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrConsumed
	}
	delete(s.codes, code)
	req, ok := s.requests[requestID]
	if !ok || s.expired(req.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

// Authorization retrieves a (client, subject) authorization.
func (s *Store) Authorization(_ context.Context, id storage.AuthorizationID) (*storage.Authorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.authorizations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	cp.Scopes = make(map[string]time.Time, len(a.Scopes))
	for k, v := range a.Scopes {
		cp.Scopes[k] = v
	}
	return &cp, nil
}

// SaveAuthorization persists an authorization. Last writer wins.
func (s *Store) SaveAuthorization(_ context.Context, a *storage.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	cp.Scopes = make(map[string]time.Time, len(a.Scopes))
	for k, v := range a.Scopes {
		cp.Scopes[k] = v
	}
	s.authorizations[a.Key()] = &cp
	return nil
}

// RefreshToken retrieves refresh token state by identity.
func (s *Store) RefreshToken(_ context.Context, id storage.RefreshTokenID) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.refreshTokens[id]
	if !ok || s.expired(t.ExpiresAt) {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// SaveRefreshToken persists a new refresh token.
func (s *Store) SaveRefreshToken(_ context.Context, t *storage.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.refreshTokens[t.Key()] = &cp
	return nil
}

// RotateRefreshToken invalidates the old identity and persists its
// successor as a single atomic unit.
func (s *Store) RotateRefreshToken(_ context.Context, old storage.RefreshTokenID, next *storage.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.refreshTokens[old]; !ok {
		return storage.ErrConsumed
	}
	delete(s.refreshTokens, old)
	cp := *next
	s.refreshTokens[next.Key()] = &cp
	return nil
}

// ConsumeAssertion marks a jti as seen until expiresAt.
func (s *Store) ConsumeAssertion(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if exp, ok := s.assertions[jti]; ok && !s.now().After(exp) {
		return storage.ErrConsumed
	}
	s.assertions[jti] = expiresAt
	return nil
}

func (s *Store) expired(at time.Time) bool {
	return !at.IsZero() && s.now().After(at)
}
