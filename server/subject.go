package server

import (
	"context"
	"errors"
	"sync"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Subject is a resource owner known to the authorization server.
type Subject struct {
	// ID is the canonical subject identifier.
	ID string

	// Email is the primary email address, if known.
	Email string

	// Profile holds OIDC profile attributes keyed by standard claim name.
	Profile map[string]any

	// JWKS holds the subject's self-registered public keys. A self-signed
	// assertion, one whose issuer is the subject itself, verifies against
	// these keys.
	JWKS jwk.Set
}

// ErrSubjectNotFound is returned by SubjectStore lookups for unknown
// subjects.
var ErrSubjectNotFound = errors.New("subject not found")

// SubjectStore resolves and onboards resource owners.
type SubjectStore interface {
	// Subject retrieves a subject by identifier. Returns ErrSubjectNotFound
	// when no such subject exists.
	Subject(ctx context.Context, id string) (*Subject, error)

	// Onboard registers a subject first seen through a session or an
	// upstream identity provider.
	Onboard(ctx context.Context, subject *Subject) error
}

// Principal is the authenticated end user attached to an authorization
// request by the caller's session layer.
type Principal struct {
	// Subject is the authenticated subject identifier.
	Subject string

	// AuthTime is the Unix time of the authentication event.
	AuthTime int64

	// Email is the authenticated email, used when onboarding.
	Email string
}

// MemorySubjects is an in-memory SubjectStore for development and tests.
type MemorySubjects struct {
	mu       sync.RWMutex
	subjects map[string]*Subject
}

// NewMemorySubjects creates a registry seeded with the given subjects.
func NewMemorySubjects(seed ...*Subject) *MemorySubjects {
	s := &MemorySubjects{subjects: make(map[string]*Subject, len(seed))}
	for _, sub := range seed {
		s.subjects[sub.ID] = sub
	}
	return s
}

// Subject implements SubjectStore.
func (s *MemorySubjects) Subject(_ context.Context, id string) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subjects[id]
	if !ok {
		return nil, ErrSubjectNotFound
	}
	cp := *sub
	return &cp, nil
}

// Onboard implements SubjectStore.
func (s *MemorySubjects) Onboard(_ context.Context, subject *Subject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subjects[subject.ID]; ok {
		return nil
	}
	cp := *subject
	s.subjects[subject.ID] = &cp
	return nil
}

// Profile implements the claims pipeline's profile source over the subject
// registry.
func (s *MemorySubjects) Profile(ctx context.Context, id string) (map[string]any, error) {
	sub, err := s.Subject(ctx, id)
	if err != nil {
		return nil, err
	}
	profile := make(map[string]any, len(sub.Profile)+1)
	for k, v := range sub.Profile {
		profile[k] = v
	}
	if sub.Email != "" {
		profile["email"] = sub.Email
	}
	return profile, nil
}
