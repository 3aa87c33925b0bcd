package oidc

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Request carries the inputs of one ID token issuance. Each handler receives
// its own copy, so a handler mutating its request cannot influence the
// handlers that run after it.
type Request struct {
	ClientID string
	Subject  string
	Scope    []string
	Nonce    string
	AuthTime int64

	// Sector and Pairwise select the subject identifier derivation for the
	// requesting client. An empty sector falls back to the client ID.
	Sector   string
	Pairwise bool

	// Claims is the parsed claims request parameter, if the authorization
	// request carried one.
	Claims map[string]any
}

func (r Request) clone() Request {
	cp := r
	cp.Scope = append([]string(nil), r.Scope...)
	if r.Claims != nil {
		cp.Claims = make(map[string]any, len(r.Claims))
		for k, v := range r.Claims {
			cp.Claims[k] = v
		}
	}
	return cp
}

func (r Request) hasScope(scope string) bool {
	for _, s := range r.Scope {
		if s == scope {
			return true
		}
	}
	return false
}

// Handler contributes claims to an ID token when its gating scope was
// granted.
type Handler interface {
	// Scope returns the scope gating this handler. An empty scope runs on
	// every OpenID request.
	Scope() string

	// Claims returns the claims this handler contributes.
	Claims(ctx context.Context, req Request) (map[string]any, error)
}

// PolicyFailure describes a claims requirement an enforcing handler could
// not satisfy for the request.
type PolicyFailure struct {
	Scope  string
	Reason string
}

// Enforcer is implemented by handlers that can veto issuance before any
// claims are assembled.
type Enforcer interface {
	Enforce(ctx context.Context, req Request) ([]PolicyFailure, error)
}

// SubjectIdentifier derives the sub claim value exposed to a client.
type SubjectIdentifier interface {
	SubjectID(sectorID, subject string) string
}

// PublicIdentifier exposes the subject identifier unchanged to every client.
type PublicIdentifier struct{}

func (PublicIdentifier) SubjectID(_, subject string) string { return subject }

// PairwiseIdentifier derives a per-sector subject identifier so two clients
// cannot correlate the same subject by sub value.
type PairwiseIdentifier struct {
	Salt []byte
}

func (p PairwiseIdentifier) SubjectID(sectorID, subject string) string {
	h := sha256.New()
	h.Write([]byte(sectorID))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write(p.Salt)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

// Builder assembles ID token claims from a handler pipeline.
type Builder struct {
	handlers  []Handler
	subjectID SubjectIdentifier
	pairwise  *PairwiseIdentifier
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithSubjectIdentifier sets the sub derivation strategy (default public).
func WithSubjectIdentifier(id SubjectIdentifier) BuilderOption {
	return func(b *Builder) { b.subjectID = id }
}

// WithPairwiseSalt enables pairwise subject derivation for clients that
// register a pairwise subject type.
func WithPairwiseSalt(salt []byte) BuilderOption {
	return func(b *Builder) { b.pairwise = &PairwiseIdentifier{Salt: salt} }
}

// WithHandlers registers claims handlers in pipeline order.
func WithHandlers(handlers ...Handler) BuilderOption {
	return func(b *Builder) { b.handlers = append(b.handlers, handlers...) }
}

// NewBuilder creates a claims builder.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{subjectID: PublicIdentifier{}}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enforce runs every gated enforcing handler and collects policy failures.
// An empty result means issuance may proceed.
func (b *Builder) Enforce(ctx context.Context, req Request) ([]PolicyFailure, error) {
	var failures []PolicyFailure
	for _, h := range b.handlers {
		e, ok := h.(Enforcer)
		if !ok {
			continue
		}
		if scope := h.Scope(); scope != "" && !req.hasScope(scope) {
			continue
		}
		f, err := e.Enforce(ctx, req.clone())
		if err != nil {
			return nil, fmt.Errorf("claims handler for scope %q: %w", h.Scope(), err)
		}
		failures = append(failures, f...)
	}
	return failures, nil
}

// Build runs the gated handlers and merges their claims. Later handlers win
// on conflicting claim names; the reserved identity claims are applied last
// and cannot be overridden by a handler.
func (b *Builder) Build(ctx context.Context, req Request) (map[string]any, error) {
	claims := make(map[string]any)
	for _, h := range b.handlers {
		if scope := h.Scope(); scope != "" && !req.hasScope(scope) {
			continue
		}
		contributed, err := h.Claims(ctx, req.clone())
		if err != nil {
			return nil, fmt.Errorf("claims handler for scope %q: %w", h.Scope(), err)
		}
		for k, v := range contributed {
			claims[k] = v
		}
	}

	sector := req.Sector
	if sector == "" {
		sector = req.ClientID
	}
	if req.Pairwise && b.pairwise != nil {
		claims["sub"] = b.pairwise.SubjectID(sector, req.Subject)
	} else {
		claims["sub"] = b.subjectID.SubjectID(sector, req.Subject)
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.AuthTime > 0 {
		claims["auth_time"] = req.AuthTime
	}
	return claims, nil
}
