package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all backends.
var (
	// ErrNotFound indicates the requested object does not exist or has
	// expired.
	ErrNotFound = errors.New("storage: not found")

	// ErrConsumed indicates a single-use artifact (authorization code,
	// refresh token identity, assertion jti) was already consumed.
	ErrConsumed = errors.New("storage: already consumed")
)

// AuthorizationID identifies the durable authorization granted by a subject
// to a client.
type AuthorizationID struct {
	ClientID string
	Subject  string
}

// RefreshTokenID identifies one generation of a refresh token within an
// authorization.
type RefreshTokenID struct {
	ClientID        string
	AuthorizationID string
	TokenID         string
}

// Store is the transient storage capability used by the protocol engine.
//
// All operations are potentially blocking I/O and accept a context. The
// Consume* operations MUST be atomic check-and-invalidate: under concurrent
// callers exactly one consume of the same key succeeds and all others
// observe ErrConsumed (or ErrNotFound once the artifact is gone).
type Store interface {
	// SaveAuthorizationRequest persists an authorization request and, if
	// the request minted an authorization code, the code binding.
	SaveAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) error

	// AuthorizationRequest retrieves a pushed or in-flight authorization
	// request by its request ID.
	AuthorizationRequest(ctx context.Context, requestID string) (*AuthorizationRequest, error)

	// DeleteAuthorizationRequest removes an authorization request and its
	// code binding.
	DeleteAuthorizationRequest(ctx context.Context, requestID string) error

	// ConsumeAuthorizationCode atomically invalidates the given code and
	// returns the authorization request it is bound to. A second consume
	// of the same code returns ErrConsumed.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationRequest, error)

	// Authorization retrieves the durable (client, subject) authorization.
	Authorization(ctx context.Context, id AuthorizationID) (*Authorization, error)

	// SaveAuthorization persists an authorization. Concurrent writers for
	// the same key are resolved last-writer-wins.
	SaveAuthorization(ctx context.Context, a *Authorization) error

	// RefreshToken retrieves refresh token state by its identity.
	RefreshToken(ctx context.Context, id RefreshTokenID) (*RefreshToken, error)

	// SaveRefreshToken persists a newly created refresh token.
	SaveRefreshToken(ctx context.Context, t *RefreshToken) error

	// RotateRefreshToken atomically invalidates the old token identity and
	// persists its successor. A reader never observes both identities as
	// valid. Returns ErrConsumed if the old identity was already rotated.
	RotateRefreshToken(ctx context.Context, old RefreshTokenID, next *RefreshToken) error

	// ConsumeAssertion marks an assertion jti as used until expiresAt.
	// Returns ErrConsumed if the jti was presented before.
	ConsumeAssertion(ctx context.Context, jti string, expiresAt time.Time) error
}

// AuthorizationRequest is the canonical, resolved form of an authorization
// request, persisted keyed by RequestID. Exactly one of inline parameters, a
// signed request object or a pushed reference supplied its fields; by the
// time it reaches storage that distinction no longer matters.
type AuthorizationRequest struct {
	RequestID string

	ClientID            string
	ResponseType        string
	ResponseMode        string
	RedirectURI         string
	RedirectURIProvided bool
	Scope               []string
	State               string
	Nonce               string
	Resource            []string
	AccessType          string
	Prompt              string
	MaxAge              int64
	CodeChallenge       string
	CodeChallengeMethod string

	// Claims holds the parsed OIDC claims request parameter, if any.
	Claims map[string]any

	// Code is the single-use authorization code minted for this request.
	// Empty when the response type does not use the code flow.
	Code string

	// Subject is the resolved subject identifier, set once the request has
	// been authenticated by the resource owner.
	Subject  string
	AuthTime int64

	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsOpenID reports whether this is an OpenID Connect request.
func (r *AuthorizationRequest) IsOpenID() bool {
	for _, s := range r.Scope {
		if s == "openid" {
			return true
		}
	}
	return false
}

// CanInteract reports whether the server may interact with the end user.
func (r *AuthorizationRequest) CanInteract() bool {
	return r.Prompt != "none"
}

// IsAuthenticated reports whether the request was authorized by the
// resource owner.
func (r *AuthorizationRequest) IsAuthenticated() bool {
	return r.Subject != ""
}

// WantsRefreshToken reports whether offline access was requested.
func (r *AuthorizationRequest) WantsRefreshToken() bool {
	return r.AccessType == "offline"
}

// NeedsCode reports whether the response type uses the authorization code
// flow.
func (r *AuthorizationRequest) NeedsCode() bool {
	switch r.ResponseType {
	case "code", "code id_token", "code token", "code id_token token":
		return true
	}
	return false
}

// Authorization is the accumulated, durable grant of scopes from a subject
// to a client, independent of any single request. It is only ever extended,
// never deleted.
type Authorization struct {
	// ID is a stable identifier used to scope refresh token identities.
	ID string

	ClientID string
	Subject  string

	// Scopes maps each granted scope to the time it was granted.
	Scopes map[string]time.Time

	// RefreshAllowed is set once any request with offline access succeeds.
	RefreshAllowed bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the storage identity of the authorization.
func (a *Authorization) Key() AuthorizationID {
	return AuthorizationID{ClientID: a.ClientID, Subject: a.Subject}
}

// Grant records that the subject granted the given scope at time now.
func (a *Authorization) Grant(scope string, now time.Time) {
	if a.Scopes == nil {
		a.Scopes = make(map[string]time.Time)
	}
	if _, ok := a.Scopes[scope]; !ok {
		a.Scopes[scope] = now
	}
	a.UpdatedAt = now
}

// AllowsScope reports whether every requested scope has been granted.
func (a *Authorization) AllowsScope(scope []string) bool {
	for _, s := range scope {
		if _, ok := a.Scopes[s]; !ok {
			return false
		}
	}
	return true
}

// GrantedScope returns the granted scopes in unspecified order.
func (a *Authorization) GrantedScope() []string {
	out := make([]string, 0, len(a.Scopes))
	for s := range a.Scopes {
		out = append(out, s)
	}
	return out
}

// RefreshToken is the server-side state of one refresh token generation.
// Rotation replaces the TokenID; the previous identity becomes invalid the
// moment its successor is persisted.
type RefreshToken struct {
	AuthorizationID string
	TokenID         string
	ClientID        string
	Subject         string

	// Scope is the subset of the authorization's granted scope this token
	// is bound to.
	Scope []string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// Key returns the storage identity of the refresh token.
func (t *RefreshToken) Key() RefreshTokenID {
	return RefreshTokenID{
		ClientID:        t.ClientID,
		AuthorizationID: t.AuthorizationID,
		TokenID:         t.TokenID,
	}
}

// AllowsScope reports whether the requested scope is a subset of the scope
// granted to this token. An empty request is always allowed.
func (t *RefreshToken) AllowsScope(scope []string) bool {
	granted := make(map[string]struct{}, len(t.Scope))
	for _, s := range t.Scope {
		granted[s] = struct{}{}
	}
	for _, s := range scope {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}
