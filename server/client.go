package server

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/crypto/bcrypt"

	"github.com/authgrid/oauth/jose"
)

// Subject identifier derivation modes.
const (
	SubjectTypePublic   = "public"
	SubjectTypePairwise = "pairwise"
)

// Client is a registered OAuth client and the capability object consulted
// for every per-client decision.
type Client struct {
	// ID is the client identifier.
	ID string

	// Name is the human-readable client name.
	Name string

	// SecretHash is the bcrypt hash of the client secret. Empty for clients
	// that authenticate with keys or not at all.
	SecretHash []byte

	// RedirectURIs is the exact-match redirect allow-list.
	RedirectURIs []string

	// Scope is the scope allow-list applied to client_credentials and used
	// to bound consent.
	Scope []string

	// Audience lists the resource servers this client may obtain tokens
	// for, in addition to the authorization server itself.
	Audience []string

	// MultipleAudiences allows a single client_credentials token to name
	// more than one resource.
	MultipleAudiences bool

	// GrantTypes lists the allowed grant types. Empty allows the
	// authorization_code and refresh_token defaults.
	GrantTypes []string

	// ResponseTypes lists the allowed response types. Empty allows "code".
	ResponseTypes []string

	// Origins is the CORS origin allow-list for the authorization endpoint.
	Origins []string

	// SubjectType selects public or pairwise subject identifiers.
	SubjectType string

	// SectorIdentifier groups clients sharing pairwise identifiers.
	// Defaults to the client ID.
	SectorIdentifier string

	// JWKS holds the client's registered public keys.
	JWKS jwk.Set

	// JWKSURI points at the client's hosted key set.
	JWKSURI string

	// FirstParty clients skip the consent check; every requested scope is
	// granted implicitly.
	FirstParty bool

	// RequirePAR forces this client to push its authorization requests.
	RequirePAR bool

	// AccessTokenTTL overrides the server default when positive.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL overrides the server default when positive.
	RefreshTokenTTL time.Duration

	// IDTokenClaims are static claims added to every ID token issued to
	// this client.
	IDTokenClaims map[string]any
}

// CheckSecret verifies a presented client secret against the stored hash.
func (c *Client) CheckSecret(secret string) error {
	if len(c.SecretHash) == 0 {
		return fmt.Errorf("client %s has no secret", c.ID)
	}
	if err := bcrypt.CompareHashAndPassword(c.SecretHash, []byte(secret)); err != nil {
		return fmt.Errorf("invalid client secret: %w", err)
	}
	return nil
}

// HashSecret produces a bcrypt hash for client registration.
func HashSecret(secret string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash client secret: %w", err)
	}
	return hash, nil
}

// IsConfidential reports whether the client can authenticate itself, with a
// secret or with registered keys.
func (c *Client) IsConfidential() bool {
	return len(c.SecretHash) > 0 || c.JWKSURI != "" || (c.JWKS != nil && c.JWKS.Len() > 0)
}

// AllowsAudience reports whether every requested audience is either the
// issuer itself or on the client's audience allow-list.
func (c *Client) AllowsAudience(issuer string, audience []string) bool {
	allowed := make(map[string]struct{}, len(c.Audience)+1)
	allowed[issuer] = struct{}{}
	for _, a := range c.Audience {
		allowed[a] = struct{}{}
	}
	for _, a := range audience {
		if _, ok := allowed[a]; !ok {
			return false
		}
	}
	return true
}

// AllowsGrant reports whether the client may use the given grant type.
func (c *Client) AllowsGrant(grantType string) bool {
	if len(c.GrantTypes) == 0 {
		return grantType == GrantTypeAuthorizationCode || grantType == GrantTypeRefreshToken
	}
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// AllowsResponseType reports whether the client may use the response type.
func (c *Client) AllowsResponseType(responseType string) bool {
	if len(c.ResponseTypes) == 0 {
		return responseType == "code"
	}
	for _, r := range c.ResponseTypes {
		if r == responseType {
			return true
		}
	}
	return false
}

// AllowsScope reports whether every requested scope is on the allow-list.
// An empty allow-list permits nothing for client_credentials.
func (c *Client) AllowsScope(scope []string) bool {
	allowed := make(map[string]struct{}, len(c.Scope))
	for _, s := range c.Scope {
		allowed[s] = struct{}{}
	}
	for _, s := range scope {
		if _, ok := allowed[s]; !ok {
			return false
		}
	}
	return true
}

// AllowsOrigin reports whether the given browser origin may talk to the
// authorization endpoint on behalf of this client. An empty allow-list
// permits any origin.
func (c *Client) AllowsOrigin(origin string) bool {
	if len(c.Origins) == 0 {
		return true
	}
	for _, o := range c.Origins {
		if o == origin {
			return true
		}
	}
	return false
}

// RedirectURL resolves the effective redirect URI for a request. A provided
// URI must be on the allow-list. When none is provided the single registered
// URI is the default; zero or multiple registered URIs make the parameter
// mandatory.
func (c *Client) RedirectURL(requested string) (uri string, provided bool, err error) {
	if requested != "" {
		for _, r := range c.RedirectURIs {
			if r == requested {
				return requested, true, nil
			}
		}
		return "", false, NewError(ErrInvalidRequest, "The redirect_uri is not allowed for this client.")
	}
	if len(c.RedirectURIs) == 1 {
		return c.RedirectURIs[0], false, nil
	}
	return "", false, NewError(ErrInvalidRequest, "The redirect_uri parameter is required.")
}

// SectorID returns the sector used for pairwise subject derivation.
func (c *Client) SectorID() string {
	if c.SectorIdentifier != "" {
		return c.SectorIdentifier
	}
	return c.ID
}

// Keys returns the client's public keys, fetching the jwks_uri when one is
// registered.
func (c *Client) Keys(ctx context.Context) (jwk.Set, error) {
	if c.JWKS != nil && c.JWKS.Len() > 0 {
		return c.JWKS, nil
	}
	if c.JWKSURI != "" {
		return jose.FetchSet(ctx, c.JWKSURI)
	}
	return nil, fmt.Errorf("client %s has no registered keys", c.ID)
}

// SetJWKS parses and installs a static JWK set.
func (c *Client) SetJWKS(data []byte) error {
	set, err := jose.ParseSet(data)
	if err != nil {
		return err
	}
	c.JWKS = set
	return nil
}

// MarshalJSON omits the key set, which does not round-trip through JSON in
// a stable way.
func (c *Client) MarshalJSON() ([]byte, error) {
	type alias Client
	cp := alias(*c)
	cp.JWKS = nil
	return json.Marshal(cp)
}

// ClientStore resolves client identifiers to client capability objects.
type ClientStore interface {
	Client(ctx context.Context, id string) (*Client, error)
}

// StaticClients is a fixed in-memory client registry.
type StaticClients map[string]*Client

// Client implements ClientStore.
func (s StaticClients) Client(_ context.Context, id string) (*Client, error) {
	c, ok := s[id]
	if !ok {
		return nil, NewError(ErrInvalidClient, "Unknown client.")
	}
	return c, nil
}
