package server

import (
	"net/url"
	"strings"
)

// Grant type identifiers accepted at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	GrantTypeSession           = "session"
)

// Grant is one of the concrete grant types. The token issuer dispatches on
// the dynamic type; there is no behavior on the union itself.
type Grant interface {
	grantType() string
}

// AuthorizationCodeGrant redeems a single-use authorization code.
type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
	Resource     []string
}

// RefreshTokenGrant rotates a refresh token and mints a new access token.
type RefreshTokenGrant struct {
	RefreshToken string
	Scope        []string
	Resource     []string
}

// ClientCredentialsGrant mints a token for the client acting as itself.
type ClientCredentialsGrant struct {
	Scope    []string
	Resource []string
}

// JWTBearerGrant exchanges a signed assertion for an access token.
type JWTBearerGrant struct {
	Assertion string
	Scope     []string
	Resource  []string
}

// SessionGrant exchanges an encrypted session token for an access token.
type SessionGrant struct {
	Session  string
	Scope    []string
	Resource []string
}

func (AuthorizationCodeGrant) grantType() string { return GrantTypeAuthorizationCode }
func (RefreshTokenGrant) grantType() string      { return GrantTypeRefreshToken }
func (ClientCredentialsGrant) grantType() string { return GrantTypeClientCredentials }
func (JWTBearerGrant) grantType() string         { return GrantTypeJWTBearer }
func (SessionGrant) grantType() string           { return GrantTypeSession }

// ParseGrant maps token endpoint form parameters to a concrete grant.
func ParseGrant(form url.Values) (Grant, error) {
	scope := splitScope(form.Get("scope"))
	resource := form["resource"]

	switch gt := form.Get("grant_type"); gt {
	case GrantTypeAuthorizationCode:
		if form.Get("code") == "" {
			return nil, NewError(ErrInvalidRequest, "The code parameter is required.")
		}
		return AuthorizationCodeGrant{
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
			Resource:     resource,
		}, nil
	case GrantTypeRefreshToken:
		if form.Get("refresh_token") == "" {
			return nil, NewError(ErrInvalidRequest, "The refresh_token parameter is required.")
		}
		return RefreshTokenGrant{
			RefreshToken: form.Get("refresh_token"),
			Scope:        scope,
			Resource:     resource,
		}, nil
	case GrantTypeClientCredentials:
		return ClientCredentialsGrant{Scope: scope, Resource: resource}, nil
	case GrantTypeJWTBearer:
		if form.Get("assertion") == "" {
			return nil, NewError(ErrInvalidRequest, "The assertion parameter is required.")
		}
		return JWTBearerGrant{
			Assertion: form.Get("assertion"),
			Scope:     scope,
			Resource:  resource,
		}, nil
	case GrantTypeSession:
		if form.Get("session") == "" {
			return nil, NewError(ErrInvalidRequest, "The session parameter is required.")
		}
		return SessionGrant{
			Session:  form.Get("session"),
			Scope:    scope,
			Resource: resource,
		}, nil
	case "":
		return nil, NewError(ErrInvalidRequest, "The grant_type parameter is required.")
	default:
		return nil, NewError(ErrUnsupportedGrantType, "Unsupported grant_type %q.", gt)
	}
}

func splitScope(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
