// Package oauth is an OAuth 2.1 and OpenID Connect 1.0 authorization server
// library. The root package binds the protocol engine to HTTP; the engine
// itself lives in the server subpackage.
package oauth

import "github.com/authgrid/oauth/server"

// Re-exported engine types, so embedders configuring the server rarely need
// the subpackages.
type (
	// Error is a protocol error destined for the client.
	Error = server.Error

	// Client is a registered OAuth client.
	Client = server.Client

	// Principal is the authenticated end user attached to an authorization
	// request.
	Principal = server.Principal

	// TokenResponse is the token endpoint success body.
	TokenResponse = server.TokenResponse

	// StaticClients is a fixed in-memory client registry.
	StaticClients = server.StaticClients

	// Subject is a resource owner known to the server.
	Subject = server.Subject
)

// ServerMetadata is the OAuth 2.1 / OIDC discovery document.
type ServerMetadata struct {
	Issuer                        string   `json:"issuer"`
	AuthorizationEndpoint         string   `json:"authorization_endpoint"`
	TokenEndpoint                 string   `json:"token_endpoint"`
	PushedAuthorizationEndpoint   string   `json:"pushed_authorization_request_endpoint"`
	JWKSURI                       string   `json:"jwks_uri"`
	ResponseTypesSupported        []string `json:"response_types_supported"`
	ResponseModesSupported        []string `json:"response_modes_supported"`
	GrantTypesSupported           []string `json:"grant_types_supported"`
	TokenEndpointAuthMethods      []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported"`
	IDTokenSigningAlgsSupported   []string `json:"id_token_signing_alg_values_supported"`
	SubjectTypesSupported         []string `json:"subject_types_supported"`
	ScopesSupported               []string `json:"scopes_supported,omitempty"`
	RequestParameterSupported     bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported  bool     `json:"request_uri_parameter_supported"`
	RequirePushedAuthorization    bool     `json:"require_pushed_authorization_requests"`
	ClaimsParameterSupported      bool     `json:"claims_parameter_supported"`
	AuthorizationResponseIss      bool     `json:"authorization_response_iss_parameter_supported"`
}

// ErrorResponse is the JSON error body rendered in client mode.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// PushedAuthorizationResponse is the PAR endpoint success body.
type PushedAuthorizationResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int64  `json:"expires_in"`
}
