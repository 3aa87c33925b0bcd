// Package providers implements delegation of end-user authentication to
// upstream OAuth 2.0 / OIDC identity providers.
package providers
