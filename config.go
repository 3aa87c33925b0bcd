package oauth

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds the authorization server configuration. The zero value is
// not usable; Issuer is required and everything else has a secure default.
type Config struct {
	// Issuer is the canonical https URL of this server, without a trailing
	// slash. It appears as iss in every token.
	Issuer string

	// LoginURL is where user agents go to authenticate. Empty disables the
	// login interaction exit; requests without a principal then fail with
	// login_required unless an upstream provider is configured.
	LoginURL string

	// ConsentURL is where user agents go to grant scopes. Empty disables
	// the consent interaction exit.
	ConsentURL string

	// RequestTTL bounds the lifetime of pushed and in-flight authorization
	// requests (default 10m).
	RequestTTL time.Duration

	// AccessTokenTTL is the default access token lifetime (default 10m).
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the default refresh token lifetime (default 720h).
	RefreshTokenTTL time.Duration

	// IDTokenTTL is the ID token lifetime (default 1h).
	IDTokenTTL time.Duration

	// MaxAssertionAge bounds how old a jwt-bearer assertion may be
	// (default 5m).
	MaxAssertionAge time.Duration

	// RequirePKCE rejects code exchanges whose authorization request
	// carried no code challenge.
	RequirePKCE bool

	// AllowPlainPKCE permits the plain code_challenge_method. Off by
	// default; S256 is always available.
	AllowPlainPKCE bool

	// RequirePAR forces all clients to push their authorization requests.
	RequirePAR bool

	// TrustedIssuers maps third-party jwt-bearer assertion issuers to
	// their jwks_uri.
	TrustedIssuers map[string]string

	// SessionEncryptionKey is the 32-byte key for session grant envelopes.
	// Empty disables the session grant.
	SessionEncryptionKey []byte

	// PairwiseSalt feeds pairwise subject identifier derivation. Empty
	// disables pairwise subjects.
	PairwiseSalt []byte

	// MetadataOverrides is merged over the generated discovery document.
	MetadataOverrides map[string]any

	// RateLimitRPS and RateLimitBurst bound per-address request rates on
	// the token and PAR endpoints. RPS <= 0 disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil {
		return fmt.Errorf("issuer is not a valid url: %w", err)
	}
	if u.Scheme != "https" && u.Hostname() != "localhost" && u.Hostname() != "127.0.0.1" {
		return fmt.Errorf("issuer must use https")
	}
	if strings.HasSuffix(c.Issuer, "/") {
		return fmt.Errorf("issuer must not end with a slash")
	}
	if len(c.SessionEncryptionKey) != 0 && len(c.SessionEncryptionKey) != 32 {
		return fmt.Errorf("session encryption key must be 32 bytes")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.RequestTTL <= 0 {
		c.RequestTTL = 10 * time.Minute
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = 10 * time.Minute
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.IDTokenTTL <= 0 {
		c.IDTokenTTL = time.Hour
	}
	if c.MaxAssertionAge <= 0 {
		c.MaxAssertionAge = 5 * time.Minute
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		c.RateLimitBurst = int(c.RateLimitRPS) + 1
	}
}
