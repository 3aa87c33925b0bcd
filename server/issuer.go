package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/authgrid/oauth/instrumentation"
	"github.com/authgrid/oauth/jose"
	"github.com/authgrid/oauth/oidc"
	"github.com/authgrid/oauth/security"
	"github.com/authgrid/oauth/storage"
)

// assertionSkew is the clock skew tolerated when validating jwt-bearer
// assertion timestamps.
const assertionSkew = 30 * time.Second

// TokenRequest is one authenticated token endpoint invocation.
type TokenRequest struct {
	Client *Client
	Grant  Grant
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	State        string `json:"state,omitempty"`
}

// Issuer dispatches token requests on their grant type and mints the
// resulting tokens.
type Issuer struct {
	issuer          string
	store           storage.Store
	subjects        SubjectStore
	keychain        *jose.Keychain
	codec           *jose.Codec
	claims          *oidc.Builder
	audit           *security.Auditor
	metrics         *instrumentation.Instrumentation
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	idTokenTTL      time.Duration
	maxAssertionAge time.Duration
	trustedIssuers  map[string]string
	requirePKCE     bool
	allowPlainPKCE  bool
	logger          *slog.Logger
	now             func() time.Time
}

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	Issuer   string
	Store    storage.Store
	Subjects SubjectStore
	Keychain *jose.Keychain
	Codec    *jose.Codec
	Claims   *oidc.Builder
	Audit    *security.Auditor
	Metrics  *instrumentation.Instrumentation

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration
	MaxAssertionAge time.Duration

	// TrustedIssuers maps third-party assertion issuers to their jwks_uri.
	TrustedIssuers map[string]string

	RequirePKCE    bool
	AllowPlainPKCE bool

	Logger *slog.Logger
	Now    func() time.Time
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg IssuerConfig) *Issuer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Metrics == nil {
		cfg.Metrics = instrumentation.Noop()
	}
	if cfg.Audit == nil {
		cfg.Audit = security.NewAuditor(cfg.Logger)
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 10 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.IDTokenTTL <= 0 {
		cfg.IDTokenTTL = time.Hour
	}
	if cfg.MaxAssertionAge <= 0 {
		cfg.MaxAssertionAge = 5 * time.Minute
	}
	return &Issuer{
		issuer:          cfg.Issuer,
		store:           cfg.Store,
		subjects:        cfg.Subjects,
		keychain:        cfg.Keychain,
		codec:           cfg.Codec,
		claims:          cfg.Claims,
		audit:           cfg.Audit,
		metrics:         cfg.Metrics,
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
		idTokenTTL:      cfg.IDTokenTTL,
		maxAssertionAge: cfg.MaxAssertionAge,
		trustedIssuers:  cfg.TrustedIssuers,
		requirePKCE:     cfg.RequirePKCE,
		allowPlainPKCE:  cfg.AllowPlainPKCE,
		logger:          cfg.Logger,
		now:             cfg.Now,
	}
}

// Issue dispatches on the concrete grant type. A grant the dispatcher has
// no arm for fails as a fatal invalid_grant naming the requested type.
func (i *Issuer) Issue(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	var (
		resp *TokenResponse
		err  error
	)
	switch g := req.Grant.(type) {
	case AuthorizationCodeGrant:
		resp, err = i.issueAuthorizationCode(ctx, req.Client, g)
	case RefreshTokenGrant:
		resp, err = i.issueRefreshToken(ctx, req.Client, g)
	case ClientCredentialsGrant:
		resp, err = i.issueClientCredentials(ctx, req.Client, g)
	case JWTBearerGrant:
		resp, err = i.issueJWTBearer(ctx, req.Client, g)
	case SessionGrant:
		resp, err = i.issueSession(ctx, req.Client, g)
	default:
		return nil, NewError(ErrInvalidGrant, "The grant type %q is not implemented by this server.", req.Grant.grantType())
	}
	if err != nil {
		return nil, err
	}
	i.metrics.TokenIssued(ctx, req.Grant.grantType())
	return resp, nil
}

func (i *Issuer) issueAuthorizationCode(ctx context.Context, client *Client, g AuthorizationCodeGrant) (*TokenResponse, error) {
	req, err := i.store.ConsumeAuthorizationCode(ctx, g.Code)
	if err != nil {
		if errors.Is(err, storage.ErrConsumed) || errors.Is(err, storage.ErrNotFound) {
			i.audit.ReplayDetected(ctx, "authorization_code", client.ID)
			i.metrics.ReplayDetected(ctx, "authorization_code")
			return nil, NewError(ErrInvalidGrant, "The authorization code is invalid or was already used.")
		}
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	defer func() {
		if derr := i.store.DeleteAuthorizationRequest(ctx, req.RequestID); derr != nil {
			i.logger.Warn("Failed to delete redeemed authorization request",
				"request_id", req.RequestID, "error", derr)
		}
	}()

	if req.ClientID != client.ID {
		return nil, NewError(ErrInvalidGrant, "The authorization code was issued to another client.")
	}
	if req.RedirectURIProvided || g.RedirectURI != "" {
		if g.RedirectURI != req.RedirectURI {
			return nil, NewError(ErrInvalidGrant, "The redirect_uri does not match the authorization request.")
		}
	}
	if err := i.verifyPKCE(req, g.CodeVerifier); err != nil {
		return nil, err
	}
	if !req.IsAuthenticated() {
		return nil, fmt.Errorf("consumed code %s for request %s without a subject", g.Code, req.RequestID)
	}

	authz, err := i.store.Authorization(ctx, storage.AuthorizationID{
		ClientID: client.ID,
		Subject:  req.Subject,
	})
	if err != nil {
		// A code only exists after the flow persisted the authorization, so
		// absence here is corrupted state, not a client mistake.
		return nil, fmt.Errorf("authorization missing for consumed code of client %s: %w", client.ID, err)
	}

	resource := g.Resource
	if len(resource) == 0 {
		resource = req.Resource
	}
	audience, err := i.resolveAudience(client, resource)
	if err != nil {
		return nil, err
	}

	accessToken, err := i.mintAccessToken(client, req.Subject, req.Scope, audience)
	if err != nil {
		return nil, err
	}
	resp := &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.accessTTL(client) / time.Second),
		Scope:       strings.Join(req.Scope, " "),
		State:       req.State,
	}

	if req.WantsRefreshToken() && authz.RefreshAllowed {
		refreshToken, err := i.createRefreshToken(ctx, client, authz, req.Scope)
		if err != nil {
			return nil, err
		}
		resp.RefreshToken = refreshToken
	}

	if req.IsOpenID() {
		extra, err := i.hashClaims(g.Code, accessToken)
		if err != nil {
			return nil, err
		}
		idToken, err := i.mintIDToken(ctx, client, oidc.Request{
			ClientID: client.ID,
			Subject:  req.Subject,
			Scope:    activeScope(req.Scope),
			Nonce:    req.Nonce,
			AuthTime: req.AuthTime,
			Sector:   client.SectorID(),
			Pairwise: client.SubjectType == SubjectTypePairwise,
			Claims:   req.Claims,
		}, extra)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	i.audit.TokenIssued(ctx, client.ID, GrantTypeAuthorizationCode, req.Subject)
	return resp, nil
}

func (i *Issuer) issueRefreshToken(ctx context.Context, client *Client, g RefreshTokenGrant) (*TokenResponse, error) {
	token, err := i.codec.Decode([]byte(g.RefreshToken), jose.TypeRefreshToken)
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "The refresh token is not valid.")
	}
	clientID, _ := token.Get("client_id")
	authorizationID, _ := token.Get("authorization_id")
	id := storage.RefreshTokenID{
		ClientID:        asString(clientID),
		AuthorizationID: asString(authorizationID),
		TokenID:         token.JwtID(),
	}
	if id.ClientID != client.ID {
		return nil, NewError(ErrInvalidGrant, "The refresh token was issued to another client.")
	}

	rt, err := i.store.RefreshToken(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			i.audit.ReplayDetected(ctx, "refresh_token", client.ID)
			i.metrics.ReplayDetected(ctx, "refresh_token")
			return nil, NewError(ErrInvalidGrant, "The refresh token is no longer valid.")
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}

	scope := g.Scope
	if len(scope) == 0 {
		scope = rt.Scope
	} else if !rt.AllowsScope(scope) {
		return nil, NewError(ErrInvalidScope, "The requested scope exceeds the scope of the refresh token.")
	}
	audience, err := i.resolveAudience(client, g.Resource)
	if err != nil {
		return nil, err
	}

	now := i.now()
	next := &storage.RefreshToken{
		AuthorizationID: rt.AuthorizationID,
		TokenID:         uuid.NewString(),
		ClientID:        client.ID,
		Subject:         rt.Subject,
		Scope:           rt.Scope,
		CreatedAt:       now,
		ExpiresAt:       now.Add(i.refreshTTL(client)),
	}
	if err := i.store.RotateRefreshToken(ctx, id, next); err != nil {
		if errors.Is(err, storage.ErrConsumed) {
			i.audit.ReplayDetected(ctx, "refresh_token", client.ID)
			i.metrics.ReplayDetected(ctx, "refresh_token")
			return nil, NewError(ErrInvalidGrant, "The refresh token is no longer valid.")
		}
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	accessToken, err := i.mintAccessToken(client, rt.Subject, scope, audience)
	if err != nil {
		return nil, err
	}
	refreshToken, err := i.encodeRefreshToken(next)
	if err != nil {
		return nil, err
	}
	resp := &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(i.accessTTL(client) / time.Second),
		RefreshToken: refreshToken,
		Scope:        strings.Join(scope, " "),
	}

	if containsScope(scope, "openid") {
		extra, err := i.hashClaims("", accessToken)
		if err != nil {
			return nil, err
		}
		idToken, err := i.mintIDToken(ctx, client, oidc.Request{
			ClientID: client.ID,
			Subject:  rt.Subject,
			Scope:    scope,
			Sector:   client.SectorID(),
			Pairwise: client.SubjectType == SubjectTypePairwise,
		}, extra)
		if err != nil {
			return nil, err
		}
		resp.IDToken = idToken
	}

	i.audit.TokenIssued(ctx, client.ID, GrantTypeRefreshToken, rt.Subject)
	return resp, nil
}

func (i *Issuer) issueClientCredentials(ctx context.Context, client *Client, g ClientCredentialsGrant) (*TokenResponse, error) {
	if !client.AllowsGrant(GrantTypeClientCredentials) {
		return nil, NewError(ErrUnauthorizedClient, "The client may not use the client_credentials grant.")
	}
	if !client.IsConfidential() {
		return nil, NewError(ErrUnauthorizedClient, "Public clients may not use the client_credentials grant.")
	}
	if !client.AllowsScope(g.Scope) {
		return nil, NewError(ErrInvalidScope, "The requested scope is not allowed for this client.")
	}
	if len(g.Resource) > 1 && !client.MultipleAudiences {
		return nil, NewError(ErrInvalidGrant, "The client may not obtain a token for multiple resources.")
	}
	audience, err := i.resolveAudience(client, g.Resource)
	if err != nil {
		return nil, err
	}

	// The client acts as its own subject.
	accessToken, err := i.mintAccessToken(client, client.ID, g.Scope, audience)
	if err != nil {
		return nil, err
	}
	i.audit.TokenIssued(ctx, client.ID, GrantTypeClientCredentials, client.ID)
	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.accessTTL(client) / time.Second),
		Scope:       strings.Join(g.Scope, " "),
	}, nil
}

func (i *Issuer) issueJWTBearer(ctx context.Context, client *Client, g JWTBearerGrant) (*TokenResponse, error) {
	if !client.AllowsGrant(GrantTypeJWTBearer) {
		return nil, NewError(ErrUnauthorizedClient, "The client may not use the jwt-bearer grant.")
	}

	data := []byte(g.Assertion)
	peeked, err := jose.ParseInsecure(data)
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "The assertion is malformed.")
	}
	keys, err := i.assertionKeys(ctx, peeked.Issuer(), peeked.Subject())
	if err != nil {
		return nil, err
	}
	codec := jose.NewCodec(jose.WithVerifier(keys))
	token, err := codec.Decode(data)
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "The assertion signature is not valid.")
	}

	if err := i.validateAssertion(token); err != nil {
		return nil, err
	}
	if err := i.store.ConsumeAssertion(ctx, token.JwtID(), token.Expiration()); err != nil {
		if errors.Is(err, storage.ErrConsumed) {
			i.audit.ReplayDetected(ctx, "assertion", client.ID)
			i.metrics.ReplayDetected(ctx, "assertion")
			return nil, ErrAssertionReplayed
		}
		return nil, fmt.Errorf("failed to consume assertion: %w", err)
	}

	subject := token.Subject()
	if _, err := i.subjects.Subject(ctx, subject); err != nil {
		if errors.Is(err, ErrSubjectNotFound) {
			return nil, NewError(ErrInvalidGrant, "The assertion subject is not known.")
		}
		return nil, fmt.Errorf("failed to resolve assertion subject: %w", err)
	}
	if !client.AllowsScope(g.Scope) {
		return nil, NewError(ErrInvalidScope, "The requested scope is not allowed for this client.")
	}
	audience, err := i.resolveAudience(client, g.Resource)
	if err != nil {
		return nil, err
	}

	accessToken, err := i.mintAccessToken(client, subject, g.Scope, audience)
	if err != nil {
		return nil, err
	}
	i.audit.TokenIssued(ctx, client.ID, GrantTypeJWTBearer, subject)
	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.accessTTL(client) / time.Second),
		Scope:       strings.Join(g.Scope, " "),
	}, nil
}

// issueSession exchanges an encrypted session for tokens. Every defect in
// the presented session maps to the same error so the endpoint leaks
// nothing about why a forged or expired session failed.
func (i *Issuer) issueSession(ctx context.Context, client *Client, g SessionGrant) (*TokenResponse, error) {
	if !client.AllowsGrant(GrantTypeSession) {
		return nil, NewError(ErrUnauthorizedClient, "The client may not use the session grant.")
	}

	token, err := i.codec.DecodeEncrypted([]byte(g.Session), jose.TypeSession)
	if err != nil {
		return nil, errSessionGrant
	}
	if err := jwt.Validate(token, jwt.WithClock(jwt.ClockFunc(i.now)), jwt.WithAcceptableSkew(assertionSkew)); err != nil {
		return nil, errSessionGrant
	}
	subject := token.Subject()
	if subject == "" {
		return nil, errSessionGrant
	}

	if _, err := i.subjects.Subject(ctx, subject); err != nil {
		if !errors.Is(err, ErrSubjectNotFound) {
			return nil, fmt.Errorf("failed to resolve session subject: %w", err)
		}
		// First sight of this subject through a session: onboard it.
		email, _ := token.Get("email")
		if oerr := i.subjects.Onboard(ctx, &Subject{ID: subject, Email: asString(email)}); oerr != nil {
			return nil, fmt.Errorf("failed to onboard session subject: %w", oerr)
		}
	}
	if !client.AllowsScope(g.Scope) {
		return nil, NewError(ErrInvalidScope, "The requested scope is not allowed for this client.")
	}
	audience, err := i.resolveAudience(client, g.Resource)
	if err != nil {
		return nil, err
	}

	accessToken, err := i.mintAccessToken(client, subject, g.Scope, audience)
	if err != nil {
		return nil, err
	}
	i.audit.TokenIssued(ctx, client.ID, GrantTypeSession, subject)
	return &TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(i.accessTTL(client) / time.Second),
		Scope:       strings.Join(g.Scope, " "),
	}, nil
}

// resolveAudience applies the audience default: a request naming no
// resource gets a token for the authorization server itself. Every
// resulting audience must be allowed for the client.
func (i *Issuer) resolveAudience(client *Client, resource []string) ([]string, error) {
	audience := resource
	if len(audience) == 0 {
		audience = []string{i.issuer}
	}
	if !client.AllowsAudience(i.issuer, audience) {
		return nil, NewError(ErrInvalidTarget, "The client may not obtain tokens for the requested resource.")
	}
	return audience, nil
}

func (i *Issuer) verifyPKCE(req *storage.AuthorizationRequest, verifier string) error {
	if req.CodeChallenge == "" {
		if i.requirePKCE {
			return NewError(ErrInvalidGrant, "The authorization request carried no code challenge.")
		}
		return nil
	}
	if verifier == "" {
		return NewError(ErrInvalidGrant, "The code_verifier parameter is required.")
	}
	switch req.CodeChallengeMethod {
	case "S256", "":
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(computed), []byte(req.CodeChallenge)) != 1 {
			return NewError(ErrInvalidGrant, "The code_verifier does not match the challenge.")
		}
	case "plain":
		if !i.allowPlainPKCE {
			return NewError(ErrInvalidGrant, "The plain code_challenge_method is not allowed.")
		}
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(req.CodeChallenge)) != 1 {
			return NewError(ErrInvalidGrant, "The code_verifier does not match the challenge.")
		}
	default:
		return NewError(ErrInvalidGrant, "Unsupported code_challenge_method %q.", req.CodeChallengeMethod)
	}
	return nil
}

// assertionKeys resolves the key set an assertion must verify against. A
// self-signed assertion, issuer equal to subject, verifies against the
// subject's self-registered keys; anything else must come from a trusted
// third-party issuer.
func (i *Issuer) assertionKeys(ctx context.Context, issuer, subject string) (jwk.Set, error) {
	switch {
	case issuer != "" && issuer == subject:
		sub, err := i.subjects.Subject(ctx, issuer)
		if err != nil {
			if errors.Is(err, ErrSubjectNotFound) {
				return nil, NewError(ErrInvalidGrant, "The assertion issuer is not trusted.")
			}
			return nil, fmt.Errorf("failed to resolve assertion subject %s: %w", issuer, err)
		}
		if sub.JWKS == nil || sub.JWKS.Len() == 0 {
			return nil, NewError(ErrInvalidGrant, "The subject has no self-registered assertion keys.")
		}
		return sub.JWKS, nil
	case i.trustedIssuers[issuer] != "":
		keys, err := jose.FetchSet(ctx, i.trustedIssuers[issuer])
		if err != nil {
			return nil, fmt.Errorf("failed to fetch keys of trusted issuer %s: %w", issuer, err)
		}
		return keys, nil
	default:
		return nil, NewError(ErrInvalidGrant, "The assertion issuer is not trusted.")
	}
}

func (i *Issuer) validateAssertion(token jwt.Token) error {
	now := i.now()
	if err := jwt.Validate(token,
		jwt.WithClock(jwt.ClockFunc(i.now)),
		jwt.WithAcceptableSkew(assertionSkew),
		jwt.WithRequiredClaim("iat"),
		jwt.WithRequiredClaim("nbf"),
		jwt.WithRequiredClaim("exp"),
	); err != nil {
		return NewError(ErrInvalidGrant, "The assertion timestamps are not valid.")
	}
	tokenEndpoint := i.issuer + "/token"
	if !audienceContains(token.Audience(), tokenEndpoint) && !audienceContains(token.Audience(), i.issuer) {
		return NewError(ErrInvalidGrant, "The assertion is not addressed to this server.")
	}
	if token.Subject() == "" {
		return NewError(ErrInvalidGrant, "The assertion names no subject.")
	}
	if token.JwtID() == "" {
		return NewError(ErrInvalidGrant, "The assertion carries no jti.")
	}
	if now.Sub(token.IssuedAt()) > i.maxAssertionAge {
		return NewError(ErrInvalidGrant, "The assertion is too old.")
	}
	return nil
}

func (i *Issuer) mintAccessToken(client *Client, subject string, scope, audience []string) (string, error) {
	now := i.now()
	builder := jwt.NewBuilder().
		Issuer(i.issuer).
		Subject(subject).
		Audience(audience).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(i.accessTTL(client))).
		JwtID(uuid.NewString()).
		Claim("client_id", client.ID)
	if len(scope) > 0 {
		builder = builder.Claim("scope", strings.Join(scope, " "))
	}
	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build access token: %w", err)
	}
	data, err := i.codec.Encode(token, jose.TypeAccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return string(data), nil
}

func (i *Issuer) createRefreshToken(ctx context.Context, client *Client, authz *storage.Authorization, scope []string) (string, error) {
	now := i.now()
	rt := &storage.RefreshToken{
		AuthorizationID: authz.ID,
		TokenID:         uuid.NewString(),
		ClientID:        client.ID,
		Subject:         authz.Subject,
		Scope:           scope,
		CreatedAt:       now,
		ExpiresAt:       now.Add(i.refreshTTL(client)),
	}
	if err := i.store.SaveRefreshToken(ctx, rt); err != nil {
		return "", fmt.Errorf("failed to persist refresh token: %w", err)
	}
	return i.encodeRefreshToken(rt)
}

// encodeRefreshToken wraps the storage identity of a refresh token in a
// signed JWT. The token is opaque to clients; the server parses it back
// into a storage key on redemption.
func (i *Issuer) encodeRefreshToken(rt *storage.RefreshToken) (string, error) {
	token, err := jwt.NewBuilder().
		Issuer(i.issuer).
		IssuedAt(rt.CreatedAt).
		NotBefore(rt.CreatedAt).
		Expiration(rt.ExpiresAt).
		JwtID(rt.TokenID).
		Claim("client_id", rt.ClientID).
		Claim("authorization_id", rt.AuthorizationID).
		Build()
	if err != nil {
		return "", fmt.Errorf("failed to build refresh token: %w", err)
	}
	data, err := i.codec.Encode(token, jose.TypeRefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to sign refresh token: %w", err)
	}
	return string(data), nil
}

func (i *Issuer) mintIDToken(ctx context.Context, client *Client, req oidc.Request, extra map[string]any) (string, error) {
	claims, err := i.claims.Build(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to build id token claims: %w", err)
	}

	now := i.now()
	builder := jwt.NewBuilder().
		Issuer(i.issuer).
		Audience([]string{client.ID}).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(i.idTokenTTL)).
		JwtID(uuid.NewString())
	for k, v := range client.IDTokenClaims {
		builder = builder.Claim(k, v)
	}
	for k, v := range claims {
		builder = builder.Claim(k, v)
	}
	for k, v := range extra {
		builder = builder.Claim(k, v)
	}
	token, err := builder.Build()
	if err != nil {
		return "", fmt.Errorf("failed to build id token: %w", err)
	}
	data, err := i.codec.Encode(token, jose.TypeJWT)
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return string(data), nil
}

// hashClaims computes the c_hash and at_hash binding claims under the ID
// token signing algorithm.
func (i *Issuer) hashClaims(code, accessToken string) (map[string]any, error) {
	alg, err := i.keychain.Algorithm()
	if err != nil {
		return nil, err
	}
	extra := make(map[string]any, 2)
	if code != "" {
		h, err := oidc.TokenHash(alg, code)
		if err != nil {
			return nil, err
		}
		extra["c_hash"] = h
	}
	if accessToken != "" {
		h, err := oidc.TokenHash(alg, accessToken)
		if err != nil {
			return nil, err
		}
		extra["at_hash"] = h
	}
	return extra, nil
}

func (i *Issuer) accessTTL(client *Client) time.Duration {
	if client.AccessTokenTTL > 0 {
		return client.AccessTokenTTL
	}
	return i.accessTokenTTL
}

func (i *Issuer) refreshTTL(client *Client) time.Duration {
	if client.RefreshTokenTTL > 0 {
		return client.RefreshTokenTTL
	}
	return i.refreshTokenTTL
}

func containsScope(scope []string, want string) bool {
	for _, s := range scope {
		if s == want {
			return true
		}
	}
	return false
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
