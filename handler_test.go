package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/authgrid/oauth/internal/testutil"
	"github.com/authgrid/oauth/jose"
	"github.com/authgrid/oauth/oidc"
	"github.com/authgrid/oauth/providers"
	"github.com/authgrid/oauth/server"
)

const testIssuer = "https://auth.example"

// headerPrincipals resolves the end user from a test header.
type headerPrincipals struct{}

func (headerPrincipals) Principal(r *http.Request) (*Principal, error) {
	sub := r.Header.Get("X-Subject")
	if sub == "" {
		return nil, nil
	}
	return &Principal{Subject: sub, AuthTime: time.Now().Unix()}, nil
}

func testClient(t *testing.T) *Client {
	t.Helper()
	hash, err := server.HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	return &Client{
		ID:           "web-1",
		SecretHash:   hash,
		RedirectURIs: []string{"https://app.example/cb"},
		Scope:        []string{"openid", "email", "api"},
		FirstParty:   true,
		GrantTypes: []string{
			server.GrantTypeAuthorizationCode,
			server.GrantTypeRefreshToken,
			server.GrantTypeClientCredentials,
			server.GrantTypeSession,
		},
	}
}

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, http.Handler) {
	t.Helper()
	if cfg.Issuer == "" {
		cfg.Issuer = testIssuer
	}
	subjects := server.NewMemorySubjects(&Subject{ID: "sub-1", Email: "alice@example.com"})
	base := []Option{
		WithClients(StaticClients{"web-1": testClient(t)}),
		WithSubjects(subjects),
		WithClaimsHandlers(oidc.EmailHandler{Source: subjects}),
		WithPrincipalResolver(headerPrincipals{}),
	}
	srv, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv, srv.Handler()
}

func postForm(handler http.Handler, path string, form url.Values, authenticate bool) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if authenticate {
		r.SetBasicAuth("web-1", "s3cret")
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestAuthorizationCodeFlowEndToEnd(t *testing.T) {
	srv, handler := newTestServer(t, Config{})
	verifier, challenge := testutil.PKCEPair(t)

	// Push the authorization request.
	w := postForm(handler, PARPath, url.Values{
		"response_type":         {"code"},
		"redirect_uri":          {"https://app.example/cb"},
		"scope":                 {"openid email"},
		"state":                 {"st-1"},
		"nonce":                 {"n-1"},
		"access_type":           {"offline"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}, true)
	if w.Code != http.StatusCreated {
		t.Fatalf("PAR status = %d, body %s", w.Code, w.Body.String())
	}
	pushed := decodeBody[PushedAuthorizationResponse](t, w)
	if !strings.HasPrefix(pushed.RequestURI, server.RequestURIPrefix) {
		t.Fatalf("request_uri = %q", pushed.RequestURI)
	}

	// Authorize as a logged-in first-party user.
	r := httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+url.Values{
		"client_id":   {"web-1"},
		"request_uri": {pushed.RequestURI},
	}.Encode(), nil)
	r.Header.Set("X-Subject", "sub-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, r)
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("authorize status = %d, body %s", rec.Code, rec.Body.String())
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	if location.Host != "app.example" {
		t.Fatalf("redirected to %q", location)
	}
	code := location.Query().Get("code")
	if code == "" || location.Query().Get("state") != "st-1" || location.Query().Get("iss") != testIssuer {
		t.Fatalf("redirect query = %q", location.RawQuery)
	}

	// Redeem the code.
	w = postForm(handler, TokenPath, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example/cb"},
		"code_verifier": {verifier},
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	tokens := decodeBody[TokenResponse](t, w)
	if tokens.AccessToken == "" || tokens.RefreshToken == "" || tokens.IDToken == "" {
		t.Fatalf("incomplete token response: %+v", tokens)
	}

	idToken, err := srv.Codec().Decode([]byte(tokens.IDToken), jose.TypeJWT)
	if err != nil {
		t.Fatalf("decoding id token: %v", err)
	}
	if idToken.Subject() != "sub-1" {
		t.Errorf("id token sub = %q", idToken.Subject())
	}
	if len(idToken.Audience()) != 1 || idToken.Audience()[0] != "web-1" {
		t.Errorf("id token aud = %v", idToken.Audience())
	}
	if nonce, _ := idToken.Get("nonce"); nonce != "n-1" {
		t.Errorf("id token nonce = %v", nonce)
	}
	if email, _ := idToken.Get("email"); email != "alice@example.com" {
		t.Errorf("id token email = %v", email)
	}
	wantCHash, _ := oidc.TokenHash(jwa.ES256, code)
	if cHash, _ := idToken.Get("c_hash"); cHash != wantCHash {
		t.Errorf("c_hash = %v, want %v", cHash, wantCHash)
	}

	// Rotate the refresh token.
	w = postForm(handler, TokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body %s", w.Code, w.Body.String())
	}
	refreshed := decodeBody[TokenResponse](t, w)
	if refreshed.RefreshToken == "" || refreshed.RefreshToken == tokens.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// The superseded token is dead.
	w = postForm(handler, TokenPath, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("replayed refresh status = %d", w.Code)
	}
	if e := decodeBody[ErrorResponse](t, w); e.Error != "invalid_grant" {
		t.Errorf("replayed refresh error = %q", e.Error)
	}
}

func TestSessionGrantEndToEnd(t *testing.T) {
	key := make([]byte, 32)
	srv, handler := newTestServer(t, Config{SessionEncryptionKey: key})

	now := time.Now()
	token, err := jwt.NewBuilder().
		Issuer(testIssuer).
		Subject("sub-1").
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Build()
	if err != nil {
		t.Fatalf("building session: %v", err)
	}
	session, err := srv.Codec().EncodeEncrypted(token, jose.TypeSession)
	if err != nil {
		t.Fatalf("encrypting session: %v", err)
	}

	w := postForm(handler, TokenPath, url.Values{
		"grant_type": {"session"},
		"session":    {string(session)},
		"scope":      {"api"},
	}, true)
	if w.Code != http.StatusOK {
		t.Fatalf("session token status = %d, body %s", w.Code, w.Body.String())
	}

	w = postForm(handler, TokenPath, url.Values{
		"grant_type": {"session"},
		"session":    {"garbage"},
	}, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("forged session status = %d", w.Code)
	}
	if e := decodeBody[ErrorResponse](t, w); e.Error != "invalid_grant" {
		t.Errorf("forged session error = %q", e.Error)
	}
}

func TestClientAuthentication(t *testing.T) {
	_, handler := newTestServer(t, Config{})
	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"api"}}

	tests := []struct {
		name     string
		id       string
		secret   string
		wantCode int
	}{
		{"basic auth", "web-1", "s3cret", http.StatusOK},
		{"wrong secret", "web-1", "nope", http.StatusUnauthorized},
		{"missing secret", "web-1", "", http.StatusUnauthorized},
		{"unknown client", "ghost", "s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(form.Encode()))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			r.SetBasicAuth(tt.id, tt.secret)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, r)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			if tt.wantCode == http.StatusUnauthorized {
				if w.Header().Get("WWW-Authenticate") == "" {
					t.Error("401 without WWW-Authenticate")
				}
				if e := decodeBody[ErrorResponse](t, w); e.Error != "invalid_client" {
					t.Errorf("error = %q, want invalid_client", e.Error)
				}
			}
		})
	}
}

func TestClientAuthenticationFormPost(t *testing.T) {
	_, handler := newTestServer(t, Config{})
	w := postForm(handler, TokenPath, url.Values{
		"grant_type":    {"client_credentials"},
		"scope":         {"api"},
		"client_id":     {"web-1"},
		"client_secret": {"s3cret"},
	}, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestAuthorizeErrorRendering(t *testing.T) {
	_, handler := newTestServer(t, Config{})

	// An unknown redirect_uri never carries an error back to the client.
	r := httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+url.Values{
		"client_id":     {"web-1"},
		"response_type": {"code"},
		"redirect_uri":  {"https://evil.example/cb"},
	}.Encode(), nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad redirect status = %d", w.Code)
	}
	if e := decodeBody[ErrorResponse](t, w); e.Error != "invalid_request" {
		t.Errorf("bad redirect error = %q", e.Error)
	}

	// A refused response type travels back on the validated redirect URI.
	r = httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+url.Values{
		"client_id":     {"web-1"},
		"response_type": {"token"},
		"redirect_uri":  {"https://app.example/cb"},
		"state":         {"st-9"},
	}.Encode(), nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("unsupported response type status = %d", w.Code)
	}
	location, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	if location.Host != "app.example" {
		t.Errorf("error redirected to %q", location)
	}
	q := location.Query()
	if q.Get("error") != "unsupported_response_type" || q.Get("state") != "st-9" {
		t.Errorf("error redirect query = %q", location.RawQuery)
	}
}

func TestAuthorizeOriginCheck(t *testing.T) {
	client := func(t *testing.T) *Client {
		c := testClient(t)
		c.Origins = []string{"https://app.example"}
		return c
	}
	_, handler := newTestServer(t, Config{}, WithClients(StaticClients{"web-1": client(t)}))

	r := httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+url.Values{
		"client_id":     {"web-1"},
		"response_type": {"code"},
		"redirect_uri":  {"https://app.example/cb"},
	}.Encode(), nil)
	r.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("status = %d", w.Code)
	}
	location, _ := url.Parse(w.Header().Get("Location"))
	if location.Query().Get("error") != "invalid_origin" {
		t.Errorf("error = %q, want invalid_origin", location.Query().Get("error"))
	}
}

type fakeProvider struct{}

func (fakeProvider) Name() string { return "fake" }

func (fakeProvider) AuthCodeURL(state string) string {
	return "https://idp.example/auth?state=" + url.QueryEscape(state)
}

func (fakeProvider) Exchange(_ context.Context, code string) (*providers.Identity, error) {
	if code != "upstream-ok" {
		return nil, fmt.Errorf("unknown upstream code %q", code)
	}
	return &providers.Identity{Subject: "sub-upstream", Email: "up@example.com"}, nil
}

func TestUpstreamCallbackFlow(t *testing.T) {
	_, handler := newTestServer(t, Config{}, WithUpstream(fakeProvider{}))

	// Without a principal the flow delegates to the upstream provider.
	r := httptest.NewRequest(http.MethodGet, AuthorizePath+"?"+url.Values{
		"client_id":     {"web-1"},
		"response_type": {"code"},
		"redirect_uri":  {"https://app.example/cb"},
		"scope":         {"openid"},
		"state":         {"st-up"},
	}.Encode(), nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("authorize status = %d, body %s", w.Code, w.Body.String())
	}
	upstream, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location: %v", err)
	}
	if upstream.Host != "idp.example" {
		t.Fatalf("redirected to %q, want the upstream provider", upstream)
	}
	state := upstream.Query().Get("state")
	if state == "" {
		t.Fatal("upstream redirect carries no state")
	}

	// The callback resumes the flow with the upstream identity.
	r = httptest.NewRequest(http.MethodGet, CallbackPath+"?"+url.Values{
		"state": {state},
		"code":  {"upstream-ok"},
	}.Encode(), nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusSeeOther {
		t.Fatalf("callback status = %d, body %s", w.Code, w.Body.String())
	}
	location, _ := url.Parse(w.Header().Get("Location"))
	if location.Host != "app.example" || location.Query().Get("code") == "" {
		t.Fatalf("callback redirected to %q", location)
	}
	if location.Query().Get("state") != "st-up" {
		t.Errorf("client state = %q, want st-up", location.Query().Get("state"))
	}
}

func TestUpstreamCallbackDenied(t *testing.T) {
	_, handler := newTestServer(t, Config{}, WithUpstream(fakeProvider{}))

	r := httptest.NewRequest(http.MethodGet, CallbackPath+"?error=access_denied", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if e := decodeBody[ErrorResponse](t, w); e.Error != "access_denied" {
		t.Errorf("error = %q", e.Error)
	}
}

func TestCallbackWithoutUpstream(t *testing.T) {
	_, handler := newTestServer(t, Config{})
	r := httptest.NewRequest(http.MethodGet, CallbackPath+"?state=x&code=y", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestMetadataEndpoints(t *testing.T) {
	_, handler := newTestServer(t, Config{
		SessionEncryptionKey: make([]byte, 32),
		PairwiseSalt:         []byte("salt"),
		MetadataOverrides:    map[string]any{"scopes_supported": []string{"openid", "email"}},
	})

	for _, path := range []string{MetadataPath, OIDCPath} {
		r := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s = %d", path, w.Code)
		}
		doc := decodeBody[map[string]any](t, w)
		if doc["issuer"] != testIssuer {
			t.Errorf("%s issuer = %v", path, doc["issuer"])
		}
		if doc["token_endpoint"] != testIssuer+TokenPath {
			t.Errorf("%s token_endpoint = %v", path, doc["token_endpoint"])
		}
		grants, _ := doc["grant_types_supported"].([]any)
		var hasSession bool
		for _, g := range grants {
			if g == "session" {
				hasSession = true
			}
		}
		if !hasSession {
			t.Errorf("%s grant types omit session: %v", path, grants)
		}
		subjects, _ := doc["subject_types_supported"].([]any)
		if len(subjects) != 2 {
			t.Errorf("%s subject types = %v, want public and pairwise", path, subjects)
		}
		if scopes, ok := doc["scopes_supported"].([]any); !ok || len(scopes) != 2 {
			t.Errorf("%s override not applied: %v", path, doc["scopes_supported"])
		}
	}
}

func TestJWKSEndpoint(t *testing.T) {
	_, handler := newTestServer(t, Config{})
	r := httptest.NewRequest(http.MethodGet, JWKSPath, nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	set, err := jose.ParseSet(w.Body.Bytes())
	if err != nil {
		t.Fatalf("parsing jwks: %v", err)
	}
	if set.Len() != 1 {
		t.Errorf("jwks has %d keys, want 1", set.Len())
	}
	if strings.Contains(w.Body.String(), `"d"`) {
		t.Error("jwks leaks private key material")
	}
}

func TestRateLimit(t *testing.T) {
	_, handler := newTestServer(t, Config{RateLimitRPS: 1, RateLimitBurst: 1})
	form := url.Values{"grant_type": {"client_credentials"}, "scope": {"api"}}

	first := postForm(handler, TokenPath, form, true)
	if first.Code != http.StatusOK {
		t.Fatalf("first request status = %d", first.Code)
	}
	second := postForm(handler, TokenPath, form, true)
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if e := decodeBody[ErrorResponse](t, second); e.Error != "slow_down" {
		t.Errorf("error = %q, want slow_down", e.Error)
	}
}
