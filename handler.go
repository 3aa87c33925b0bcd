package oauth

import (
	"errors"
	"net"
	"net/http"
	"net/url"

	"github.com/goccy/go-json"

	"github.com/authgrid/oauth/server"
	"github.com/authgrid/oauth/storage"
)

// Endpoint paths served by Handler.
const (
	AuthorizePath = "/authorize"
	TokenPath     = "/token"
	PARPath       = "/par"
	CallbackPath  = "/callback"
	JWKSPath      = "/jwks.json"
	MetadataPath  = "/.well-known/oauth-authorization-server"
	OIDCPath      = "/.well-known/openid-configuration"
)

// Handler returns the HTTP handler serving the authorization server
// endpoints. Mount it at the root of the issuer URL.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+AuthorizePath, s.handleAuthorize)
	mux.HandleFunc("POST "+AuthorizePath, s.handleAuthorizeForm)
	mux.HandleFunc("POST "+TokenPath, s.handleToken)
	mux.HandleFunc("POST "+PARPath, s.handlePAR)
	mux.HandleFunc("GET "+CallbackPath, s.handleCallback)
	mux.HandleFunc("GET "+JWKSPath, s.handleJWKS)
	mux.HandleFunc("GET "+MetadataPath, s.handleMetadata)
	mux.HandleFunc("GET "+OIDCPath, s.handleMetadata)
	return mux
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	s.authorize(w, r, server.ParseParameters(r.URL.Query()))
}

func (s *Server) handleAuthorizeForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, server.NewError(server.ErrInvalidRequest, "The request body is malformed."))
		return
	}
	s.authorize(w, r, server.ParseParameters(r.PostForm))
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request, params server.Parameters) {
	ctx, span := s.metrics.Start(r.Context(), "oauth.authorize")
	defer span.End()

	req, client, err := s.resolver.Resolve(ctx, params)
	if err != nil {
		s.metrics.AuthorizationCompleted(ctx, "error")
		s.writeError(w, r, err)
		return
	}
	if origin := r.Header.Get("Origin"); origin != "" && !client.AllowsOrigin(origin) {
		e := server.RedirectError(server.ErrInvalidOrigin, "The origin %q is not allowed for this client.", origin)
		e.State = req.State
		e.RedirectURI = req.RedirectURI
		e.Fragment = req.ResponseMode == server.ResponseModeFragment
		s.metrics.AuthorizationCompleted(ctx, "error")
		s.writeError(w, r, e)
		return
	}

	var principal *Principal
	if s.principals != nil {
		principal, err = s.principals.Principal(r)
		if err != nil {
			s.logger.Error("Principal resolution failed", "error", err)
			s.writeError(w, r, err)
			return
		}
	}

	redirect, err := s.flow.Authorize(ctx, req, client, principal)
	if err != nil {
		s.metrics.AuthorizationCompleted(ctx, "error")
		s.writeError(w, r, err)
		return
	}
	s.metrics.AuthorizationCompleted(ctx, "redirected")
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.metrics.Start(r.Context(), "oauth.token")
	defer span.End()

	if !s.allow(w, r, TokenPath) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, server.NewError(server.ErrInvalidRequest, "The request body is malformed."))
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	grant, err := server.ParseGrant(r.PostForm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp, err := s.issuer.Issue(ctx, server.TokenRequest{Client: client, Grant: grant})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.metrics.Start(r.Context(), "oauth.par")
	defer span.End()

	if !s.allow(w, r, PARPath) {
		return
	}
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, server.NewError(server.ErrInvalidRequest, "The request body is malformed."))
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	params := server.ParseParameters(r.PostForm)
	if params.ClientID == "" {
		params.ClientID = client.ID
	}

	requestURI, expiresIn, err := s.resolver.Push(ctx, client, params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, PushedAuthorizationResponse{
		RequestURI: requestURI,
		ExpiresIn:  expiresIn,
	})
}

// handleCallback resumes an authorization flow after the upstream provider
// authenticated the user. The upstream state parameter is the request ID.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.metrics.Start(r.Context(), "oauth.callback")
	defer span.End()

	if s.upstream == nil {
		http.NotFound(w, r)
		return
	}
	q := r.URL.Query()
	if errCode := q.Get("error"); errCode != "" {
		s.writeError(w, r, server.NewError(server.ErrAccessDenied,
			"The upstream provider reported %q.", errCode))
		return
	}
	requestID, code := q.Get("state"), q.Get("code")
	if requestID == "" || code == "" {
		s.writeError(w, r, server.NewError(server.ErrInvalidRequest,
			"The state and code parameters are required."))
		return
	}

	req, err := s.store.AuthorizationRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, r, server.NewError(server.ErrInvalidRequest,
				"The authorization request is unknown or expired."))
			return
		}
		s.writeError(w, r, err)
		return
	}
	client, err := s.clients.Client(ctx, req.ClientID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	identity, err := s.upstream.Exchange(ctx, code)
	if err != nil {
		s.logger.Warn("Upstream exchange failed", "provider", s.upstream.Name(), "error", err)
		s.writeError(w, r, server.NewError(server.ErrAccessDenied, "Upstream authentication failed."))
		return
	}
	if _, err := s.subjects.Subject(ctx, identity.Subject); err != nil {
		if !errors.Is(err, server.ErrSubjectNotFound) {
			s.writeError(w, r, err)
			return
		}
		if err := s.subjects.Onboard(ctx, &Subject{
			ID:      identity.Subject,
			Email:   identity.Email,
			Profile: identity.Profile,
		}); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	redirect, err := s.flow.Authorize(ctx, req, client, &Principal{
		Subject:  identity.Subject,
		AuthTime: s.now().Unix(),
		Email:    identity.Email,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, redirect, http.StatusSeeOther)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := s.keychain.Public()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	s.writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	metadata := s.metadata()
	if len(s.config.MetadataOverrides) == 0 {
		s.writeJSON(w, http.StatusOK, metadata)
		return
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		s.writeError(w, r, err)
		return
	}
	for k, v := range s.config.MetadataOverrides {
		doc[k] = v
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) metadata() ServerMetadata {
	grantTypes := []string{
		server.GrantTypeAuthorizationCode,
		server.GrantTypeRefreshToken,
		server.GrantTypeClientCredentials,
		server.GrantTypeJWTBearer,
	}
	if len(s.config.SessionEncryptionKey) > 0 {
		grantTypes = append(grantTypes, server.GrantTypeSession)
	}
	var algs []string
	if alg, err := s.keychain.Algorithm(); err == nil {
		algs = []string{alg.String()}
	}
	subjectTypes := []string{server.SubjectTypePublic}
	if len(s.config.PairwiseSalt) > 0 {
		subjectTypes = append(subjectTypes, server.SubjectTypePairwise)
	}
	codeChallengeMethods := []string{"S256"}
	if s.config.AllowPlainPKCE {
		codeChallengeMethods = append(codeChallengeMethods, "plain")
	}
	return ServerMetadata{
		Issuer:                        s.config.Issuer,
		AuthorizationEndpoint:         s.config.Issuer + AuthorizePath,
		TokenEndpoint:                 s.config.Issuer + TokenPath,
		PushedAuthorizationEndpoint:   s.config.Issuer + PARPath,
		JWKSURI:                       s.config.Issuer + JWKSPath,
		ResponseTypesSupported:        []string{"code", "none"},
		ResponseModesSupported:        []string{"query", "fragment"},
		GrantTypesSupported:           grantTypes,
		TokenEndpointAuthMethods:      []string{"client_secret_basic", "client_secret_post", "none"},
		CodeChallengeMethodsSupported: codeChallengeMethods,
		IDTokenSigningAlgsSupported:   algs,
		SubjectTypesSupported:         subjectTypes,
		RequestParameterSupported:     true,
		RequestURIParameterSupported:  true,
		RequirePushedAuthorization:    s.config.RequirePAR,
		ClaimsParameterSupported:      true,
		AuthorizationResponseIss:      true,
	}
}

// authenticateClient resolves and authenticates the client from HTTP basic
// credentials or form parameters. Clients registered with a secret must
// present it; key-only and public clients authenticate by identifier.
func (s *Server) authenticateClient(r *http.Request) (*Client, error) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}
	if clientID == "" {
		return nil, server.NewError(server.ErrInvalidClient, "Client authentication is required.")
	}
	client, err := s.clients.Client(r.Context(), clientID)
	if err != nil {
		s.audit.ClientAuthFailed(r.Context(), clientID, "unknown client")
		return nil, err
	}
	if len(client.SecretHash) > 0 {
		if clientSecret == "" {
			s.audit.ClientAuthFailed(r.Context(), clientID, "missing secret")
			return nil, server.NewError(server.ErrInvalidClient, "Client authentication failed.")
		}
		if err := client.CheckSecret(clientSecret); err != nil {
			s.audit.ClientAuthFailed(r.Context(), clientID, "bad secret")
			return nil, server.NewError(server.ErrInvalidClient, "Client authentication failed.")
		}
	} else if clientSecret != "" {
		s.audit.ClientAuthFailed(r.Context(), clientID, "unexpected secret")
		return nil, server.NewError(server.ErrInvalidClient, "Client authentication failed.")
	}
	return client, nil
}

func (s *Server) allow(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	if s.limiter == nil {
		return true
	}
	key, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		key = r.RemoteAddr
	}
	if s.limiter.Allow(key) {
		return true
	}
	s.audit.RateLimited(r.Context(), key, endpoint)
	w.Header().Set("Retry-After", "1")
	s.writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:            "slow_down",
		ErrorDescription: "Too many requests.",
	})
	return false
}

// writeError renders protocol errors per their mode and hides internal
// faults behind a generic server_error.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var e *Error
	if !errors.As(err, &e) {
		s.logger.Error("Internal error", "path", r.URL.Path, "error", err)
		s.writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:            "server_error",
			ErrorDescription: "An internal error occurred.",
		})
		return
	}

	if e.Mode == server.ModeRedirect && e.RedirectURI != "" {
		s.redirectError(w, r, e)
		return
	}
	status := http.StatusBadRequest
	if e.Code == server.ErrInvalidClient {
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth", charset="UTF-8"`)
	}
	s.writeJSON(w, status, ErrorResponse{Error: e.Code, ErrorDescription: e.Description})
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, e *Error) {
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: e.Code, ErrorDescription: e.Description})
		return
	}
	params := url.Values{}
	params.Set("error", e.Code)
	if e.Description != "" {
		params.Set("error_description", e.Description)
	}
	if e.State != "" {
		params.Set("state", e.State)
	}
	if e.Fragment {
		u.Fragment = params.Encode()
	} else {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	http.Redirect(w, r, u.String(), http.StatusSeeOther)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
	}
}
