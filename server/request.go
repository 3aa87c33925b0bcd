package server

import (
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/authgrid/oauth/storage"
)

// Response modes.
const (
	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
)

// supportedResponseTypes lists the response types this server issues.
// Implicit and hybrid token delivery is gone from OAuth 2.1; tokens only
// come from the token endpoint.
var supportedResponseTypes = map[string]bool{
	"code": true,
	"none": true,
}

// defaultResponseModes maps each response type to its default encoding.
// Hybrid and implicit responses go in the fragment.
var defaultResponseModes = map[string]string{
	"code":                ResponseModeQuery,
	"token":               ResponseModeFragment,
	"id_token":            ResponseModeFragment,
	"code id_token":       ResponseModeFragment,
	"code token":          ResponseModeFragment,
	"id_token token":      ResponseModeFragment,
	"code id_token token": ResponseModeFragment,
	"none":                ResponseModeQuery,
}

// Parameters is the raw authorization request parameter set, before any
// request object or pushed reference is resolved.
type Parameters struct {
	ClientID            string
	ResponseType        string
	ResponseMode        string
	RedirectURI         string
	Scope               []string
	State               string
	Nonce               string
	Resource            []string
	AccessType          string
	Prompt              string
	MaxAge              int64
	CodeChallenge       string
	CodeChallengeMethod string
	Claims              string

	// Request carries a signed request object; RequestURI a pushed
	// reference. The two are mutually exclusive.
	Request    string
	RequestURI string
}

// ParseParameters extracts the known parameters from an authorization
// endpoint query or PAR form body.
func ParseParameters(q url.Values) Parameters {
	maxAge, _ := strconv.ParseInt(q.Get("max_age"), 10, 64)
	return Parameters{
		ClientID:            q.Get("client_id"),
		ResponseType:        q.Get("response_type"),
		ResponseMode:        q.Get("response_mode"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               splitScope(q.Get("scope")),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		Resource:            q["resource"],
		AccessType:          q.Get("access_type"),
		Prompt:              q.Get("prompt"),
		MaxAge:              maxAge,
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Claims:              q.Get("claims"),
		Request:             q.Get("request"),
		RequestURI:          q.Get("request_uri"),
	}
}

// canonicalize validates the parameters against the client and produces the
// storable request. The redirect URI is resolved first so every later error
// can travel back to the client.
func canonicalize(p Parameters, client *Client, now time.Time, ttl time.Duration) (*storage.AuthorizationRequest, error) {
	redirectURI, provided, err := client.RedirectURL(p.RedirectURI)
	if err != nil {
		return nil, err
	}

	fail := func(code, format string, args ...any) error {
		e := RedirectError(code, format, args...)
		e.State = p.State
		e.RedirectURI = redirectURI
		e.Fragment = defaultResponseModes[p.ResponseType] == ResponseModeFragment
		return e
	}

	if p.ResponseType == "" {
		return nil, fail(ErrInvalidRequest, "The response_type parameter is required.")
	}
	mode, ok := defaultResponseModes[p.ResponseType]
	if !ok || !supportedResponseTypes[p.ResponseType] {
		return nil, fail(ErrUnsupportedResponseType, "Unsupported response_type %q.", p.ResponseType)
	}
	if !client.AllowsResponseType(p.ResponseType) {
		return nil, fail(ErrUnauthorizedClient, "The client may not use response_type %q.", p.ResponseType)
	}
	if p.ResponseMode != "" {
		if p.ResponseMode != ResponseModeQuery && p.ResponseMode != ResponseModeFragment {
			return nil, fail(ErrInvalidRequest, "Unsupported response_mode %q.", p.ResponseMode)
		}
		mode = p.ResponseMode
	}
	if p.CodeChallenge != "" && p.CodeChallengeMethod == "" {
		p.CodeChallengeMethod = "plain"
	}
	if p.CodeChallengeMethod != "" && p.CodeChallengeMethod != "S256" && p.CodeChallengeMethod != "plain" {
		return nil, fail(ErrInvalidRequest, "Unsupported code_challenge_method %q.", p.CodeChallengeMethod)
	}

	var claims map[string]any
	if p.Claims != "" {
		if err := json.Unmarshal([]byte(p.Claims), &claims); err != nil {
			return nil, fail(ErrInvalidRequest, "The claims parameter is malformed.")
		}
	}

	return &storage.AuthorizationRequest{
		RequestID:           uuid.NewString(),
		ClientID:            client.ID,
		ResponseType:        p.ResponseType,
		ResponseMode:        mode,
		RedirectURI:         redirectURI,
		RedirectURIProvided: provided,
		Scope:               p.Scope,
		State:               p.State,
		Nonce:               p.Nonce,
		Resource:            p.Resource,
		AccessType:          p.AccessType,
		Prompt:              p.Prompt,
		MaxAge:              p.MaxAge,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Claims:              claims,
		CreatedAt:           now,
		ExpiresAt:           now.Add(ttl),
	}, nil
}
