package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/authgrid/oauth/jose"
	"github.com/authgrid/oauth/storage"
)

// RequestURIPrefix is the urn prefix of pushed authorization request
// references. A request_uri without this prefix points at an external
// location, which the server refuses to dereference.
const RequestURIPrefix = "urn:ietf:params:oauth:request_uri:"

// Resolver turns the three authorization request representations (inline
// parameters, signed request object, pushed reference) into the single
// canonical form.
type Resolver struct {
	issuer     string
	clients    ClientStore
	store      storage.Store
	requestTTL time.Duration
	requirePAR bool
	logger     *slog.Logger
	now        func() time.Time
}

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Issuer     string
	Clients    ClientStore
	Store      storage.Store
	RequestTTL time.Duration
	RequirePAR bool
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = 10 * time.Minute
	}
	return &Resolver{
		issuer:     cfg.Issuer,
		clients:    cfg.Clients,
		store:      cfg.Store,
		requestTTL: cfg.RequestTTL,
		requirePAR: cfg.RequirePAR,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// Resolve produces the canonical authorization request for the given
// parameter set. Exactly one of the inline parameters, the request object or
// the pushed reference supplies the request; carrying both a request object
// and a reference is an error.
func (r *Resolver) Resolve(ctx context.Context, params Parameters) (*storage.AuthorizationRequest, *Client, error) {
	if params.ClientID == "" {
		return nil, nil, NewError(ErrInvalidRequest, "The client_id parameter is required.")
	}
	client, err := r.clients.Client(ctx, params.ClientID)
	if err != nil {
		return nil, nil, err
	}

	if params.Request != "" && params.RequestURI != "" {
		return nil, nil, NewError(ErrInvalidRequest,
			"The request and request_uri parameters are mutually exclusive.")
	}

	switch {
	case params.RequestURI != "":
		req, err := r.resolveReference(ctx, client, params.RequestURI)
		if err != nil {
			return nil, nil, err
		}
		return req, client, nil
	case params.Request != "":
		if r.mustPush(client) {
			return nil, nil, NewError(ErrInvalidRequest,
				"This client must push its authorization requests.")
		}
		resolved, err := r.resolveRequestObject(ctx, client, params)
		if err != nil {
			return nil, nil, err
		}
		req, err := canonicalize(resolved, client, r.now(), r.requestTTL)
		if err != nil {
			return nil, nil, err
		}
		return req, client, nil
	default:
		if r.mustPush(client) {
			return nil, nil, NewError(ErrInvalidRequest,
				"This client must push its authorization requests.")
		}
		req, err := canonicalize(params, client, r.now(), r.requestTTL)
		if err != nil {
			return nil, nil, err
		}
		return req, client, nil
	}
}

// Push resolves and persists a pushed authorization request, returning the
// reference the client presents at the authorization endpoint.
func (r *Resolver) Push(ctx context.Context, client *Client, params Parameters) (requestURI string, expiresIn int64, err error) {
	if params.RequestURI != "" {
		return "", 0, NewError(ErrInvalidRequest,
			"The request_uri parameter may not be pushed.")
	}
	if params.Request != "" {
		params, err = r.resolveRequestObject(ctx, client, params)
		if err != nil {
			return "", 0, err
		}
	}
	if params.ClientID != "" && params.ClientID != client.ID {
		return "", 0, NewError(ErrInvalidRequest,
			"The client_id does not match the authenticated client.")
	}
	req, err := canonicalize(params, client, r.now(), r.requestTTL)
	if err != nil {
		// Pushed requests have no user agent to redirect; everything
		// renders on the push response.
		var e *Error
		if errors.As(err, &e) {
			e.Mode = ModeClient
		}
		return "", 0, err
	}
	if err := r.store.SaveAuthorizationRequest(ctx, req); err != nil {
		return "", 0, fmt.Errorf("failed to persist pushed request: %w", err)
	}
	r.logger.Debug("Pushed authorization request accepted",
		"client_id", client.ID, "request_id", req.RequestID)
	return RequestURIPrefix + req.RequestID, int64(r.requestTTL / time.Second), nil
}

func (r *Resolver) mustPush(client *Client) bool {
	return r.requirePAR || client.RequirePAR
}

func (r *Resolver) resolveReference(ctx context.Context, client *Client, reference string) (*storage.AuthorizationRequest, error) {
	if len(reference) <= len(RequestURIPrefix) || reference[:len(RequestURIPrefix)] != RequestURIPrefix {
		return nil, NewError(ErrInvalidRequestURI,
			"External request_uri values are not supported.")
	}
	req, err := r.store.AuthorizationRequest(ctx, reference[len(RequestURIPrefix):])
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, NewError(ErrInvalidRequestURI, "Unknown or expired request_uri.")
		}
		return nil, fmt.Errorf("failed to load pushed request: %w", err)
	}
	// A reference pushed by one client must not resolve for another.
	if req.ClientID != client.ID {
		return nil, NewError(ErrInvalidRequestURI, "Unknown or expired request_uri.")
	}
	return req, nil
}

// resolveRequestObject verifies a signed request object and returns the
// parameters it carries. The outer parameters are discarded apart from
// client_id, which must agree with the object.
func (r *Resolver) resolveRequestObject(ctx context.Context, client *Client, params Parameters) (Parameters, error) {
	data := []byte(params.Request)

	typ, err := jose.PeekType(data)
	if err != nil {
		return Parameters{}, NewError(ErrInvalidRequestObject,
			"The request object is malformed.")
	}
	if typ != jose.TypeRequestObject {
		return Parameters{}, NewError(ErrInvalidRequestObjectType,
			"The request object must declare typ %q.", jose.TypeRequestObject)
	}

	keys, err := client.Keys(ctx)
	if err != nil {
		return Parameters{}, NewError(ErrUnauthorizedRequestObject,
			"The client has no keys to sign request objects.")
	}
	codec := jose.NewCodec(jose.WithVerifier(keys))
	token, err := codec.Decode(data)
	if err != nil {
		return Parameters{}, NewError(ErrUnauthorizedRequestObject,
			"The request object is not signed by the client.")
	}

	if !audienceContains(token.Audience(), r.issuer) {
		return Parameters{}, NewError(ErrInvalidRequestObjectAudience,
			"The request object is not addressed to this server.")
	}

	resolved := ParseParameters(tokenValues(token))
	if resolved.ClientID == "" {
		resolved.ClientID = client.ID
	}
	if resolved.ClientID != client.ID {
		return Parameters{}, NewError(ErrInvalidRequestObject,
			"The request object client_id does not match.")
	}
	// A request object cannot nest another representation.
	resolved.Request = ""
	resolved.RequestURI = ""
	return resolved, nil
}

func audienceContains(audience []string, issuer string) bool {
	for _, a := range audience {
		if a == issuer {
			return true
		}
	}
	return false
}

// tokenValues flattens request object claims into parameter form.
func tokenValues(token jwt.Token) url.Values {
	values := url.Values{}
	for k, v := range token.PrivateClaims() {
		switch t := v.(type) {
		case string:
			values.Set(k, t)
		case bool:
			values.Set(k, strconv.FormatBool(t))
		case float64:
			values.Set(k, strconv.FormatInt(int64(t), 10))
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok {
					values.Add(k, s)
				}
			}
		case map[string]any:
			// Nested objects such as the claims parameter travel as JSON.
			if data, err := json.Marshal(t); err == nil {
				values.Set(k, string(data))
			}
		}
	}
	return values
}
