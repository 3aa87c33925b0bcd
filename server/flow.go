package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authgrid/oauth/oidc"
	"github.com/authgrid/oauth/security"
	"github.com/authgrid/oauth/storage"
)

// codeEntropy is the byte entropy of authorization codes.
const codeEntropy = 32

// Upstream builds the redirect that sends an unauthenticated user to an
// external identity provider. The state value is the authorization request
// ID, which the callback uses to resume the flow.
type Upstream interface {
	AuthCodeURL(state string) string
}

// Flow drives an authorization request through subject resolution, consent,
// policy enforcement and redirect construction.
type Flow struct {
	issuer     string
	store      storage.Store
	subjects   SubjectStore
	claims     *oidc.Builder
	audit      *security.Auditor
	upstream   Upstream
	loginURL   string
	consentURL string
	logger     *slog.Logger
	now        func() time.Time
}

// FlowConfig configures a Flow.
type FlowConfig struct {
	Issuer     string
	Store      storage.Store
	Subjects   SubjectStore
	Claims     *oidc.Builder
	Audit      *security.Auditor
	Upstream   Upstream
	LoginURL   string
	ConsentURL string
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewFlow creates a Flow.
func NewFlow(cfg FlowConfig) *Flow {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Audit == nil {
		cfg.Audit = security.NewAuditor(cfg.Logger)
	}
	if cfg.Subjects == nil {
		cfg.Subjects = NewMemorySubjects()
	}
	return &Flow{
		issuer:     cfg.Issuer,
		store:      cfg.Store,
		subjects:   cfg.Subjects,
		claims:     cfg.Claims,
		audit:      cfg.Audit,
		upstream:   cfg.Upstream,
		loginURL:   cfg.LoginURL,
		consentURL: cfg.ConsentURL,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
}

// Authorize runs the state machine over a resolved authorization request
// and returns the redirect target for the user agent. Interaction exits
// (login, consent, upstream delegation) are returned as redirects after the
// request is persisted; protocol failures come back as *Error values the
// transport renders per their mode.
func (f *Flow) Authorize(ctx context.Context, req *storage.AuthorizationRequest, client *Client, principal *Principal) (redirect string, err error) {
	// Unauthenticated.
	if principal == nil || principal.Subject == "" {
		return f.requireLogin(ctx, req)
	}

	// SubjectResolved. A request resumed under a different subject than
	// the one that started it is a forgery sign and never redirects.
	if req.Subject != "" && req.Subject != principal.Subject {
		return "", NewError(ErrInvalidRequest,
			"The request was initiated by a different subject.")
	}
	req.Subject = principal.Subject
	if req.AuthTime == 0 {
		req.AuthTime = principal.AuthTime
	}
	if req.MaxAge > 0 && f.now().Unix()-req.AuthTime > req.MaxAge {
		return f.requireLogin(ctx, req)
	}
	if _, err := f.subjects.Subject(ctx, principal.Subject); err != nil {
		if !errors.Is(err, ErrSubjectNotFound) {
			return "", fmt.Errorf("failed to resolve subject: %w", err)
		}
		// First sight of this principal: onboard it so the later code
		// exchange finds the subject behind the grant.
		if oerr := f.subjects.Onboard(ctx, &Subject{ID: principal.Subject, Email: principal.Email}); oerr != nil {
			return "", fmt.Errorf("failed to onboard subject: %w", oerr)
		}
	}

	// ConsentChecked.
	authz, err := f.loadAuthorization(ctx, req, client)
	if err != nil {
		return "", err
	}
	if client.FirstParty {
		for _, s := range req.Scope {
			authz.Grant(s, f.now())
		}
	}
	if missing := missingScope(authz, req.Scope); len(missing) > 0 {
		return f.requireConsent(ctx, req, missing)
	}

	// PolicyEnforced. From here on the request and the authorization are
	// persisted on every exit path.
	defer func() {
		if serr := f.store.SaveAuthorizationRequest(ctx, req); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to persist authorization request: %w", serr))
		}
		if serr := f.store.SaveAuthorization(ctx, authz); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to persist authorization: %w", serr))
		}
	}()

	failures, err := f.claims.Enforce(ctx, oidc.Request{
		ClientID: client.ID,
		Subject:  req.Subject,
		Scope:    activeScope(req.Scope),
		Nonce:    req.Nonce,
		AuthTime: req.AuthTime,
		Claims:   req.Claims,
	})
	if err != nil {
		return "", fmt.Errorf("claims policy enforcement failed: %w", err)
	}
	if len(failures) > 0 {
		reasons := make([]string, len(failures))
		for i, pf := range failures {
			reasons[i] = pf.Reason
		}
		return "", f.fail(req, ErrAccessDenied, "%s", strings.Join(reasons, "; "))
	}
	if req.WantsRefreshToken() {
		authz.RefreshAllowed = true
	}

	// Redirected.
	if req.NeedsCode() {
		code, err := security.GenerateToken(codeEntropy)
		if err != nil {
			return "", fmt.Errorf("failed to mint authorization code: %w", err)
		}
		req.Code = code
	}
	target, err := f.successRedirect(req)
	if err != nil {
		return "", err
	}
	f.audit.AuthorizationGranted(ctx, client.ID, req.Subject, req.Scope)
	return target, nil
}

func (f *Flow) loadAuthorization(ctx context.Context, req *storage.AuthorizationRequest, client *Client) (*storage.Authorization, error) {
	authz, err := f.store.Authorization(ctx, storage.AuthorizationID{
		ClientID: client.ID,
		Subject:  req.Subject,
	})
	if errors.Is(err, storage.ErrNotFound) {
		now := f.now()
		return &storage.Authorization{
			ID:        uuid.NewString(),
			ClientID:  client.ID,
			Subject:   req.Subject,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization: %w", err)
	}
	return authz, nil
}

// requireLogin persists the request and hands the user agent to the
// upstream provider or the login page; with no way to interact it fails
// back to the client.
func (f *Flow) requireLogin(ctx context.Context, req *storage.AuthorizationRequest) (string, error) {
	if !req.CanInteract() {
		return "", f.fail(req, ErrLoginRequired, "Authentication is required.")
	}
	if f.upstream != nil {
		if err := f.store.SaveAuthorizationRequest(ctx, req); err != nil {
			return "", fmt.Errorf("failed to persist authorization request: %w", err)
		}
		return f.upstream.AuthCodeURL(req.RequestID), nil
	}
	if f.loginURL == "" {
		return "", f.fail(req, ErrLoginRequired, "Authentication is required.")
	}
	if err := f.store.SaveAuthorizationRequest(ctx, req); err != nil {
		return "", fmt.Errorf("failed to persist authorization request: %w", err)
	}
	return interactionURL(f.loginURL, req.RequestID, nil), nil
}

func (f *Flow) requireConsent(ctx context.Context, req *storage.AuthorizationRequest, missing []string) (string, error) {
	if !req.CanInteract() {
		return "", f.fail(req, ErrConsentRequired, "Consent is required for scope %q.", strings.Join(missing, " "))
	}
	if f.consentURL == "" {
		return "", f.fail(req, ErrConsentRequired, "Consent is required for scope %q.", strings.Join(missing, " "))
	}
	if err := f.store.SaveAuthorizationRequest(ctx, req); err != nil {
		return "", fmt.Errorf("failed to persist authorization request: %w", err)
	}
	return interactionURL(f.consentURL, req.RequestID, missing), nil
}

// fail builds a redirect-mode error bound to the request's redirect target.
func (f *Flow) fail(req *storage.AuthorizationRequest, code, format string, args ...any) *Error {
	e := RedirectError(code, format, args...)
	e.State = req.State
	e.RedirectURI = req.RedirectURI
	e.Fragment = req.ResponseMode == ResponseModeFragment
	return e
}

func (f *Flow) successRedirect(req *storage.AuthorizationRequest) (string, error) {
	u, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("stored redirect uri is invalid: %w", err)
	}
	params := url.Values{}
	if req.Code != "" {
		params.Set("code", req.Code)
	}
	if req.State != "" {
		params.Set("state", req.State)
	}
	params.Set("iss", f.issuer)

	if req.ResponseMode == ResponseModeFragment {
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
	return u.String(), nil
}

func interactionURL(base, requestID string, scope []string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("request", requestID)
	if len(scope) > 0 {
		q.Set("scope", strings.Join(scope, " "))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func missingScope(authz *storage.Authorization, scope []string) []string {
	var missing []string
	for _, s := range scope {
		if _, ok := authz.Scopes[s]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// activeScope adds the implicit openid scope to the claim pipeline's view
// of the request.
func activeScope(scope []string) []string {
	for _, s := range scope {
		if s == "openid" {
			return scope
		}
	}
	return append(append([]string(nil), scope...), "openid")
}
