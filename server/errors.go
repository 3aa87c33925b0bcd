package server

import "fmt"

// ErrorMode determines how a protocol error reaches the client.
type ErrorMode string

const (
	// ModeClient renders the error as a JSON body on the failing request.
	ModeClient ErrorMode = "client"

	// ModeRedirect renders the error as a 303 redirect back to the client
	// with error, error_description and state parameters.
	ModeRedirect ErrorMode = "redirect"
)

// Standard OAuth 2.1 / OIDC error codes.
const (
	ErrInvalidRequest          = "invalid_request"
	ErrInvalidClient           = "invalid_client"
	ErrInvalidGrant            = "invalid_grant"
	ErrInvalidScope            = "invalid_scope"
	ErrInvalidTarget           = "invalid_target"
	ErrInvalidOrigin           = "invalid_origin"
	ErrUnauthorizedClient      = "unauthorized_client"
	ErrAccessDenied            = "access_denied"
	ErrUnsupportedGrantType    = "unsupported_grant_type"
	ErrUnsupportedResponseType = "unsupported_response_type"
	ErrLoginRequired           = "login_required"
	ErrConsentRequired         = "consent_required"
	ErrInteractionRequired     = "interaction_required"
	ErrInvalidRequestURI       = "invalid_request_uri"

	// Request object errors are distinct so a client can tell a malformed
	// object apart from one signed by the wrong key, carrying the wrong
	// declared type, or addressed to a different server.
	ErrInvalidRequestObject         = "invalid_request_object"
	ErrUnauthorizedRequestObject    = "unauthorized_request_object"
	ErrInvalidRequestObjectType     = "invalid_request_object_type"
	ErrInvalidRequestObjectAudience = "invalid_request_object_audience"
)

// Error is a protocol error destined for the client. Internal consistency
// faults are ordinary Go errors and must never be rendered to clients.
type Error struct {
	// Code is the OAuth error code.
	Code string

	// Description is the human-readable error_description.
	Description string

	// Mode selects JSON-body or redirect rendering.
	Mode ErrorMode

	// State echoes the client's state parameter on redirect rendering.
	State string

	// RedirectURI is the validated client redirect target for redirect
	// rendering. Empty when the error predates redirect URI validation, in
	// which case it renders in client mode regardless of Mode.
	RedirectURI string

	// Fragment encodes the redirect parameters in the URI fragment instead
	// of the query, per the request's response mode.
	Fragment bool
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Is reports whether target is a protocol error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && (t.Description == "" || t.Description == e.Description)
}

// NewError creates a client-mode protocol error.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...), Mode: ModeClient}
}

// RedirectError creates a redirect-mode protocol error. The flow engine
// fills in State and RedirectURI before the error reaches the wire.
func RedirectError(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...), Mode: ModeRedirect}
}

// ErrAssertionReplayed is returned when a jwt-bearer assertion jti is
// presented a second time. Matchable with errors.Is.
var ErrAssertionReplayed = &Error{
	Code:        ErrInvalidGrant,
	Description: "The presented assertion was already used.",
	Mode:        ModeClient,
}

// errSessionGrant is the single failure every session grant defect maps to,
// so the token endpoint does not become an oracle over session internals.
var errSessionGrant = &Error{
	Code:        ErrInvalidGrant,
	Description: "The provided session is not valid for this grant.",
	Mode:        ModeClient,
}
