package oidc

import "context"

// HandlerFunc adapts a function to the Handler interface with a scope gate.
type HandlerFunc struct {
	Gate string
	Fn   func(ctx context.Context, req Request) (map[string]any, error)
}

func (h HandlerFunc) Scope() string { return h.Gate }

func (h HandlerFunc) Claims(ctx context.Context, req Request) (map[string]any, error) {
	return h.Fn(ctx, req)
}

// ProfileSource provides per-subject profile attributes for the standard
// claims handlers.
type ProfileSource interface {
	Profile(ctx context.Context, subject string) (map[string]any, error)
}

// EmailHandler contributes the email and email_verified claims for requests
// granted the email scope.
type EmailHandler struct {
	Source ProfileSource
}

func (EmailHandler) Scope() string { return "email" }

func (h EmailHandler) Claims(ctx context.Context, req Request) (map[string]any, error) {
	profile, err := h.Source.Profile(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	claims := make(map[string]any, 2)
	for _, k := range []string{"email", "email_verified"} {
		if v, ok := profile[k]; ok {
			claims[k] = v
		}
	}
	return claims, nil
}

// ProfileHandler contributes the standard profile claims for requests
// granted the profile scope.
type ProfileHandler struct {
	Source ProfileSource
}

func (ProfileHandler) Scope() string { return "profile" }

var profileClaimNames = []string{
	"name", "given_name", "family_name", "middle_name", "nickname",
	"preferred_username", "picture", "website", "gender", "birthdate",
	"zoneinfo", "locale", "updated_at",
}

func (h ProfileHandler) Claims(ctx context.Context, req Request) (map[string]any, error) {
	profile, err := h.Source.Profile(ctx, req.Subject)
	if err != nil {
		return nil, err
	}
	claims := make(map[string]any)
	for _, k := range profileClaimNames {
		if v, ok := profile[k]; ok {
			claims[k] = v
		}
	}
	return claims, nil
}
