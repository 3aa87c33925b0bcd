package providers

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
)

// Identity is the upstream identity returned from a completed callback.
type Identity struct {
	// Subject is the upstream subject identifier.
	Subject string

	// Email is the upstream email address, if the provider exposes one.
	Email string

	// Profile holds any further attributes keyed by OIDC claim name.
	Profile map[string]any
}

// Provider delegates end-user authentication to an upstream identity
// provider. The state parameter is the authorization request ID, carried
// through the upstream round trip to resume the flow on callback.
type Provider interface {
	// Name identifies the provider in configuration and logs.
	Name() string

	// AuthCodeURL builds the upstream authorization redirect.
	AuthCodeURL(state string) string

	// Exchange redeems the upstream callback code for the user's identity.
	Exchange(ctx context.Context, code string) (*Identity, error)
}

// GenericConfig configures a Generic provider.
type GenericConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	RedirectURL  string
	Scopes       []string
}

// Generic is a Provider over any standard OAuth 2.0 upstream exposing a
// userinfo endpoint.
type Generic struct {
	name        string
	config      *oauth2.Config
	userInfoURL string
}

// NewGeneric creates a generic upstream provider.
func NewGeneric(cfg GenericConfig) (*Generic, error) {
	if cfg.ClientID == "" || cfg.AuthURL == "" || cfg.TokenURL == "" {
		return nil, fmt.Errorf("provider %s: client id, auth url and token url are required", cfg.Name)
	}
	return &Generic{
		name: cfg.Name,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		userInfoURL: cfg.UserInfoURL,
	}, nil
}

// Name implements Provider.
func (g *Generic) Name() string { return g.name }

// AuthCodeURL implements Provider.
func (g *Generic) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange implements Provider.
func (g *Generic) Exchange(ctx context.Context, code string) (*Identity, error) {
	token, err := g.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("upstream %s code exchange failed: %w", g.name, err)
	}

	client := g.config.Client(ctx, token)
	resp, err := client.Get(g.userInfoURL)
	if err != nil {
		return nil, fmt.Errorf("upstream %s userinfo request failed: %w", g.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("upstream %s userinfo returned status %d", g.name, resp.StatusCode)
	}

	var profile map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("upstream %s userinfo is malformed: %w", g.name, err)
	}

	identity := &Identity{Profile: profile}
	if sub, ok := profile["sub"].(string); ok {
		identity.Subject = sub
	} else if id, ok := profile["id"].(string); ok {
		identity.Subject = id
	}
	if email, ok := profile["email"].(string); ok {
		identity.Email = email
	}
	if identity.Subject == "" {
		return nil, fmt.Errorf("upstream %s userinfo names no subject", g.name)
	}
	return identity, nil
}
