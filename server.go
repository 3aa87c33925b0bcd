package oauth

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/authgrid/oauth/instrumentation"
	"github.com/authgrid/oauth/jose"
	"github.com/authgrid/oauth/oidc"
	"github.com/authgrid/oauth/providers"
	"github.com/authgrid/oauth/security"
	"github.com/authgrid/oauth/server"
	"github.com/authgrid/oauth/storage"
	"github.com/authgrid/oauth/storage/memory"
)

// Server is the assembled authorization server. Construct with New and
// mount Handler on an HTTP server.
type Server struct {
	config   Config
	clients  server.ClientStore
	subjects server.SubjectStore
	store    storage.Store
	keychain *jose.Keychain
	codec    *jose.Codec
	claims   *oidc.Builder
	resolver *server.Resolver
	flow     *server.Flow
	issuer   *server.Issuer
	upstream providers.Provider
	limiter  *security.Limiter
	audit    *security.Auditor
	metrics  *instrumentation.Instrumentation
	logger   *slog.Logger
	now      func() time.Time

	claimsHandlers []oidc.Handler
	principals     PrincipalResolver

	// ownedStore is set when New created the default in-memory store, so
	// Close can stop its janitor.
	ownedStore *memory.Store
}

// PrincipalResolver extracts the authenticated end user from an
// authorization endpoint request, typically from a session cookie. A nil
// principal means nobody is logged in.
type PrincipalResolver interface {
	Principal(r *http.Request) (*Principal, error)
}

// Option configures a Server.
type Option func(*Server)

// WithClients sets the client registry.
func WithClients(clients server.ClientStore) Option {
	return func(s *Server) { s.clients = clients }
}

// WithSubjects sets the subject registry.
func WithSubjects(subjects server.SubjectStore) Option {
	return func(s *Server) { s.subjects = subjects }
}

// WithStore sets the storage backend (default in-memory).
func WithStore(store storage.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithKeychain sets the signing keychain (default a fresh P-256 key).
func WithKeychain(keychain *jose.Keychain) Option {
	return func(s *Server) { s.keychain = keychain }
}

// WithClaimsHandlers registers ID token claims handlers.
func WithClaimsHandlers(handlers ...oidc.Handler) Option {
	return func(s *Server) { s.claimsHandlers = append(s.claimsHandlers, handlers...) }
}

// WithUpstream delegates end-user authentication to an upstream provider.
func WithUpstream(p providers.Provider) Option {
	return func(s *Server) { s.upstream = p }
}

// WithPrincipalResolver sets the session integration that identifies the
// logged-in user on the authorization endpoint.
func WithPrincipalResolver(pr PrincipalResolver) Option {
	return func(s *Server) { s.principals = pr }
}

// WithLogger sets the structured logger (default slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithInstrumentation sets the OTel instrumentation (default noop).
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *Server) { s.metrics = inst }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New assembles an authorization server from the configuration.
func New(cfg Config, opts ...Option) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{config: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.store == nil {
		s.ownedStore = memory.New(memory.WithLogger(s.logger))
		s.store = s.ownedStore
	}
	if s.clients == nil {
		s.clients = server.StaticClients{}
	}
	if s.subjects == nil {
		s.subjects = server.NewMemorySubjects()
	}
	if s.metrics == nil {
		s.metrics = instrumentation.Noop()
	}
	s.audit = security.NewAuditor(s.logger)

	if s.keychain == nil {
		keychain, err := jose.GenerateKeychain()
		if err != nil {
			return nil, fmt.Errorf("failed to generate keychain: %w", err)
		}
		s.keychain = keychain
	}
	signer, err := s.keychain.Active()
	if err != nil {
		return nil, err
	}
	public, err := s.keychain.Public()
	if err != nil {
		return nil, err
	}
	codecOpts := []jose.CodecOption{jose.WithSigner(signer), jose.WithVerifier(public)}
	if len(cfg.SessionEncryptionKey) > 0 {
		codecOpts = append(codecOpts, jose.WithEncryptionKey(cfg.SessionEncryptionKey))
	}
	s.codec = jose.NewCodec(codecOpts...)

	builderOpts := []oidc.BuilderOption{oidc.WithHandlers(s.claimsHandlers...)}
	if len(cfg.PairwiseSalt) > 0 {
		builderOpts = append(builderOpts, oidc.WithPairwiseSalt(cfg.PairwiseSalt))
	}
	s.claims = oidc.NewBuilder(builderOpts...)

	s.resolver = server.NewResolver(server.ResolverConfig{
		Issuer:     cfg.Issuer,
		Clients:    s.clients,
		Store:      s.store,
		RequestTTL: cfg.RequestTTL,
		RequirePAR: cfg.RequirePAR,
		Logger:     s.logger,
		Now:        s.now,
	})
	var upstream server.Upstream
	if s.upstream != nil {
		upstream = s.upstream
	}
	s.flow = server.NewFlow(server.FlowConfig{
		Issuer:     cfg.Issuer,
		Store:      s.store,
		Subjects:   s.subjects,
		Claims:     s.claims,
		Audit:      s.audit,
		Upstream:   upstream,
		LoginURL:   cfg.LoginURL,
		ConsentURL: cfg.ConsentURL,
		Logger:     s.logger,
		Now:        s.now,
	})
	s.issuer = server.NewIssuer(server.IssuerConfig{
		Issuer:          cfg.Issuer,
		Store:           s.store,
		Subjects:        s.subjects,
		Keychain:        s.keychain,
		Codec:           s.codec,
		Claims:          s.claims,
		Audit:           s.audit,
		Metrics:         s.metrics,
		AccessTokenTTL:  cfg.AccessTokenTTL,
		RefreshTokenTTL: cfg.RefreshTokenTTL,
		IDTokenTTL:      cfg.IDTokenTTL,
		MaxAssertionAge: cfg.MaxAssertionAge,
		TrustedIssuers:  cfg.TrustedIssuers,
		RequirePKCE:     cfg.RequirePKCE,
		AllowPlainPKCE:  cfg.AllowPlainPKCE,
		Logger:          s.logger,
		Now:             s.now,
	})

	if cfg.RateLimitRPS > 0 {
		s.limiter = security.NewLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	s.logger.Info("Authorization server assembled", "issuer", cfg.Issuer)
	return s, nil
}

// Codec exposes the server token codec, for embedders minting session
// tokens accepted by the session grant.
func (s *Server) Codec() *jose.Codec { return s.codec }

// Close releases background resources owned by the server.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.ownedStore != nil {
		s.ownedStore.Stop()
	}
}
