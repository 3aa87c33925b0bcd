// Package valkey provides a Valkey-backed implementation of the storage
// interfaces for multi-instance deployments. Atomic consume and rotation
// semantics are implemented with Lua scripts so that exactly one concurrent
// caller can invalidate a single-use artifact.
package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/authgrid/oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "oauth:"

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second
)

// luaConsumeCode atomically resolves an authorization code to its request ID
// and deletes the binding.
//
// KEYS[1] = code key
// Returns the request ID, or 'CONSUMED' if the binding no longer exists.
const luaConsumeCode = `
local id = redis.call('GET', KEYS[1])
if not id then
    return 'CONSUMED'
end
redis.call('DEL', KEYS[1])
return id
`

// luaRotateRefreshToken atomically deletes the old refresh token identity
// and stores its successor. A reader never observes both identities.
//
// KEYS[1] = old token key
// KEYS[2] = new token key
// ARGV[1] = serialized successor
// ARGV[2] = successor TTL in seconds
const luaRotateRefreshToken = `
local old = redis.call('GET', KEYS[1])
if not old then
    return 'CONSUMED'
end
redis.call('DEL', KEYS[1])
redis.call('SET', KEYS[2], ARGV[1], 'EX', tonumber(ARGV[2]))
return 'OK'
`

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for authentication.
	Password string

	// DB is the optional database number.
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:").
	KeyPrefix string

	// TLS is the optional TLS configuration.
	TLS *tls.Config

	// RequestTTL bounds how long authorization requests live without an
	// explicit expiry.
	RequestTTL time.Duration

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client     valkeygo.Client
	prefix     string
	requestTTL time.Duration
	logger     *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	requestTTL := cfg.RequestTTL
	if requestTTL <= 0 {
		requestTTL = 10 * time.Minute
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage", "address", cfg.Address, "db", cfg.DB, "prefix", prefix)
	return &Store{client: client, prefix: prefix, requestTTL: requestTTL, logger: logger}, nil
}

// Close closes the client connection.
func (s *Store) Close() {
	s.client.Close()
}

func (s *Store) requestKey(id string) string {
	return s.prefix + "req:" + id
}

func (s *Store) codeKey(code string) string {
	return s.prefix + "code:" + code
}

func (s *Store) authorizationKey(id storage.AuthorizationID) string {
	return s.prefix + "authz:" + id.ClientID + ":" + id.Subject
}

func (s *Store) refreshTokenKey(id storage.RefreshTokenID) string {
	return s.prefix + "rt:" + id.ClientID + ":" + id.AuthorizationID + ":" + id.TokenID
}

func (s *Store) assertionKey(jti string) string {
	return s.prefix + "jti:" + jti
}

func (s *Store) ttl(expiresAt time.Time) int64 {
	if expiresAt.IsZero() {
		return int64(s.requestTTL / time.Second)
	}
	ttl := int64(time.Until(expiresAt) / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

// SaveAuthorizationRequest persists a request and its code binding with a
// shared TTL.
func (s *Store) SaveAuthorizationRequest(ctx context.Context, req *storage.AuthorizationRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to serialize authorization request: %w", err)
	}
	ttl := s.ttl(req.ExpiresAt)
	cmd := s.client.B().Set().Key(s.requestKey(req.RequestID)).Value(string(data)).ExSeconds(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save authorization request: %w", err)
	}
	if req.Code != "" {
		cmd := s.client.B().Set().Key(s.codeKey(req.Code)).Value(req.RequestID).ExSeconds(ttl).Build()
		if err := s.client.Do(ctx, cmd).Error(); err != nil {
			return fmt.Errorf("failed to save authorization code: %w", err)
		}
	}
	return nil
}

// AuthorizationRequest retrieves a request by ID.
func (s *Store) AuthorizationRequest(ctx context.Context, requestID string) (*storage.AuthorizationRequest, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.requestKey(requestID)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization request: %w", err)
	}
	var req storage.AuthorizationRequest
	if err := json.Unmarshal([]byte(data), &req); err != nil {
		return nil, fmt.Errorf("failed to parse authorization request: %w", err)
	}
	return &req, nil
}

// DeleteAuthorizationRequest removes a request and its code binding.
func (s *Store) DeleteAuthorizationRequest(ctx context.Context, requestID string) error {
	req, err := s.AuthorizationRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	keys := []string{s.requestKey(requestID)}
	if req.Code != "" {
		keys = append(keys, s.codeKey(req.Code))
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete authorization request: %w", err)
	}
	return nil
}

// ConsumeAuthorizationCode atomically invalidates the code binding and
// returns the bound request.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationRequest, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeCode).
			Numkeys(1).
			Key(s.codeKey(code)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}
	if result == "CONSUMED" {
		return nil, storage.ErrConsumed
	}
	return s.AuthorizationRequest(ctx, result)
}

// Authorization retrieves a (client, subject) authorization.
func (s *Store) Authorization(ctx context.Context, id storage.AuthorizationID) (*storage.Authorization, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.authorizationKey(id)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get authorization: %w", err)
	}
	var a storage.Authorization
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("failed to parse authorization: %w", err)
	}
	return &a, nil
}

// SaveAuthorization persists an authorization without expiry. Last writer
// wins, per the relaxed consistency of authorization mutation.
func (s *Store) SaveAuthorization(ctx context.Context, a *storage.Authorization) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to serialize authorization: %w", err)
	}
	cmd := s.client.B().Set().Key(s.authorizationKey(a.Key())).Value(string(data)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save authorization: %w", err)
	}
	return nil
}

// RefreshToken retrieves refresh token state by identity.
func (s *Store) RefreshToken(ctx context.Context, id storage.RefreshTokenID) (*storage.RefreshToken, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshTokenKey(id)).Build()).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	var t storage.RefreshToken
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to parse refresh token: %w", err)
	}
	return &t, nil
}

// SaveRefreshToken persists a new refresh token with its TTL.
func (s *Store) SaveRefreshToken(ctx context.Context, t *storage.RefreshToken) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to serialize refresh token: %w", err)
	}
	cmd := s.client.B().Set().Key(s.refreshTokenKey(t.Key())).Value(string(data)).ExSeconds(s.ttl(t.ExpiresAt)).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// RotateRefreshToken deletes the old identity and stores the successor as a
// single Lua script invocation.
func (s *Store) RotateRefreshToken(ctx context.Context, old storage.RefreshTokenID, next *storage.RefreshToken) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to serialize refresh token: %w", err)
	}
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(2).
			Key(s.refreshTokenKey(old), s.refreshTokenKey(next.Key())).
			Arg(string(data), strconv.FormatInt(s.ttl(next.ExpiresAt), 10)).
			Build(),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if result == "CONSUMED" {
		return storage.ErrConsumed
	}
	return nil
}

// ConsumeAssertion marks a jti as seen with SET NX, which is atomic.
func (s *Store) ConsumeAssertion(ctx context.Context, jti string, expiresAt time.Time) error {
	cmd := s.client.B().Set().Key(s.assertionKey(jti)).Value("1").Nx().ExSeconds(s.ttl(expiresAt)).Build()
	resp := s.client.Do(ctx, cmd)
	if err := resp.Error(); err != nil {
		if valkeygo.IsValkeyNil(err) {
			// SET NX returns nil when the key already exists.
			return storage.ErrConsumed
		}
		return fmt.Errorf("failed to consume assertion: %w", err)
	}
	return nil
}
