package jose

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JOSE typ header values used on the wire. The typ distinguishes token kinds
// so that a token minted for one purpose is never accepted for another.
const (
	// TypeAccessToken marks a self-encoded access token.
	TypeAccessToken = "at+jwt"

	// TypeRefreshToken marks a self-encoded refresh token.
	TypeRefreshToken = "rt+jwt"

	// TypeSession marks a session token presented with the session grant.
	TypeSession = "jwt+session"

	// TypeRequestObject marks a signed authorization request object.
	TypeRequestObject = "oauth-authz-req+jwt"

	// TypeJWT is the generic typ used for ID tokens and client assertions.
	TypeJWT = "JWT"
)

// Codec signs and verifies compact JWT serializations. The zero value is not
// usable; construct with NewCodec.
type Codec struct {
	signer     jwk.Key
	verifier   jwk.Set
	encryption []byte
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithSigner sets the private signing key. The key must carry an alg.
func WithSigner(key jwk.Key) CodecOption {
	return func(c *Codec) { c.signer = key }
}

// WithVerifier sets the public key set accepted on Decode.
func WithVerifier(set jwk.Set) CodecOption {
	return func(c *Codec) { c.verifier = set }
}

// WithEncryptionKey sets the symmetric key used to wrap tokens in a JWE
// envelope. The key must be 32 bytes.
func WithEncryptionKey(key []byte) CodecOption {
	return func(c *Codec) { c.encryption = key }
}

// NewCodec creates a codec from the given options.
func NewCodec(opts ...CodecOption) *Codec {
	c := &Codec{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Encode signs the token as a compact serialization with the given typ
// header.
func (c *Codec) Encode(token jwt.Token, typ string) ([]byte, error) {
	if c.signer == nil {
		return nil, fmt.Errorf("codec has no signing key")
	}
	alg := jwa.SignatureAlgorithm(c.signer.Algorithm().String())
	if alg == "" {
		return nil, fmt.Errorf("signing key %q has no algorithm", c.signer.KeyID())
	}
	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.TypeKey, typ); err != nil {
		return nil, fmt.Errorf("failed to set typ header: %w", err)
	}
	data, err := jwt.Sign(token, jwt.WithKey(alg, c.signer, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return data, nil
}

// Decode verifies the signature against the codec's key set and returns the
// claims without temporal validation; callers validate exp, aud and friends
// themselves. When accept is non-empty the typ header must match one of the
// accepted values.
func (c *Codec) Decode(data []byte, accept ...string) (jwt.Token, error) {
	if c.verifier == nil {
		return nil, fmt.Errorf("codec has no verification keys")
	}
	if _, err := jws.Verify(data, jws.WithKeySet(c.verifier,
		jws.WithRequireKid(false),
		jws.WithInferAlgorithmFromKey(true),
	)); err != nil {
		return nil, fmt.Errorf("signature verification failed: %w", err)
	}
	if len(accept) > 0 {
		typ, err := tokenType(data)
		if err != nil {
			return nil, err
		}
		if !accepted(typ, accept) {
			return nil, fmt.Errorf("unexpected token typ %q", typ)
		}
	}
	token, err := jwt.Parse(data, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return token, nil
}

// EncodeEncrypted signs the token and wraps the compact serialization in a
// JWE envelope under the codec's encryption key.
func (c *Codec) EncodeEncrypted(token jwt.Token, typ string) ([]byte, error) {
	if c.encryption == nil {
		return nil, fmt.Errorf("codec has no encryption key")
	}
	signed, err := c.Encode(token, typ)
	if err != nil {
		return nil, err
	}
	hdrs := jwe.NewHeaders()
	if err := hdrs.Set(jwe.ContentTypeKey, typ); err != nil {
		return nil, fmt.Errorf("failed to set cty header: %w", err)
	}
	data, err := jwe.Encrypt(signed,
		jwe.WithKey(jwa.A256KW, c.encryption),
		jwe.WithContentEncryption(jwa.A256GCM),
		jwe.WithProtectedHeaders(hdrs),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt token: %w", err)
	}
	return data, nil
}

// DecodeEncrypted unwraps a JWE envelope and verifies the nested signed
// token the way Decode does.
func (c *Codec) DecodeEncrypted(data []byte, accept ...string) (jwt.Token, error) {
	if c.encryption == nil {
		return nil, fmt.Errorf("codec has no encryption key")
	}
	signed, err := jwe.Decrypt(data, jwe.WithKey(jwa.A256KW, c.encryption))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}
	return c.Decode(signed, accept...)
}

// ParseInsecure parses claims without verifying the signature. Used to peek
// at iss or client_id before the verification keys are known.
func ParseInsecure(data []byte) (jwt.Token, error) {
	token, err := jwt.Parse(data, jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return token, nil
}

// PeekType returns the typ header of a compact serialization without
// verifying it.
func PeekType(data []byte) (string, error) {
	return tokenType(data)
}

// FetchSet retrieves a remote JWK set, typically a client's jwks_uri.
func FetchSet(ctx context.Context, url string) (jwk.Set, error) {
	set, err := jwk.Fetch(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks from %s: %w", url, err)
	}
	return set, nil
}

// ParseSet parses a static JWK set, typically a client's registered keys.
func ParseSet(data []byte) (jwk.Set, error) {
	set, err := jwk.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jwks: %w", err)
	}
	return set, nil
}

func tokenType(data []byte) (string, error) {
	msg, err := jws.Parse(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse serialization: %w", err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return "", fmt.Errorf("serialization carries no signature")
	}
	return sigs[0].ProtectedHeaders().Type(), nil
}

func accepted(typ string, accept []string) bool {
	for _, a := range accept {
		if typ == a {
			return true
		}
	}
	return false
}
