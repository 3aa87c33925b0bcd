package jose

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Keychain holds the private signing keys of the authorization server. The
// first key added becomes the active signing key; older keys remain in the
// set so tokens signed before a rotation still verify.
type Keychain struct {
	keys   jwk.Set
	active jwk.Key
}

// NewKeychain creates an empty keychain.
func NewKeychain() *Keychain {
	return &Keychain{keys: jwk.NewSet()}
}

// GenerateKeychain creates a keychain with a fresh P-256 signing key. It is
// the default when no keys are configured.
func GenerateKeychain() (*Keychain, error) {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	k := NewKeychain()
	if err := k.AddECDSA(raw); err != nil {
		return nil, err
	}
	return k, nil
}

// AddECDSA adds a raw ECDSA private key.
func (k *Keychain) AddECDSA(raw *ecdsa.PrivateKey) error {
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return fmt.Errorf("failed to import ecdsa key: %w", err)
	}
	return k.Add(key)
}

// AddRSA adds a raw RSA private key.
func (k *Keychain) AddRSA(raw *rsa.PrivateKey) error {
	key, err := jwk.FromRaw(raw)
	if err != nil {
		return fmt.Errorf("failed to import rsa key: %w", err)
	}
	return k.Add(key)
}

// Add adds a private key to the keychain, assigning a key ID and signature
// algorithm when the key carries none.
func (k *Keychain) Add(key jwk.Key) error {
	if key.KeyID() == "" {
		if err := key.Set(jwk.KeyIDKey, uuid.NewString()); err != nil {
			return fmt.Errorf("failed to set key id: %w", err)
		}
	}
	if key.Algorithm().String() == "" {
		alg, err := defaultAlgorithm(key)
		if err != nil {
			return err
		}
		if err := key.Set(jwk.AlgorithmKey, alg); err != nil {
			return fmt.Errorf("failed to set key algorithm: %w", err)
		}
	}
	if err := k.keys.AddKey(key); err != nil {
		return fmt.Errorf("failed to add key: %w", err)
	}
	if k.active == nil {
		k.active = key
	}
	return nil
}

func defaultAlgorithm(key jwk.Key) (jwa.SignatureAlgorithm, error) {
	switch key.KeyType() {
	case jwa.EC:
		return jwa.ES256, nil
	case jwa.RSA:
		return jwa.RS256, nil
	case jwa.OKP:
		return jwa.EdDSA, nil
	}
	return "", fmt.Errorf("unsupported key type %q", key.KeyType())
}

// Active returns the active signing key.
func (k *Keychain) Active() (jwk.Key, error) {
	if k.active == nil {
		return nil, fmt.Errorf("keychain has no signing key")
	}
	return k.active, nil
}

// Algorithm returns the signature algorithm of the active key.
func (k *Keychain) Algorithm() (jwa.SignatureAlgorithm, error) {
	key, err := k.Active()
	if err != nil {
		return "", err
	}
	return jwa.SignatureAlgorithm(key.Algorithm().String()), nil
}

// Public returns the public JWK set, as served from the JWKS endpoint.
func (k *Keychain) Public() (jwk.Set, error) {
	set, err := jwk.PublicSetOf(k.keys)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key set: %w", err)
	}
	return set, nil
}

// Codec returns a codec that signs with the active key and verifies against
// the keychain's public set.
func (k *Keychain) Codec() (*Codec, error) {
	key, err := k.Active()
	if err != nil {
		return nil, err
	}
	public, err := k.Public()
	if err != nil {
		return nil, err
	}
	return NewCodec(WithSigner(key), WithVerifier(public)), nil
}
