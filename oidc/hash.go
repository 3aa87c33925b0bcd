package oidc

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"

	"github.com/lestrrat-go/jwx/v2/jwa"
)

// TokenHash computes the OIDC token hash binding value (c_hash, at_hash) for
// the given ASCII value: the left half of the digest of the hash function
// matching the ID token's signature algorithm, base64url encoded without
// padding. EdDSA uses SHA-512.
func TokenHash(alg jwa.SignatureAlgorithm, value string) (string, error) {
	h, err := hashForAlgorithm(alg)
	if err != nil {
		return "", err
	}
	h.Write([]byte(value))
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

func hashForAlgorithm(alg jwa.SignatureAlgorithm) (hash.Hash, error) {
	switch alg {
	case jwa.HS256, jwa.RS256, jwa.ES256, jwa.ES256K, jwa.PS256:
		return sha256.New(), nil
	case jwa.HS384, jwa.RS384, jwa.ES384, jwa.PS384:
		return sha512.New384(), nil
	case jwa.HS512, jwa.RS512, jwa.ES512, jwa.PS512, jwa.EdDSA:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("no token hash defined for algorithm %q", alg)
}
