package jose

import (
	"strings"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	keychain, err := GenerateKeychain()
	if err != nil {
		t.Fatalf("GenerateKeychain: %v", err)
	}
	codec, err := keychain.Codec()
	if err != nil {
		t.Fatalf("Codec: %v", err)
	}
	return codec
}

func newTestToken(t *testing.T) jwt.Token {
	t.Helper()
	token, err := jwt.NewBuilder().
		Issuer("https://issuer.example").
		Subject("sub-1").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Minute)).
		Build()
	if err != nil {
		t.Fatalf("building token: %v", err)
	}
	return token
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := newTestCodec(t)
	data, err := codec.Encode(newTestToken(t), TypeAccessToken)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	token, err := codec.Decode(data, TypeAccessToken)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if token.Subject() != "sub-1" {
		t.Errorf("Subject = %q, want %q", token.Subject(), "sub-1")
	}
}

func TestDecodeRejectsWrongType(t *testing.T) {
	codec := newTestCodec(t)
	data, err := codec.Encode(newTestToken(t), TypeRefreshToken)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := codec.Decode(data, TypeAccessToken); err == nil {
		t.Error("Decode accepted rt+jwt where at+jwt was required")
	}
	if _, err := codec.Decode(data, TypeAccessToken, TypeRefreshToken); err != nil {
		t.Errorf("Decode with multiple accepted types: %v", err)
	}
}

func TestDecodeRejectsForeignSignature(t *testing.T) {
	ours := newTestCodec(t)
	theirs := newTestCodec(t)

	data, err := theirs.Encode(newTestToken(t), TypeAccessToken)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := ours.Decode(data, TypeAccessToken); err == nil {
		t.Error("Decode accepted a token signed by a foreign key")
	}
}

func TestDecodeRejectsTamperedPayload(t *testing.T) {
	codec := newTestCodec(t)
	data, err := codec.Encode(newTestToken(t), TypeAccessToken)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	parts := strings.Split(string(data), ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected serialization: %d parts", len(parts))
	}
	tampered := parts[0] + "." + parts[1] + "x." + parts[2]
	if _, err := codec.Decode([]byte(tampered), TypeAccessToken); err == nil {
		t.Error("Decode accepted a tampered payload")
	}
}

func TestPeekType(t *testing.T) {
	codec := newTestCodec(t)
	data, err := codec.Encode(newTestToken(t), TypeRequestObject)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	typ, err := PeekType(data)
	if err != nil {
		t.Fatalf("PeekType: %v", err)
	}
	if typ != TypeRequestObject {
		t.Errorf("typ = %q, want %q", typ, TypeRequestObject)
	}
}

func TestParseInsecure(t *testing.T) {
	codec := newTestCodec(t)
	data, err := codec.Encode(newTestToken(t), TypeJWT)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	token, err := ParseInsecure(data)
	if err != nil {
		t.Fatalf("ParseInsecure: %v", err)
	}
	if token.Issuer() != "https://issuer.example" {
		t.Errorf("Issuer = %q, want %q", token.Issuer(), "https://issuer.example")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	keychain, err := GenerateKeychain()
	if err != nil {
		t.Fatalf("GenerateKeychain: %v", err)
	}
	key, _ := keychain.Active()
	public, _ := keychain.Public()
	secret := make([]byte, 32)
	codec := NewCodec(WithSigner(key), WithVerifier(public), WithEncryptionKey(secret))

	data, err := codec.EncodeEncrypted(newTestToken(t), TypeSession)
	if err != nil {
		t.Fatalf("EncodeEncrypted: %v", err)
	}
	if strings.Count(string(data), ".") != 4 {
		t.Errorf("expected a five-part JWE serialization, got %q", data)
	}

	token, err := codec.DecodeEncrypted(data, TypeSession)
	if err != nil {
		t.Fatalf("DecodeEncrypted: %v", err)
	}
	if token.Subject() != "sub-1" {
		t.Errorf("Subject = %q, want %q", token.Subject(), "sub-1")
	}

	wrongKey := make([]byte, 32)
	wrongKey[0] = 1
	other := NewCodec(WithSigner(key), WithVerifier(public), WithEncryptionKey(wrongKey))
	if _, err := other.DecodeEncrypted(data, TypeSession); err == nil {
		t.Error("DecodeEncrypted accepted a token under the wrong key")
	}
}

func TestKeychainPublicOmitsPrivateMaterial(t *testing.T) {
	keychain, err := GenerateKeychain()
	if err != nil {
		t.Fatalf("GenerateKeychain: %v", err)
	}
	public, err := keychain.Public()
	if err != nil {
		t.Fatalf("Public: %v", err)
	}
	if public.Len() != 1 {
		t.Fatalf("public set has %d keys, want 1", public.Len())
	}
	key, _ := public.Key(0)
	if _, ok := key.Get("d"); ok {
		t.Error("public set leaked a private key component")
	}
	if key.KeyID() == "" {
		t.Error("public key has no kid")
	}
}
