package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/go-jose/go-jose/v3/jwt"
	"github.com/google/uuid"
)

// DPoPKey is the asymmetric key pair an access token is bound to.
// Every authenticated request must carry a proof signed with this key.
type DPoPKey struct {
	privateKey *ecdsa.PrivateKey
}

// GenerateDPoPKey creates a fresh ES256 key pair.
func GenerateDPoPKey() (*DPoPKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating DPoP key pair: %w", err)
	}
	return &DPoPKey{privateKey: priv}, nil
}

// PublicJWK returns the public half as a JWK.
func (k *DPoPKey) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       &k.privateKey.PublicKey,
		Algorithm: string(jose.ES256),
		Use:       "sig",
	}
}

// Proof builds a DPoP proof JWT for one request: a compact JWS with the
// public JWK embedded in its header and htm/htu/jti/iat claims.
//
// The htu claim covers the target URL without query or fragment.
func (k *DPoPKey) Proof(method, targetURL string) (string, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("parsing DPoP target URL: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: k.privateKey},
		(&jose.SignerOptions{EmbedJWK: true}).WithType("dpop+jwt"),
	)
	if err != nil {
		return "", fmt.Errorf("creating DPoP signer: %w", err)
	}

	claims := map[string]interface{}{
		"htm": method,
		"htu": u.String(),
		"jti": uuid.NewString(),
		"iat": time.Now().Unix(),
	}
	proof, err := jwt.Signed(signer).Claims(claims).CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("signing DPoP proof: %w", err)
	}
	return proof, nil
}

// MarshalPKCS8 returns the private key as a base64 PKCS8 blob, the encoding
// used in the persisted cache file.
func (k *DPoPKey) MarshalPKCS8() (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.privateKey)
	if err != nil {
		return "", fmt.Errorf("encoding DPoP private key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ParseDPoPKeyPKCS8 reconstructs a key pair from its persisted encoding.
// keyType declares the expected key family; only "EC" keys are issued.
func ParseDPoPKeyPKCS8(keyType, encoded string) (*DPoPKey, error) {
	if keyType != "EC" {
		return nil, fmt.Errorf("unsupported DPoP key type %q", keyType)
	}
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding DPoP private key: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing DPoP private key: %w", err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("DPoP private key is %T, expected ECDSA", parsed)
	}
	return &DPoPKey{privateKey: priv}, nil
}
