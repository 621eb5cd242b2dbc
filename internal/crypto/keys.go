// Package crypto holds the provider's signing keys and the verification of
// keys and certificates presented by clients and trusted issuers.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultKeySize is the RSA modulus size of generated signing keys.
	DefaultKeySize = 2048
	// Algorithm is the JWS algorithm of generated signing keys.
	Algorithm = "RS256"
	// KeyUse is the JWK "use" of published keys.
	KeyUse = "sig"
)

// KeyPair is a provider signing key. Only the PEM fields are persisted.
type KeyPair struct {
	Kid        string          `json:"kid"`
	Alg        string          `json:"alg"`
	PrivateKey *rsa.PrivateKey `json:"-"`
	PublicKey  *rsa.PublicKey  `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	Active     bool            `json:"active"`

	PrivateKeyPEM []byte `json:"private_key_pem,omitempty"`
	PublicKeyPEM  []byte `json:"public_key_pem,omitempty"`
}

// GenerateKeyPair creates an RSA key whose kid is its RFC 7638 thumbprint.
func GenerateKeyPair(keySize int) (*KeyPair, error) {
	if keySize == 0 {
		keySize = DefaultKeySize
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	kid, err := DeriveKeyID(&privateKey.PublicKey)
	if err != nil {
		return nil, err
	}

	kp := &KeyPair{
		Kid:        kid,
		Alg:        Algorithm,
		PrivateKey: privateKey,
		PublicKey:  &privateKey.PublicKey,
		CreatedAt:  time.Now(),
		Active:     true,
	}
	if err := kp.serializeToPEM(); err != nil {
		return nil, err
	}
	return kp, nil
}

// DeriveKeyID computes the base64url RFC 7638 JWK thumbprint of a public key.
func DeriveKeyID(pub crypto.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}

func (kp *KeyPair) serializeToPEM() error {
	kp.PrivateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey),
	})

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(kp.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	kp.PublicKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: publicKeyBytes,
	})
	return nil
}

// LoadFromPEM restores the RSA keys after the pair was read from storage.
func (kp *KeyPair) LoadFromPEM() error {
	if kp.PrivateKeyPEM == nil || kp.PublicKeyPEM == nil {
		return fmt.Errorf("PEM data is missing")
	}

	block, _ := pem.Decode(kp.PrivateKeyPEM)
	if block == nil {
		return fmt.Errorf("failed to decode private key PEM")
	}
	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	block, _ = pem.Decode(kp.PublicKeyPEM)
	if block == nil {
		return fmt.Errorf("failed to decode public key PEM")
	}
	publicKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPublicKey, ok := publicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("not an RSA public key")
	}

	kp.PrivateKey = privateKey
	kp.PublicKey = rsaPublicKey
	return nil
}

// loaded makes sure the parsed keys are present.
func (kp *KeyPair) loaded() error {
	if kp.PrivateKey != nil && kp.PublicKey != nil {
		return nil
	}
	return kp.LoadFromPEM()
}

// SigningMethod returns the golang-jwt method for the pair's algorithm.
func (kp *KeyPair) SigningMethod() jwt.SigningMethod {
	if m := jwt.GetSigningMethod(kp.Alg); m != nil {
		return m
	}
	return jwt.SigningMethodRS256
}

// IsExpired reports whether a rotated-out key may no longer verify tokens.
func (kp *KeyPair) IsExpired() bool {
	if kp.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(kp.ExpiresAt)
}

// JSONWebKey returns the public half as a go-jose JWK.
func (kp *KeyPair) JSONWebKey() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       kp.PublicKey,
		KeyID:     kp.Kid,
		Algorithm: kp.Alg,
		Use:       KeyUse,
	}
}
