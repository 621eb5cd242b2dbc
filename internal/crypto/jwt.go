package crypto

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Signer signs provider tokens with the active key and verifies them by kid,
// including tokens signed by keys that were rotated out but not yet expired.
type Signer struct {
	keys *KeyService
}

// NewSigner creates a Signer over the key service.
func NewSigner(keys *KeyService) *Signer {
	return &Signer{keys: keys}
}

// Sign signs claims with the active key and sets the kid header.
func (s *Signer) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	key, err := s.keys.GetActiveKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load signing key: %w", err)
	}

	token := jwt.NewWithClaims(key.SigningMethod(), claims)
	token.Header["kid"] = key.Kid

	signed, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature of a token issued by this provider and returns its claims.
// Parser options add claim validation such as issuer or audience.
func (s *Signer) Verify(ctx context.Context, tokenString string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	opts = append([]jwt.ParserOption{jwt.WithValidMethods([]string{Algorithm, "RS384", "RS512"})}, opts...)

	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing key ID in token header")
		}
		key, err := s.keys.GetKeyByID(ctx, kid)
		if err != nil {
			return nil, fmt.Errorf("unknown key ID: %s", kid)
		}
		if key.IsExpired() {
			return nil, fmt.Errorf("key has expired: %s", kid)
		}
		return key.PublicKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	return claims, nil
}
