package clientauth

import (
	"context"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

func authenticateSecretJWT(ctx context.Context, req *Request) (*domain.ClientCredentials, error) {
	return verifyAssertion(req, crypto.HMACAlgorithms)
}

func authenticatePrivateKeyJWT(ctx context.Context, req *Request) (*domain.ClientCredentials, error) {
	return verifyAssertion(req, crypto.AsymmetricAlgorithms)
}

// verifyAssertion checks an RFC 7523 client assertion.
func verifyAssertion(req *Request, algs []string) (*domain.ClientCredentials, error) {
	in := req.Input
	if in.ClientAssertion == "" {
		return nil, idperrors.ClientUnauthorized("client_assertion is required")
	}
	if in.ClientAssertionType != domain.ClientAssertionTypeJWTBearer {
		return nil, idperrors.ClientUnauthorized("client_assertion_type must be " + domain.ClientAssertionTypeJWTBearer)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(in.ClientAssertion, claims, crypto.ClientKeyfunc(req.Client),
		jwt.WithValidMethods(algs),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return req.Now }),
	)
	if err != nil {
		return nil, idperrors.ClientUnauthorized("client assertion is invalid: " + err.Error())
	}

	iss, _ := claims.GetIssuer()
	sub, _ := claims.GetSubject()
	if iss != req.Client.ClientID || sub != req.Client.ClientID {
		return nil, idperrors.ClientUnauthorized("client assertion iss and sub must equal client_id")
	}

	aud, _ := claims.GetAudience()
	if !slices.ContainsFunc(req.Server.Audiences(), func(a string) bool { return slices.Contains(aud, a) }) {
		return nil, idperrors.ClientUnauthorized("client assertion aud does not name this server")
	}

	if jti, _ := claims["jti"].(string); jti == "" {
		return nil, idperrors.ClientUnauthorized("client assertion jti is required")
	}

	return &domain.ClientCredentials{AssertionClaims: claims}, nil
}
