package clientauth

import (
	"context"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// authenticateNone accepts public clients. A public client presenting a
// secret is misconfigured on one side, so it is rejected.
func authenticateNone(_ context.Context, req *Request) (*domain.ClientCredentials, error) {
	if req.Input.HasBasic || req.Input.ClientSecret != "" || req.Input.ClientAssertion != "" {
		return nil, idperrors.ClientUnauthorized("client is registered without authentication but presented credentials")
	}
	return &domain.ClientCredentials{}, nil
}

func authenticateSecretBasic(_ context.Context, req *Request) (*domain.ClientCredentials, error) {
	if !req.Input.HasBasic {
		return nil, idperrors.ClientUnauthorized("client_secret_basic requires HTTP Basic authentication")
	}
	if !auth.VerifySecret(req.Input.BasicPassword, req.Client.ClientSecret) {
		return nil, idperrors.ClientUnauthorized("client secret does not match")
	}
	return &domain.ClientCredentials{}, nil
}

func authenticateSecretPost(_ context.Context, req *Request) (*domain.ClientCredentials, error) {
	if req.Input.HasBasic || req.Input.ClientSecret == "" {
		return nil, idperrors.ClientUnauthorized("client_secret_post requires client_secret in the request body")
	}
	if !auth.VerifySecret(req.Input.ClientSecret, req.Client.ClientSecret) {
		return nil, idperrors.ClientUnauthorized("client secret does not match")
	}
	return &domain.ClientCredentials{}, nil
}
