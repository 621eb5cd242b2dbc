// Package store defines repository interfaces for persistence.
//
// Configuration repositories are read-only views of tenant documents. Grant
// repositories hold transient protocol state; their Consume and Transition
// methods are the at-most-once guarantee the protocol core relies on.
package store

import (
	"context"
	"time"

	"github.com/tendant/tenant-idp/internal/domain"
)

// ServerConfigurationRepository loads per-tenant authorization server configuration.
type ServerConfigurationRepository interface {
	Get(ctx context.Context, tenantID string) (*domain.ServerConfiguration, error)
}

// ClientConfigurationRepository loads per-tenant client configuration.
type ClientConfigurationRepository interface {
	Get(ctx context.Context, tenantID, clientID string) (*domain.ClientConfiguration, error)
}

// UserRepository looks up tenant users.
type UserRepository interface {
	Get(ctx context.Context, tenantID, sub string) (*domain.User, error)
	// FindBy looks a user up by an attribute: "sub", "username", "email",
	// "phone_number" or "external_user_id".
	FindBy(ctx context.Context, tenantID, attribute, value string) (*domain.User, error)
}

// AuthenticationPolicyRepository lists the configured policies of a flow, in configured order.
type AuthenticationPolicyRepository interface {
	List(ctx context.Context, tenantID string, flow domain.PolicyFlow) ([]domain.AuthenticationPolicy, error)
}

// AuthorizationRequestRepository holds front-channel requests between start and decision.
type AuthorizationRequestRepository interface {
	Register(ctx context.Context, req *domain.AuthorizationRequest) error
	Get(ctx context.Context, tenantID, id string) (*domain.AuthorizationRequest, error)
	// Consume atomically removes the request. Only one caller gets it; the
	// others get a not_found error.
	Consume(ctx context.Context, tenantID, id string) (*domain.AuthorizationRequest, error)
	Delete(ctx context.Context, tenantID, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// AuthorizationCodeGrantRepository holds issued authorization codes.
type AuthorizationCodeGrantRepository interface {
	Register(ctx context.Context, grant *domain.AuthorizationCodeGrant) error
	Find(ctx context.Context, tenantID, code string) (*domain.AuthorizationCodeGrant, error)
	// Consume atomically removes the code. A second Consume of the same code
	// returns a not_found error.
	Consume(ctx context.Context, tenantID, code string) (*domain.AuthorizationCodeGrant, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// CibaGrantRepository holds backchannel authentication requests.
type CibaGrantRepository interface {
	Register(ctx context.Context, grant *domain.CibaGrant) error
	Find(ctx context.Context, tenantID, authReqID string) (*domain.CibaGrant, error)
	// Transition moves the grant from one status to another, applying update to the
	// stored value. It returns a conflict error when the stored status is not from.
	Transition(ctx context.Context, tenantID, authReqID string, from, to domain.CibaGrantStatus,
		update func(*domain.CibaGrant)) (*domain.CibaGrant, error)
	// Consume atomically removes an AUTHORIZED grant. It returns not_found when
	// the grant is gone and conflict when it is not AUTHORIZED.
	Consume(ctx context.Context, tenantID, authReqID string) (*domain.CibaGrant, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// OAuthTokenRepository holds issued token bundles.
type OAuthTokenRepository interface {
	Register(ctx context.Context, token *domain.OAuthToken) error
	FindByAccessToken(ctx context.Context, tenantID, accessToken string) (*domain.OAuthToken, error)
	FindByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*domain.OAuthToken, error)
	// ConsumeByRefreshToken atomically removes the bundle owning the refresh token.
	ConsumeByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*domain.OAuthToken, error)
	Delete(ctx context.Context, tenantID, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Configuration aggregates the read-only configuration repositories.
type Configuration interface {
	Servers() ServerConfigurationRepository
	Clients() ClientConfigurationRepository
	Users() UserRepository
	Policies() AuthenticationPolicyRepository
}

// Grants aggregates the transient protocol state repositories.
type Grants interface {
	AuthorizationRequests() AuthorizationRequestRepository
	AuthorizationCodes() AuthorizationCodeGrantRepository
	CibaGrants() CibaGrantRepository
	Tokens() OAuthTokenRepository
	Close() error
}
