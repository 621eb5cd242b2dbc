// Package oidc implements the OAuth 2.0 and OpenID Connect protocol core:
// authorization request verification per security profile, the interaction
// decisions, the token endpoint grants, and userinfo.
package oidc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/metrics"
	"github.com/tendant/tenant-idp/internal/policy"
	"github.com/tendant/tenant-idp/internal/store"
	"github.com/tendant/tenant-idp/internal/telemetry"
)

// AuthenticationMethodPassword is the only interaction method of this provider.
const AuthenticationMethodPassword = "password"

// RequestObjectClaims are JWT claims of a request object that are not
// authorization parameters.
var RequestObjectClaims = []string{"iss", "aud", "exp", "iat", "nbf", "jti"}

// AuthorizeService handles authorization requests and the interaction
// decisions that complete them.
type AuthorizeService struct {
	servers  store.ServerConfigurationRepository
	clients  store.ClientConfigurationRepository
	requests store.AuthorizationRequestRepository
	codes    store.AuthorizationCodeGrantRepository
	users    *auth.Service
	policies *policy.Resolver
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// AuthorizeOption configures the AuthorizeService.
type AuthorizeOption func(*AuthorizeService)

// WithAuthorizeLogger sets the logger.
func WithAuthorizeLogger(logger *slog.Logger) AuthorizeOption {
	return func(s *AuthorizeService) {
		s.logger = logger
	}
}

// WithAuthorizeClock overrides the clock.
func WithAuthorizeClock(now func() time.Time) AuthorizeOption {
	return func(s *AuthorizeService) {
		s.now = now
	}
}

// NewAuthorizeService creates a new AuthorizeService.
func NewAuthorizeService(cfg store.Configuration, grants store.Grants, users *auth.Service, policies *policy.Resolver, opts ...AuthorizeOption) *AuthorizeService {
	s := &AuthorizeService{
		servers:  cfg.Servers(),
		clients:  cfg.Clients(),
		requests: grants.AuthorizationRequests(),
		codes:    grants.AuthorizationCodes(),
		users:    users,
		policies: policies,
		logger:   slog.Default(),
		tracer:   telemetry.Tracer("oidc"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request validates an authorization request and registers it until the
// end-user decides. Errors carry a redirect target once the redirect_uri is
// trusted.
func (s *AuthorizeService) Request(ctx context.Context, tenantID string, values url.Values) (req *domain.AuthorizationRequest, err error) {
	ctx, span := telemetry.Start(ctx, s.tracer, "oidc.AuthorizeService.Request", tenantID, values.Get("client_id"))
	defer func() { telemetry.End(span, err) }()

	server, err := LoadServer(ctx, s.servers, tenantID)
	if err != nil {
		return nil, err
	}

	clientID := values.Get("client_id")
	if clientID == "" {
		return nil, idperrors.ClientError("", "client_id is required")
	}
	client, err := s.loadClient(ctx, tenantID, clientID)
	if err != nil {
		return nil, err
	}

	if values.Get("request_uri") != "" {
		return nil, idperrors.ClientError("request_uri_not_supported", "request_uri is not supported")
	}
	params := domain.AuthorizationParamsFromValues(values)
	if raw := values.Get("request"); raw != "" {
		params, err = mergeRequestObject(server, client, values, raw)
		if err != nil {
			return nil, err
		}
	}

	params.TenantID = tenantID
	params.Profile = NegotiateProfile(server, client, domain.ParseScopes(params.Scope))
	params.TTL = server.RequestTTL()
	params.Now = s.now()

	req, err = domain.NewAuthorizationRequest(params)
	if err != nil {
		return nil, err
	}

	rc := &AuthorizationRequestContext{Server: server, Client: client, Request: req}
	if err := Verify(rc); err != nil {
		return nil, err
	}
	if slices.Contains(req.Prompt(), "none") {
		return nil, rc.redirectError(idperrors.CodeLoginRequired, "end-user authentication is required")
	}

	if err := s.requests.Register(ctx, req); err != nil {
		return nil, idperrors.ServerError(fmt.Errorf("failed to register authorization request: %w", err))
	}
	s.logger.Debug("authorization request registered",
		"tenant_id", tenantID, "client_id", clientID, "request_id", req.ID(), "profile", req.Profile())
	return req, nil
}

// mergeRequestObject verifies the signed request object and lets its claims
// override the query parameters.
func mergeRequestObject(server *domain.ServerConfiguration, client *domain.ClientConfiguration, values url.Values, raw string) (domain.AuthorizationRequestParams, error) {
	obj, err := crypto.VerifyRequestObject(raw, client)
	if err != nil {
		return domain.AuthorizationRequestParams{}, err
	}
	if obj.Has("aud") {
		aud, err := obj.Claims.GetAudience()
		if err != nil || !slices.Contains(aud, server.Issuer) {
			return domain.AuthorizationRequestParams{}, idperrors.ClientError(idperrors.CodeInvalidRequestObject,
				"request object aud must contain the issuer")
		}
	}

	merged := url.Values{}
	for k, v := range values {
		if k != "request" {
			merged[k] = v
		}
	}
	for k, v := range obj.Params() {
		if !slices.Contains(RequestObjectClaims, k) {
			merged.Set(k, v)
		}
	}

	params := domain.AuthorizationParamsFromValues(merged)
	params.RequestObject = true
	return params, nil
}

func (s *AuthorizeService) loadClient(ctx context.Context, tenantID, clientID string) (*domain.ClientConfiguration, error) {
	client, err := s.clients.Get(ctx, tenantID, clientID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.ConfigurationNotFound("client", clientID)
		}
		return nil, idperrors.ServerError(fmt.Errorf("failed to get client: %w", err))
	}
	return client, nil
}

// pending loads a registered request with its configuration.
func (s *AuthorizeService) pending(ctx context.Context, tenantID, id string) (*AuthorizationRequestContext, error) {
	server, err := LoadServer(ctx, s.servers, tenantID)
	if err != nil {
		return nil, err
	}
	req, err := s.requests.Get(ctx, tenantID, id)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.ClientError("", "authorization request not found")
		}
		return nil, idperrors.ServerError(fmt.Errorf("failed to get authorization request: %w", err))
	}
	if req.IsExpired(s.now()) {
		_ = s.requests.Delete(ctx, tenantID, id)
		return nil, idperrors.ClientError("", "authorization request has expired")
	}
	client, err := s.loadClient(ctx, tenantID, req.ClientID())
	if err != nil {
		return nil, err
	}
	return &AuthorizationRequestContext{Server: server, Client: client, Request: req}, nil
}

// consume removes the request for a decision. A request that another call
// already consumed is reported as not found.
func (s *AuthorizeService) consume(ctx context.Context, tenantID, id string) error {
	if _, err := s.requests.Consume(ctx, tenantID, id); err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return idperrors.ClientError("", "authorization request not found")
		}
		return idperrors.ServerError(fmt.Errorf("failed to consume authorization request: %w", err))
	}
	return nil
}

// ViewData is what an interaction UI needs to render a pending request.
type ViewData struct {
	ID                   string          `json:"id"`
	ClientID             string          `json:"client_id"`
	ClientName           string          `json:"client_name,omitempty"`
	Scopes               []string        `json:"scopes"`
	Profile              domain.Profile  `json:"profile"`
	LoginHint            string          `json:"login_hint,omitempty"`
	Prompt               []string        `json:"prompt,omitempty"`
	AcrValues            []string        `json:"acr_values,omitempty"`
	UILocales            string          `json:"ui_locales,omitempty"`
	AuthorizationDetails json.RawMessage `json:"authorization_details,omitempty"`
	AvailableMethods     []string        `json:"available_methods,omitempty"`
	ExpiresAt            time.Time       `json:"expires_at"`
}

// ViewData describes a pending authorization request.
func (s *AuthorizeService) ViewData(ctx context.Context, tenantID, id string) (*ViewData, error) {
	rc, err := s.pending(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	req := rc.Request
	p, err := s.resolvePolicy(ctx, rc)
	if err != nil {
		return nil, err
	}
	return &ViewData{
		ID:                   req.ID(),
		ClientID:             req.ClientID(),
		ClientName:           rc.Client.ClientName,
		Scopes:               rc.Client.FilterScopes(req.Scopes()),
		Profile:              req.Profile(),
		LoginHint:            req.LoginHint(),
		Prompt:               req.Prompt(),
		AcrValues:            req.AcrValues(),
		UILocales:            req.UILocales(),
		AuthorizationDetails: req.AuthorizationDetails(),
		AvailableMethods:     p.AvailableMethods,
		ExpiresAt:            req.ExpiresAt(),
	}, nil
}

func (s *AuthorizeService) resolvePolicy(ctx context.Context, rc *AuthorizationRequestContext) (*domain.AuthenticationPolicy, error) {
	p, err := s.policies.Resolve(ctx, rc.Server.TenantID, domain.PolicyFlowOAuth, policy.Subject{
		ClientID:  rc.Client.ClientID,
		AcrValues: rc.Request.AcrValues(),
		Scopes:    rc.Request.Scopes(),
	})
	if err != nil {
		return nil, idperrors.ServerError(err)
	}
	return p, nil
}

// Authorize authenticates the end-user, issues an authorization code and
// returns the redirect back to the client. Failed credentials leave the
// request pending so the user can retry.
func (s *AuthorizeService) Authorize(ctx context.Context, tenantID, id, username, password string) (redirect string, err error) {
	ctx, span := telemetry.Start(ctx, s.tracer, "oidc.AuthorizeService.Authorize", tenantID, "")
	defer func() { telemetry.End(span, err) }()

	rc, err := s.pending(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	req := rc.Request

	p, err := s.resolvePolicy(ctx, rc)
	if err != nil {
		return "", err
	}
	if !p.AllowsMethod(AuthenticationMethodPassword) {
		_ = s.requests.Delete(ctx, tenantID, id)
		return "", rc.redirectError(idperrors.CodeAccessDenied, "password authentication is not allowed by policy")
	}

	user, err := s.users.Authenticate(ctx, tenantID, username, password)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeRateLimited) {
			metrics.RecordLogin("locked")
		} else {
			metrics.RecordLogin("failure")
		}
		return "", err
	}
	metrics.RecordLogin("success")

	if err := s.consume(ctx, tenantID, id); err != nil {
		return "", err
	}

	now := s.now()
	scopes := rc.Client.FilterScopes(req.Scopes())
	builder := ClaimsBuilder{Supported: rc.Server.ClaimsSupported}
	requested := req.Claims()
	idTokenClaims := builder.GrantIDTokenClaims(scopes, requested.IDTokenNames(), rc.Server.IDTokenStrictMode)
	userinfoClaims := builder.GrantUserinfoClaims(scopes, requested.UserInfoNames())
	code := &domain.AuthorizationCodeGrant{
		Code:                   uuid.New().String(),
		TenantID:               tenantID,
		AuthorizationRequestID: req.ID(),
		Grant: domain.AuthorizationGrant{
			TenantID:               tenantID,
			ClientID:               req.ClientID(),
			UserSub:                user.Sub,
			Scopes:                 scopes,
			IDTokenClaims:          idTokenClaims,
			UserinfoClaims:         userinfoClaims,
			IDTokenVerifiedClaims:  builder.GrantVerifiedClaims(idTokenClaims, requested.IDTokenVerified),
			UserinfoVerifiedClaims: builder.GrantVerifiedClaims(userinfoClaims, requested.UserInfoVerified),
			AuthorizationDetails:   req.AuthorizationDetails(),
			AuthTime:               now,
			ACR:                    p.ACR,
			AMR:                    []string{"pwd"},
		},
		RedirectURI:         req.RedirectURI(),
		CodeChallenge:       req.CodeChallenge(),
		CodeChallengeMethod: req.CodeChallengeMethod(),
		Nonce:               req.Nonce(),
		CreatedAt:           now,
		ExpiresAt:           now.Add(rc.Server.CodeTTL()),
	}
	if err := s.codes.Register(ctx, code); err != nil {
		return "", idperrors.ServerError(fmt.Errorf("failed to register authorization code: %w", err))
	}
	metrics.RecordAuthCodeIssued()
	s.logger.Info("authorization code issued",
		"tenant_id", tenantID, "client_id", req.ClientID(), "sub", user.Sub)

	return BuildAuthorizationResponse(rc.RedirectURI(), code.Code, req.State()), nil
}

// Deny ends the request with access_denied and returns the redirect back to the client.
func (s *AuthorizeService) Deny(ctx context.Context, tenantID, id string) (string, error) {
	rc, err := s.pending(ctx, tenantID, id)
	if err != nil {
		return "", err
	}
	if err := s.consume(ctx, tenantID, id); err != nil {
		return "", err
	}
	return BuildErrorResponse(rc.RedirectURI(), idperrors.CodeAccessDenied, "the end-user denied the request", rc.Request.State()), nil
}

// BuildAuthorizationResponse builds the redirect URL with the authorization code.
func BuildAuthorizationResponse(redirectURI, code, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// BuildErrorResponse builds the redirect URL with an error.
func BuildErrorResponse(redirectURI, errorCode, errorDescription, state string) string {
	u, _ := url.Parse(redirectURI)
	q := u.Query()
	q.Set("error", errorCode)
	if errorDescription != "" {
		q.Set("error_description", errorDescription)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
