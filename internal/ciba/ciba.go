// Package ciba implements Client-Initiated Backchannel Authentication: the
// backchannel authentication endpoint, the decision transitions of a pending
// request and the ciba token grant.
package ciba

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/tendant/tenant-idp/internal/auth"
	"github.com/tendant/tenant-idp/internal/clientauth"
	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
	"github.com/tendant/tenant-idp/internal/metrics"
	"github.com/tendant/tenant-idp/internal/oidc"
	"github.com/tendant/tenant-idp/internal/policy"
	"github.com/tendant/tenant-idp/internal/store"
	"github.com/tendant/tenant-idp/internal/telemetry"
)

// Response is the backchannel authentication response.
type Response struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int64  `json:"expires_in"`
	Interval  int64  `json:"interval,omitempty"`
}

// Service handles backchannel authentication requests and their decisions.
type Service struct {
	servers  store.ServerConfigurationRepository
	configs  store.ClientConfigurationRepository
	clients  *clientauth.Dispatcher
	users    store.UserRepository
	grants   store.CibaGrantRepository
	policies *policy.Resolver
	signer   *crypto.Signer
	notifier Notifier
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithNotifier sets the ping mode notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// NewService creates a Service. The signer verifies id_token_hint values.
func NewService(cfg store.Configuration, grants store.CibaGrantRepository, clients *clientauth.Dispatcher,
	policies *policy.Resolver, signer *crypto.Signer, opts ...Option) *Service {
	s := &Service{
		servers:  cfg.Servers(),
		configs:  cfg.Clients(),
		clients:  clients,
		users:    cfg.Users(),
		grants:   grants,
		policies: policies,
		signer:   signer,
		logger:   slog.Default(),
		tracer:   telemetry.Tracer("ciba"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = NewHTTPNotifier(nil, s.logger)
	}
	return s
}

// Request handles a backchannel authentication request and registers a
// REQUESTED grant for the resolved user.
func (s *Service) Request(ctx context.Context, tenantID string, values url.Values, in clientauth.Input) (resp *Response, err error) {
	ctx, span := telemetry.Start(ctx, s.tracer, "ciba.Service.Request", tenantID, in.ClientID)
	defer func() { telemetry.End(span, err) }()

	resp, err = s.request(ctx, tenantID, values, in)
	if err != nil {
		metrics.RecordCibaRequest("rejected")
		e := idperrors.OAuth(err)
		if e.Code == idperrors.CodeServerError {
			s.logger.Error("backchannel authentication failed", "tenant_id", tenantID, "error", err)
		} else {
			s.logger.Debug("backchannel authentication rejected", "tenant_id", tenantID, "error", err)
		}
		return nil, e
	}
	metrics.RecordCibaRequest("accepted")
	return resp, nil
}

func (s *Service) request(ctx context.Context, tenantID string, values url.Values, in clientauth.Input) (*Response, error) {
	server, err := oidc.LoadServer(ctx, s.servers, tenantID)
	if err != nil {
		return nil, err
	}
	authn, err := s.clients.Authenticate(ctx, server, in)
	if err != nil {
		return nil, err
	}
	client := authn.Client

	params := domain.BackchannelParamsFromValues(values)
	var obj *crypto.RequestObject
	if raw := values.Get("request"); raw != "" {
		params, obj, err = mergeRequestObject(server, client, values, raw)
		if err != nil {
			return nil, err
		}
	}
	params.TenantID = tenantID
	params.ClientID = client.ClientID
	params.Profile = NegotiateProfile(client)

	req, err := domain.NewBackchannelAuthenticationRequest(params)
	if err != nil {
		return nil, err
	}

	now := s.now()
	rc := &RequestContext{
		Server:        server,
		Client:        client,
		Credentials:   authn.Credentials,
		Request:       req,
		RequestObject: obj,
		Now:           now,
	}
	if err := Verify(rc); err != nil {
		return nil, err
	}

	user, err := s.resolveUser(ctx, server, req)
	if err != nil {
		return nil, err
	}
	if err := verifyUserCode(rc, user); err != nil {
		return nil, err
	}

	scopes := client.FilterScopes(req.Scopes())
	if !scopes.HasOpenID() {
		return nil, idperrors.InvalidScope("client is not allowed to request the openid scope")
	}

	pol, err := s.policies.Resolve(ctx, tenantID, domain.PolicyFlowCIBA, policy.Subject{
		ClientID:  client.ClientID,
		AcrValues: req.AcrValues(),
		Scopes:    scopes,
	})
	if err != nil {
		return nil, idperrors.ServerError(fmt.Errorf("failed to resolve authentication policy: %w", err))
	}

	expiresIn := server.BackchannelExpiresIn()
	if v, ok := req.RequestedExpiry(); ok && time.Duration(v)*time.Second < expiresIn {
		expiresIn = time.Duration(v) * time.Second
	}
	interval := server.BackchannelInterval()

	builder := oidc.ClaimsBuilder{Supported: server.ClaimsSupported}
	grant := &domain.CibaGrant{
		AuthReqID: req.AuthReqID(),
		TenantID:  tenantID,
		ClientID:  client.ClientID,
		Status:    domain.CibaStatusRequested,
		Grant: domain.AuthorizationGrant{
			TenantID:             tenantID,
			ClientID:             client.ClientID,
			UserSub:              user.Sub,
			Scopes:               scopes,
			IDTokenClaims:        builder.GrantIDTokenClaims(scopes, nil, server.IDTokenStrictMode),
			UserinfoClaims:       builder.GrantUserinfoClaims(scopes, nil),
			AuthorizationDetails: req.AuthorizationDetails(),
			ACR:                  pol.ACR,
		},
		BindingMessage:          req.BindingMessage(),
		DeliveryMode:            client.DeliveryMode(),
		ClientNotificationToken: req.ClientNotificationToken(),
		PolicyID:                pol.ID,
		Interval:                domain.Duration{Duration: interval},
		CreatedAt:               now,
		ExpiresAt:               now.Add(expiresIn),
	}
	if err := s.grants.Register(ctx, grant); err != nil {
		return nil, idperrors.ServerError(fmt.Errorf("failed to register ciba grant: %w", err))
	}

	s.logger.Info("backchannel authentication requested",
		"tenant_id", tenantID, "client_id", client.ClientID, "auth_req_id", grant.AuthReqID,
		"delivery_mode", grant.DeliveryMode, "policy_id", pol.ID)

	return &Response{
		AuthReqID: grant.AuthReqID,
		ExpiresIn: int64(expiresIn / time.Second),
		Interval:  int64(interval / time.Second),
	}, nil
}

// mergeRequestObject verifies the signed request object and lets its claims
// override the form parameters.
func mergeRequestObject(server *domain.ServerConfiguration, client *domain.ClientConfiguration, values url.Values,
	raw string) (domain.BackchannelAuthenticationRequestParams, *crypto.RequestObject, error) {
	obj, err := crypto.VerifyRequestObject(raw, client)
	if err != nil {
		return domain.BackchannelAuthenticationRequestParams{}, nil, err
	}
	if obj.Has("aud") {
		aud, err := obj.Claims.GetAudience()
		if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(server.Audiences(), a) }) {
			return domain.BackchannelAuthenticationRequestParams{}, nil,
				idperrors.ClientError(idperrors.CodeInvalidRequestObject, "request object aud must contain the issuer")
		}
	}

	merged := url.Values{}
	for k, v := range values {
		if k != "request" {
			merged[k] = v
		}
	}
	for k, v := range obj.Params() {
		if !slices.Contains(oidc.RequestObjectClaims, k) {
			merged.Set(k, v)
		}
	}

	params := domain.BackchannelParamsFromValues(merged)
	params.RequestObject = true
	return params, obj, nil
}

// resolveUser finds the user named by the request's single hint.
//
// login_hint may carry a prefix selecting the lookup attribute: "sub:",
// "email:", "phone:" or "ex-sub:". Without a prefix it is a username.
func (s *Service) resolveUser(ctx context.Context, server *domain.ServerConfiguration, req *domain.BackchannelAuthenticationRequest) (*domain.User, error) {
	var attribute, value string
	switch {
	case req.LoginHintToken() != "":
		return nil, idperrors.ClientError(idperrors.CodeUnknownUserID, "login_hint_token is not supported")
	case req.IDTokenHint() != "":
		claims, err := s.signer.Verify(ctx, req.IDTokenHint(), jwt.WithoutClaimsValidation())
		if err != nil {
			return nil, idperrors.ClientError("", "id_token_hint is invalid")
		}
		if iss, _ := claims.GetIssuer(); iss != server.Issuer {
			return nil, idperrors.ClientError("", "id_token_hint was not issued by this tenant")
		}
		sub, _ := claims.GetSubject()
		attribute, value = domain.UserAttributeSub, sub
	default:
		attribute, value = parseLoginHint(req.LoginHint())
	}

	user, err := s.users.FindBy(ctx, server.TenantID, attribute, value)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.ClientError(idperrors.CodeUnknownUserID, "the hint does not identify a user")
		}
		return nil, idperrors.ServerError(fmt.Errorf("failed to find user: %w", err))
	}
	if !user.Status.IsActive() {
		return nil, idperrors.ClientError(idperrors.CodeUnknownUserID, "the hint does not identify an active user")
	}
	return user, nil
}

var loginHintPrefixes = map[string]string{
	"sub":    domain.UserAttributeSub,
	"email":  domain.UserAttributeEmail,
	"phone":  domain.UserAttributePhoneNumber,
	"ex-sub": domain.UserAttributeExternalUserID,
}

func parseLoginHint(hint string) (attribute, value string) {
	if prefix, rest, ok := strings.Cut(hint, ":"); ok {
		if attr, known := loginHintPrefixes[prefix]; known {
			return attr, rest
		}
	}
	return domain.UserAttributeUsername, hint
}

// verifyUserCode checks a sent user_code against the user's password when
// both the server and the client enable user codes.
func verifyUserCode(rc *RequestContext, user *domain.User) error {
	if !rc.Server.BackchannelUserCodeParameterSupported || !rc.Client.BackchannelUserCodeParameter {
		return nil
	}
	ok, err := auth.VerifyPassword(rc.Request.UserCode(), user.PasswordHash)
	if err != nil || !ok {
		return idperrors.ClientError(idperrors.CodeInvalidUserCode, "user_code is invalid")
	}
	return nil
}

// Get returns a pending or decided backchannel request.
func (s *Service) Get(ctx context.Context, tenantID, authReqID string) (*domain.CibaGrant, error) {
	grant, err := s.grants.Find(ctx, tenantID, authReqID)
	if err != nil {
		if idperrors.IsCode(err, idperrors.CodeNotFound) {
			return nil, idperrors.ClientError("", "unknown auth_req_id")
		}
		return nil, idperrors.ServerError(fmt.Errorf("failed to get ciba grant: %w", err))
	}
	return grant, nil
}

// Authorize records the user's approval. amr lists the authentication
// methods the interaction used.
func (s *Service) Authorize(ctx context.Context, tenantID, authReqID string, amr []string) (*domain.CibaGrant, error) {
	now := s.now()
	return s.decide(ctx, tenantID, authReqID, domain.CibaStatusAuthorized, func(g *domain.CibaGrant) {
		g.Grant.AuthTime = now
		g.Grant.AMR = amr
	})
}

// Deny records the user's refusal.
func (s *Service) Deny(ctx context.Context, tenantID, authReqID string) (*domain.CibaGrant, error) {
	return s.decide(ctx, tenantID, authReqID, domain.CibaStatusDenied, nil)
}

// decide moves a REQUESTED grant to status. A grant past its expiry is moved
// to EXPIRED instead. Ping clients are notified of the outcome.
func (s *Service) decide(ctx context.Context, tenantID, authReqID string, status domain.CibaGrantStatus,
	update func(*domain.CibaGrant)) (*domain.CibaGrant, error) {
	current, err := s.Get(ctx, tenantID, authReqID)
	if err != nil {
		return nil, err
	}
	if current.IsExpired(s.now()) {
		if _, err := s.grants.Transition(ctx, tenantID, authReqID, domain.CibaStatusRequested, domain.CibaStatusExpired, nil); err != nil &&
			!idperrors.IsCode(err, idperrors.CodeConflict) {
			return nil, idperrors.ServerError(fmt.Errorf("failed to expire ciba grant: %w", err))
		}
		return nil, idperrors.ClientError(idperrors.CodeExpiredToken, "the backchannel request has expired")
	}

	grant, err := s.grants.Transition(ctx, tenantID, authReqID, domain.CibaStatusRequested, status, update)
	if err != nil {
		switch {
		case idperrors.IsCode(err, idperrors.CodeConflict):
			return nil, idperrors.ClientError("", "the backchannel request was already decided")
		case idperrors.IsCode(err, idperrors.CodeNotFound):
			return nil, idperrors.ClientError("", "unknown auth_req_id")
		}
		return nil, idperrors.ServerError(fmt.Errorf("failed to update ciba grant: %w", err))
	}
	metrics.RecordCibaDecision(string(status))
	s.logger.Info("backchannel authentication decided",
		"tenant_id", tenantID, "client_id", grant.ClientID, "auth_req_id", authReqID, "status", status)

	if grant.DeliveryMode == domain.DeliveryModePing {
		s.ping(ctx, grant)
	}
	return grant, nil
}

// ping notifies the client; a failed notification leaves the decision in
// place and the client can still poll.
func (s *Service) ping(ctx context.Context, grant *domain.CibaGrant) {
	client, err := s.configs.Get(ctx, grant.TenantID, grant.ClientID)
	if err != nil {
		s.logger.Warn("ping notification skipped", "auth_req_id", grant.AuthReqID, "error", err)
		return
	}
	if err := s.notifier.Notify(ctx, client.BackchannelClientNotificationEndpoint,
		grant.ClientNotificationToken, grant.AuthReqID); err != nil {
		s.logger.Warn("ping notification failed",
			"tenant_id", grant.TenantID, "client_id", grant.ClientID, "auth_req_id", grant.AuthReqID, "error", err)
	}
}
