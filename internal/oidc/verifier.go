package oidc

import (
	"net/url"
	"slices"
	"strings"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// AuthorizationRequestContext is an authorization request with the tenant and
// client configuration it is verified against.
type AuthorizationRequestContext struct {
	Server  *domain.ServerConfiguration
	Client  *domain.ClientConfiguration
	Request *domain.AuthorizationRequest
}

// RedirectURI returns the redirect_uri responses go to: the requested one, or
// the client's only registered URI when the request omitted it.
func (c *AuthorizationRequestContext) RedirectURI() string {
	if c.Request.HasRedirectURI() {
		return c.Request.RedirectURI()
	}
	if len(c.Client.RedirectURIs) == 1 {
		return c.Client.RedirectURIs[0]
	}
	return ""
}

// redirectError reports a violation through the trusted redirect_uri.
func (c *AuthorizationRequestContext) redirectError(code, message string) error {
	return idperrors.Redirectable(code, message, c.RedirectURI(), c.Request.State())
}

// NegotiateProfile picks the security profile of a request. A profile pinned
// on the client wins; otherwise FAPI Baseline scopes, then openid decide.
func NegotiateProfile(server *domain.ServerConfiguration, client *domain.ClientConfiguration, scopes domain.Scopes) domain.Profile {
	if client.Profile != "" {
		return client.Profile
	}
	if server.IsFAPIBaselineRequest(scopes) {
		return domain.ProfileFAPIBaseline
	}
	if scopes.HasOpenID() {
		return domain.ProfileOIDC
	}
	return domain.ProfileOAuth2
}

// Verifier checks one profile's rules, stopping at the first violation.
type Verifier func(*AuthorizationRequestContext) error

// verifiers is keyed by negotiated profile. Each one runs the base checks
// first, then the OIDC checks for openid requests, then its own.
var verifiers = map[domain.Profile]Verifier{
	domain.ProfileOAuth2:       compose(verifyBase, verifyOIDCIfRequested),
	domain.ProfileOIDC:         compose(verifyBase, verifyOIDCIfRequested),
	domain.ProfileFAPIBaseline: compose(verifyBase, verifyOIDCIfRequested, verifyFAPIBaseline),
}

func compose(steps ...Verifier) Verifier {
	return func(ctx *AuthorizationRequestContext) error {
		for _, step := range steps {
			if err := step(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// Verify runs the verifier of the request's profile.
func Verify(ctx *AuthorizationRequestContext) error {
	v, ok := verifiers[ctx.Request.Profile()]
	if !ok {
		return idperrors.ClientError("", "profile "+string(ctx.Request.Profile())+" is not supported at the authorization endpoint")
	}
	return v(ctx)
}

func verifyBase(ctx *AuthorizationRequestContext) error {
	req, client := ctx.Request, ctx.Client

	// Until the redirect URI is trusted errors cannot be redirected.
	if req.HasRedirectURI() {
		if strings.Contains(req.RedirectURI(), "#") {
			return idperrors.ClientError("", "redirect_uri must not contain a fragment")
		}
		if !client.IsRegisteredRedirectURI(req.RedirectURI()) {
			return idperrors.ClientError("", "redirect_uri is not registered for the client")
		}
	} else if len(client.RedirectURIs) != 1 {
		return idperrors.ClientError("", "redirect_uri is required when the client has not exactly one registered redirect_uri")
	}

	if req.ResponseType() == "" {
		return ctx.redirectError(idperrors.CodeInvalidRequest, "response_type is required")
	}
	if !ctx.Server.SupportsResponseType(req.ResponseType()) {
		return ctx.redirectError(idperrors.CodeUnsupportedResponseType, "response_type "+req.ResponseType()+" is not supported")
	}
	if !client.SupportsResponseType(req.ResponseType()) {
		return ctx.redirectError(idperrors.CodeUnauthorizedClient, "client is not allowed to use response_type "+req.ResponseType())
	}

	if len(client.FilterScopes(req.Scopes())) == 0 {
		return ctx.redirectError(idperrors.CodeInvalidScope, "none of the requested scopes is allowed for the client")
	}

	switch req.CodeChallengeMethod() {
	case "", PKCEMethodS256, PKCEMethodPlain:
	default:
		return ctx.redirectError(idperrors.CodeInvalidRequest, "code_challenge_method must be S256 or plain")
	}
	if req.CodeChallengeMethod() != "" && !req.HasPKCE() {
		return ctx.redirectError(idperrors.CodeInvalidRequest, "code_challenge_method requires code_challenge")
	}
	if client.RequirePKCE && !req.HasPKCE() {
		return ctx.redirectError(idperrors.CodeInvalidRequest, "code_challenge is required for this client")
	}
	return nil
}

var (
	displayValues = []string{"page", "popup", "touch", "wap"}
	promptValues  = []string{"none", "login", "consent", "select_account", "create"}
)

func verifyOIDCIfRequested(ctx *AuthorizationRequestContext) error {
	if !ctx.Request.IsOIDC() {
		return nil
	}
	return verifyOIDC(ctx)
}

func verifyOIDC(ctx *AuthorizationRequestContext) error {
	req := ctx.Request
	if !req.HasRedirectURI() {
		return idperrors.ClientError("", "redirect_uri is required for OpenID Connect requests")
	}
	if d := req.Display(); d != "" && !slices.Contains(displayValues, d) {
		return ctx.redirectError(idperrors.CodeInvalidRequest, "display "+d+" is not supported")
	}
	prompt := req.Prompt()
	for _, p := range prompt {
		if !slices.Contains(promptValues, p) {
			return ctx.redirectError(idperrors.CodeInvalidRequest, "prompt "+p+" is not supported")
		}
	}
	if len(prompt) > 1 && slices.Contains(prompt, "none") {
		return ctx.redirectError(idperrors.CodeInvalidRequest, "prompt none must not be combined with other values")
	}
	if maxAge, ok := req.MaxAge(); ok && maxAge < 0 {
		return ctx.redirectError(idperrors.CodeInvalidRequest, "max_age must not be negative")
	}
	return nil
}

// verifyFAPIBaseline applies FAPI 1.0 Baseline section 5.2.2.
func verifyFAPIBaseline(ctx *AuthorizationRequestContext) error {
	req, client := ctx.Request, ctx.Client

	if len(client.RedirectURIs) == 0 {
		return idperrors.ClientError("", "FAPI clients must pre-register redirect_uris")
	}
	if !req.HasRedirectURI() {
		return idperrors.ClientError("", "redirect_uri is required")
	}
	if !client.IsRegisteredRedirectURI(req.RedirectURI()) {
		return idperrors.ClientError("", "redirect_uri must exactly match a registered redirect_uri")
	}
	if u, err := url.Parse(req.RedirectURI()); err != nil || u.Scheme != "https" {
		return idperrors.ClientError("", "redirect_uri must use https")
	}

	if client.AuthMethod().IsSecretBased() {
		return ctx.redirectError(idperrors.CodeUnauthorizedClient,
			"client_secret_basic and client_secret_post are not allowed")
	}
	if !req.HasPKCE() || req.CodeChallengeMethod() != PKCEMethodS256 {
		return ctx.redirectError(idperrors.CodeInvalidRequest, "PKCE with S256 is required")
	}
	if req.IsOIDC() {
		if !req.HasNonce() {
			return ctx.redirectError(idperrors.CodeInvalidRequest, "nonce is required")
		}
	} else if !req.HasState() {
		return ctx.redirectError(idperrors.CodeInvalidRequest, "state is required")
	}
	return nil
}
