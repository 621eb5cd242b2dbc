package ciba

import (
	"fmt"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

const (
	// MaxRequestObjectLifetime bounds exp - nbf and the age of nbf for FAPI-CIBA.
	MaxRequestObjectLifetime = 60 * time.Minute
	// MaxBindingMessageLength is the longest binding_message, in characters.
	MaxBindingMessageLength = 64
)

// fapiAlgorithms are the request object algorithms FAPI-CIBA accepts.
var fapiAlgorithms = []string{"PS256", "ES256"}

// RequestContext is a backchannel authentication request with its
// configuration and the authenticated client.
type RequestContext struct {
	Server      *domain.ServerConfiguration
	Client      *domain.ClientConfiguration
	Credentials *domain.ClientCredentials
	Request     *domain.BackchannelAuthenticationRequest
	// RequestObject is set when the request was sent as a signed request object.
	RequestObject *crypto.RequestObject
	Now           time.Time
}

// NegotiateProfile picks the profile of a backchannel request. Only a client
// pinned to FAPI-CIBA gets the FAPI checks.
func NegotiateProfile(client *domain.ClientConfiguration) domain.Profile {
	if client.Profile == domain.ProfileFAPICIBA {
		return domain.ProfileFAPICIBA
	}
	return domain.ProfileOIDC
}

// Verify applies the CIBA checks and, for FAPI-CIBA requests, the FAPI-CIBA
// checks. The first violation is returned.
func Verify(rc *RequestContext) error {
	if err := verifyBase(rc); err != nil {
		return err
	}
	if rc.Request.Profile() == domain.ProfileFAPICIBA {
		return verifyFAPICIBA(rc)
	}
	return nil
}

func invalidRequest(format string, args ...any) error {
	return idperrors.ClientError(idperrors.CodeInvalidRequest, fmt.Sprintf(format, args...))
}

func verifyBase(rc *RequestContext) error {
	req, client, server := rc.Request, rc.Client, rc.Server

	if !server.SupportsGrantType(domain.GrantTypeCIBA) {
		return idperrors.ClientError(idperrors.CodeUnauthorizedClient, "backchannel authentication is not enabled")
	}
	if !client.SupportsGrantType(domain.GrantTypeCIBA) {
		return idperrors.ClientError(idperrors.CodeUnauthorizedClient, "client is not allowed to use backchannel authentication")
	}

	scopes := req.Scopes()
	if len(scopes) == 0 {
		return invalidRequest("scope is required")
	}
	if !scopes.HasOpenID() {
		return invalidRequest("scope must contain openid")
	}

	if n := req.HintCount(); n != 1 {
		return invalidRequest("exactly one of login_hint_token, id_token_hint and login_hint is required, got %d", n)
	}

	mode := client.DeliveryMode()
	if len(server.BackchannelTokenDeliveryModesSupported) > 0 && !server.SupportsDeliveryMode(mode) {
		return invalidRequest("token delivery mode %q is not supported", mode)
	}
	switch mode {
	case domain.DeliveryModePoll:
	case domain.DeliveryModePing:
		if client.BackchannelClientNotificationEndpoint == "" {
			return invalidRequest("client has no backchannel_client_notification_endpoint")
		}
		if req.ClientNotificationToken() == "" {
			return invalidRequest("client_notification_token is required in ping mode")
		}
	default:
		return invalidRequest("token delivery mode %q is not supported", mode)
	}

	if server.BackchannelUserCodeParameterSupported && client.BackchannelUserCodeParameter && req.UserCode() == "" {
		return idperrors.ClientError(idperrors.CodeMissingUserCode, "user_code is required")
	}
	if utf8.RuneCountInString(req.BindingMessage()) > MaxBindingMessageLength {
		return idperrors.ClientError(idperrors.CodeInvalidBindingMessage,
			fmt.Sprintf("binding_message must not exceed %d characters", MaxBindingMessageLength))
	}
	return nil
}

func verifyFAPICIBA(rc *RequestContext) error {
	obj, server, client := rc.RequestObject, rc.Server, rc.Client

	if obj == nil || !rc.Request.IsRequestObject() {
		return invalidRequest("FAPI-CIBA requires a signed request object")
	}
	if !slices.Contains(fapiAlgorithms, obj.Algorithm) {
		return invalidRequest("request object must be signed with PS256 or ES256, got %s", obj.Algorithm)
	}
	if err := verifyRequestObjectLifetime(obj, rc.Now); err != nil {
		return err
	}

	aud, err := obj.Claims.GetAudience()
	if err != nil || !slices.Contains(aud, server.Issuer) {
		return invalidRequest("request object aud must contain the issuer")
	}

	method := client.AuthMethod()
	if rc.Credentials != nil {
		method = rc.Credentials.Method
	}
	if method == domain.ClientAuthNone {
		return idperrors.ClientUnauthorized("FAPI-CIBA requires a confidential client")
	}
	if method != domain.ClientAuthPrivateKeyJWT && !method.IsMTLS() {
		return idperrors.ClientUnauthorized("FAPI-CIBA requires private_key_jwt or mutual TLS client authentication")
	}

	if len(rc.Request.AuthorizationDetails()) == 0 && rc.Request.BindingMessage() == "" {
		return invalidRequest("binding_message is required without authorization_details")
	}
	if !server.TLSCertificateBoundTokens || !client.TLSClientCertificateBoundAccessTokens {
		return invalidRequest("FAPI-CIBA requires certificate-bound access tokens")
	}
	return nil
}

func verifyRequestObjectLifetime(obj *crypto.RequestObject, now time.Time) error {
	for _, name := range []string{"iat", "nbf", "exp"} {
		if !obj.Has(name) {
			return invalidRequest("request object %s is required", name)
		}
	}
	nbf, err := obj.Claims.GetNotBefore()
	if err != nil || nbf == nil {
		return invalidRequest("request object nbf is malformed")
	}
	exp, err := obj.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return invalidRequest("request object exp is malformed")
	}

	lifetime := exp.Sub(nbf.Time)
	if lifetime <= 0 {
		return invalidRequest("request object exp must be after nbf")
	}
	if lifetime > MaxRequestObjectLifetime {
		return invalidRequest("request object lifetime must not exceed 60 minutes")
	}
	if now.Sub(nbf.Time) > MaxRequestObjectLifetime {
		return invalidRequest("request object nbf must not be older than 60 minutes")
	}
	return nil
}
