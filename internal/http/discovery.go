package http

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/tendant/tenant-idp/internal/crypto"
	"github.com/tendant/tenant-idp/internal/domain"
	"github.com/tendant/tenant-idp/internal/oidc"
	"github.com/tendant/tenant-idp/internal/store"
)

// OIDCDiscovery represents the OIDC discovery document.
type OIDCDiscovery struct {
	Issuer                                     string   `json:"issuer"`
	AuthorizationEndpoint                      string   `json:"authorization_endpoint"`
	TokenEndpoint                              string   `json:"token_endpoint"`
	UserinfoEndpoint                           string   `json:"userinfo_endpoint,omitempty"`
	JwksURI                                    string   `json:"jwks_uri"`
	RevocationEndpoint                         string   `json:"revocation_endpoint,omitempty"`
	IntrospectionEndpoint                      string   `json:"introspection_endpoint,omitempty"`
	BackchannelAuthenticationEndpoint          string   `json:"backchannel_authentication_endpoint,omitempty"`
	ScopesSupported                            []string `json:"scopes_supported"`
	ResponseTypesSupported                     []string `json:"response_types_supported"`
	ResponseModesSupported                     []string `json:"response_modes_supported,omitempty"`
	GrantTypesSupported                        []string `json:"grant_types_supported"`
	SubjectTypesSupported                      []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported           []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported          []string `json:"token_endpoint_auth_methods_supported"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported,omitempty"`
	RequestObjectSigningAlgValuesSupported     []string `json:"request_object_signing_alg_values_supported,omitempty"`
	ClaimsSupported                            []string `json:"claims_supported,omitempty"`
	ClaimsParameterSupported                   bool     `json:"claims_parameter_supported"`
	RequestParameterSupported                  bool     `json:"request_parameter_supported"`
	RequestURIParameterSupported               bool     `json:"request_uri_parameter_supported"`
	CodeChallengeMethodsSupported              []string `json:"code_challenge_methods_supported,omitempty"`
	TLSClientCertificateBoundAccessTokens      bool     `json:"tls_client_certificate_bound_access_tokens"`

	BackchannelTokenDeliveryModesSupported           []string `json:"backchannel_token_delivery_modes_supported,omitempty"`
	BackchannelAuthenticationRequestSigningAlgValues []string `json:"backchannel_authentication_request_signing_alg_values_supported,omitempty"`
	BackchannelUserCodeParameterSupported            bool     `json:"backchannel_user_code_parameter_supported,omitempty"`
}

// DiscoveryHandler serves the per-tenant discovery document.
type DiscoveryHandler struct {
	servers store.ServerConfigurationRepository
	logger  *slog.Logger
}

// NewDiscoveryHandler creates a new DiscoveryHandler.
func NewDiscoveryHandler(servers store.ServerConfigurationRepository, logger *slog.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{servers: servers, logger: logger}
}

// NewDiscovery builds the discovery document of a tenant.
func NewDiscovery(s *domain.ServerConfiguration) OIDCDiscovery {
	d := OIDCDiscovery{
		Issuer:                                     s.Issuer,
		AuthorizationEndpoint:                      s.AuthorizationEndpoint,
		TokenEndpoint:                              s.TokenEndpoint,
		UserinfoEndpoint:                           s.UserinfoEndpoint,
		JwksURI:                                    s.JWKSURI,
		RevocationEndpoint:                         s.RevocationEndpoint,
		IntrospectionEndpoint:                      s.IntrospectionEndpoint,
		ScopesSupported:                            s.ScopesSupported,
		ResponseTypesSupported:                     s.ResponseTypesSupported,
		ResponseModesSupported:                     []string{"query"},
		GrantTypesSupported:                        s.GrantTypesSupported,
		SubjectTypesSupported:                      []string{"public"},
		IDTokenSigningAlgValuesSupported:           []string{crypto.Algorithm},
		TokenEndpointAuthMethodsSupported:          s.TokenEndpointAuthMethodsSupported,
		TokenEndpointAuthSigningAlgValuesSupported: slices.Concat(crypto.AsymmetricAlgorithms, crypto.HMACAlgorithms),
		RequestObjectSigningAlgValuesSupported:     slices.Concat(crypto.AsymmetricAlgorithms, crypto.HMACAlgorithms),
		ClaimsSupported:                            s.ClaimsSupported,
		ClaimsParameterSupported:                   true,
		RequestParameterSupported:                  true,
		RequestURIParameterSupported:               false,
		CodeChallengeMethodsSupported:              []string{oidc.PKCEMethodS256, oidc.PKCEMethodPlain},
		TLSClientCertificateBoundAccessTokens:      s.TLSCertificateBoundTokens,
	}

	if s.SupportsGrantType(domain.GrantTypeCIBA) {
		d.BackchannelAuthenticationEndpoint = s.BackchannelAuthenticationEndpoint
		d.BackchannelTokenDeliveryModesSupported = s.BackchannelTokenDeliveryModesSupported
		d.BackchannelAuthenticationRequestSigningAlgValues = crypto.AsymmetricAlgorithms
		d.BackchannelUserCodeParameterSupported = s.BackchannelUserCodeParameterSupported
	}
	return d
}

// OpenIDConfiguration handles GET /{tenant}/.well-known/openid-configuration.
func (h *DiscoveryHandler) OpenIDConfiguration(w http.ResponseWriter, r *http.Request) {
	server, err := oidc.LoadServer(r.Context(), h.servers, tenantID(r))
	if err != nil {
		writeError(w, r, h.logger, err, "")
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, NewDiscovery(server))
}
