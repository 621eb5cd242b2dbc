package domain

// ClientConfiguration is the per-tenant static configuration of an OAuth client.
// It is read-only once loaded.
type ClientConfiguration struct {
	TenantID   string `json:"tenant_id"`
	ClientID   string `json:"client_id"`
	ClientName string `json:"client_name,omitempty"`
	// ClientSecret is either the plain secret or an argon2id hash ("$argon2id$...").
	ClientSecret string `json:"client_secret,omitempty"`

	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scope         string   `json:"scope"`

	TokenEndpointAuthMethod ClientAuthMethod `json:"token_endpoint_auth_method"`
	// JWKS is the client's public key set as a JSON document.
	JWKS string `json:"jwks,omitempty"`

	TLSClientAuthSubjectDN string `json:"tls_client_auth_subject_dn,omitempty"`
	TLSClientAuthSANDNS    string `json:"tls_client_auth_san_dns,omitempty"`
	TLSClientAuthSANURI    string `json:"tls_client_auth_san_uri,omitempty"`
	TLSClientAuthSANIP     string `json:"tls_client_auth_san_ip,omitempty"`
	TLSClientAuthSANEmail  string `json:"tls_client_auth_san_email,omitempty"`

	TLSClientCertificateBoundAccessTokens bool `json:"tls_client_certificate_bound_access_tokens"`
	RequirePKCE                           bool `json:"require_pkce"`

	// Profile pins the client to a security profile regardless of requested scopes.
	Profile Profile `json:"profile,omitempty"`

	BackchannelTokenDeliveryMode          string `json:"backchannel_token_delivery_mode,omitempty"`
	BackchannelClientNotificationEndpoint string `json:"backchannel_client_notification_endpoint,omitempty"`
	BackchannelUserCodeParameter          bool   `json:"backchannel_user_code_parameter"`
}

// Scopes returns the client's allowed scopes.
func (c *ClientConfiguration) Scopes() Scopes {
	return ParseScopes(c.Scope)
}

// FilterScopes keeps the requested scopes the client is allowed to use.
func (c *ClientConfiguration) FilterScopes(requested Scopes) Scopes {
	allowed := c.Scopes()
	out := make(Scopes, 0, len(requested))
	for _, s := range requested {
		if allowed.Contains(s) {
			out = append(out, s)
		}
	}
	return out
}

// IsRegisteredRedirectURI reports an exact match against a registered redirect URI.
func (c *ClientConfiguration) IsRegisteredRedirectURI(uri string) bool {
	return containsString(c.RedirectURIs, uri)
}

// SupportsGrantType reports whether the client may use the grant type.
func (c *ClientConfiguration) SupportsGrantType(gt GrantType) bool {
	return containsString(c.GrantTypes, string(gt))
}

// SupportsResponseType reports whether the client may use the response type.
func (c *ClientConfiguration) SupportsResponseType(rt string) bool {
	return containsString(c.ResponseTypes, rt)
}

// AuthMethod returns the registered token endpoint auth method.
// Unset defaults to client_secret_basic, per RFC 7591.
func (c *ClientConfiguration) AuthMethod() ClientAuthMethod {
	if c.TokenEndpointAuthMethod == "" {
		return ClientAuthSecretBasic
	}
	return c.TokenEndpointAuthMethod
}

// IsConfidential reports whether the client authenticates at the token endpoint.
func (c *ClientConfiguration) IsConfidential() bool {
	return c.AuthMethod() != ClientAuthNone
}

// DeliveryMode returns the CIBA delivery mode, defaulting to poll.
func (c *ClientConfiguration) DeliveryMode() string {
	if c.BackchannelTokenDeliveryMode == "" {
		return DeliveryModePoll
	}
	return c.BackchannelTokenDeliveryMode
}
