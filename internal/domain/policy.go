package domain

// PolicyFlow names the flow an authentication policy applies to.
type PolicyFlow string

const (
	PolicyFlowOAuth PolicyFlow = "oauth"
	PolicyFlowCIBA  PolicyFlow = "ciba"
)

// AuthenticationPolicyCondition selects the requests a policy applies to.
// An empty list is a wildcard for its dimension.
type AuthenticationPolicyCondition struct {
	ClientIDs []string `json:"client_ids,omitempty"`
	AcrValues []string `json:"acr_values,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
}

// AllMatch reports whether every non-empty dimension matches the request.
// client_id must be contained; acr_values and scopes need any overlap.
func (c AuthenticationPolicyCondition) AllMatch(clientID string, acrValues, scopes []string) bool {
	if len(c.ClientIDs) > 0 && !containsString(c.ClientIDs, clientID) {
		return false
	}
	if len(c.AcrValues) > 0 && !overlaps(c.AcrValues, acrValues) {
		return false
	}
	if len(c.Scopes) > 0 && !overlaps(c.Scopes, scopes) {
		return false
	}
	return true
}

func overlaps(a, b []string) bool {
	for _, v := range b {
		if containsString(a, v) {
			return true
		}
	}
	return false
}

// AuthenticationPolicy is a configured rule mapping a condition to required steps.
type AuthenticationPolicy struct {
	ID         string                        `json:"id"`
	TenantID   string                        `json:"tenant_id"`
	Flow       PolicyFlow                    `json:"flow"`
	Priority   int                           `json:"priority"`
	Conditions AuthenticationPolicyCondition `json:"conditions"`

	// AvailableMethods lists the authentication methods the interaction may use.
	AvailableMethods []string `json:"available_methods,omitempty"`
	// ACR is asserted in the ID token when the policy was satisfied.
	ACR string `json:"acr,omitempty"`
}

// AllowsMethod reports whether method may satisfy the policy.
// A policy without methods accepts any method.
func (p *AuthenticationPolicy) AllowsMethod(method string) bool {
	return len(p.AvailableMethods) == 0 || containsString(p.AvailableMethods, method)
}
