package domain

import (
	"sort"

	"github.com/tidwall/gjson"

	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// ClaimRequest is one member of the OIDC claims request parameter.
type ClaimRequest struct {
	Essential bool     `json:"essential,omitempty"`
	Value     string   `json:"value,omitempty"`
	Values    []string `json:"values,omitempty"`
}

// RequestedClaims is the parsed OIDC "claims" request parameter.
type RequestedClaims struct {
	IDToken  map[string]ClaimRequest `json:"id_token,omitempty"`
	UserInfo map[string]ClaimRequest `json:"userinfo,omitempty"`

	IDTokenVerified  *VerifiedClaimsRequest `json:"id_token_verified_claims,omitempty"`
	UserInfoVerified *VerifiedClaimsRequest `json:"userinfo_verified_claims,omitempty"`
}

// VerifiedClaimsRequest names the members of verified_claims a client asked
// for: the keys of its verification object and of its claims object.
type VerifiedClaimsRequest struct {
	Verification []string `json:"verification,omitempty"`
	Claims       []string `json:"claims,omitempty"`
}

// ParseRequestedClaims parses the claims parameter (OIDC Core 5.5).
// An empty string yields an empty value.
func ParseRequestedClaims(raw string) (RequestedClaims, error) {
	var rc RequestedClaims
	if raw == "" {
		return rc, nil
	}
	if !gjson.Valid(raw) {
		return rc, idperrors.ClientError("", "claims parameter is not valid JSON")
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return rc, idperrors.ClientError("", "claims parameter must be a JSON object")
	}
	rc.IDToken = parseClaimSection(root.Get("id_token"))
	rc.UserInfo = parseClaimSection(root.Get("userinfo"))
	rc.IDTokenVerified = parseVerifiedClaims(root.Get("id_token.verified_claims"))
	rc.UserInfoVerified = parseVerifiedClaims(root.Get("userinfo.verified_claims"))
	return rc, nil
}

func parseVerifiedClaims(v gjson.Result) *VerifiedClaimsRequest {
	if !v.IsObject() {
		return nil
	}
	keys := func(obj gjson.Result) []string {
		var out []string
		obj.ForEach(func(key, _ gjson.Result) bool {
			out = append(out, key.String())
			return true
		})
		sort.Strings(out)
		return out
	}
	return &VerifiedClaimsRequest{
		Verification: keys(v.Get("verification")),
		Claims:       keys(v.Get("claims")),
	}
}

func parseClaimSection(section gjson.Result) map[string]ClaimRequest {
	if !section.IsObject() {
		return nil
	}
	out := make(map[string]ClaimRequest)
	section.ForEach(func(key, value gjson.Result) bool {
		var cr ClaimRequest
		if value.IsObject() {
			cr.Essential = value.Get("essential").Bool()
			if v := value.Get("value"); v.Exists() {
				cr.Value = v.String()
			}
			for _, v := range value.Get("values").Array() {
				cr.Values = append(cr.Values, v.String())
			}
		}
		out[key.String()] = cr
		return true
	})
	return out
}

// IDTokenNames returns the claim names requested for the ID token.
func (rc RequestedClaims) IDTokenNames() []string {
	return claimNames(rc.IDToken)
}

// UserInfoNames returns the claim names requested for the userinfo response.
func (rc RequestedClaims) UserInfoNames() []string {
	return claimNames(rc.UserInfo)
}

// IsEmpty reports whether no claims were requested.
func (rc RequestedClaims) IsEmpty() bool {
	return len(rc.IDToken) == 0 && len(rc.UserInfo) == 0
}

func claimNames(m map[string]ClaimRequest) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
