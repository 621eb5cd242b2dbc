package oidc

import (
	"slices"

	"github.com/tidwall/gjson"

	"github.com/tendant/tenant-idp/internal/domain"
)

// verifiedClaimsName is the OpenID Connect for Identity Assurance claim.
const verifiedClaimsName = "verified_claims"

// scopeClaims maps the OIDC Core 5.4 scopes to the claims they grant.
var scopeClaims = map[string][]string{
	"profile": {
		"name", "family_name", "given_name", "middle_name", "nickname", "preferred_username",
		"profile", "picture", "website", "gender", "birthdate", "zoneinfo", "locale", "updated_at",
	},
	"email":   {"email", "email_verified"},
	"address": {"address"},
	"phone":   {"phone_number", "phone_number_verified"},
}

// standardClaims is every user claim the builder can project.
var standardClaims = func() []string {
	var out []string
	for _, scope := range []string{"profile", "email", "address", "phone"} {
		out = append(out, scopeClaims[scope]...)
	}
	return out
}()

// ClaimsBuilder projects users into ID token and userinfo claim maps.
type ClaimsBuilder struct {
	// Supported restricts the claims that can ever be granted. Empty means
	// every standard claim.
	Supported []string
}

func (b ClaimsBuilder) supported(name string) bool {
	if len(b.Supported) == 0 {
		return slices.Contains(standardClaims, name) || name == verifiedClaimsName
	}
	return slices.Contains(b.Supported, name)
}

func (b ClaimsBuilder) grant(names []string, add ...string) []string {
	for _, n := range add {
		if b.supported(n) && !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	return names
}

func scopeDerived(scopes domain.Scopes) []string {
	var out []string
	for _, s := range scopes {
		out = append(out, scopeClaims[s]...)
	}
	return out
}

// GrantIDTokenClaims returns the claim names granted for the ID token.
// In strict mode only the claims explicitly requested through the claims
// parameter are granted.
func (b ClaimsBuilder) GrantIDTokenClaims(scopes domain.Scopes, requested []string, strict bool) []string {
	if strict {
		return b.grant(nil, requested...)
	}
	return b.grant(b.grant(nil, scopeDerived(scopes)...), requested...)
}

// GrantUserinfoClaims returns the claim names granted for the userinfo response.
func (b ClaimsBuilder) GrantUserinfoClaims(scopes domain.Scopes, requested []string) []string {
	return b.grant(b.grant(nil, scopeDerived(scopes)...), requested...)
}

// GrantVerifiedClaims returns req when verified_claims is among the granted
// claim names, and nil otherwise.
func (b ClaimsBuilder) GrantVerifiedClaims(granted []string, req *domain.VerifiedClaimsRequest) *domain.VerifiedClaimsRequest {
	if req == nil || !slices.Contains(granted, verifiedClaimsName) {
		return nil
	}
	return req
}

// IDToken returns the user claims of an ID token. A claim is present only
// when granted and non-empty on the user; sub always is. Outside strict mode
// roles, permissions, assigned tenants and custom properties are added too.
func (b ClaimsBuilder) IDToken(user *domain.User, names []string, strict bool) map[string]any {
	claims := projectUser(user, names)
	if !strict {
		addAuthorizationClaims(claims, user)
		addCustomProperties(claims, user)
	}
	return claims
}

// UserInfo returns the userinfo response. Besides the granted claims it
// always carries the user's extension data when present.
func (b ClaimsBuilder) UserInfo(user *domain.User, names []string) map[string]any {
	claims := projectUser(user, names)
	if user.ExternalUserID != "" {
		claims["ex_sub"] = user.ExternalUserID
	}
	addAuthorizationClaims(claims, user)
	if len(user.AuthenticationDevices) > 0 {
		claims["authentication_devices"] = user.AuthenticationDevices
	}
	addCustomProperties(claims, user)
	return claims
}

func addAuthorizationClaims(claims map[string]any, user *domain.User) {
	if len(user.Roles) > 0 {
		claims["roles"] = user.RoleNames()
	}
	if len(user.Permissions) > 0 {
		claims["permissions"] = user.Permissions
	}
	if len(user.AssignedTenants) > 0 {
		claims["assigned_tenants"] = user.AssignedTenants
	}
}

// addCustomProperties never overwrites a claim that is already set.
func addCustomProperties(claims map[string]any, user *domain.User) {
	for k, v := range user.CustomProperties {
		if _, exists := claims[k]; !exists {
			claims[k] = v
		}
	}
}

// addVerifiedClaims projects the user's verified_claims down to the
// requested verification and claims members. Nothing is added when none of
// them is present on the user.
func addVerifiedClaims(claims map[string]any, user *domain.User, req *domain.VerifiedClaimsRequest) {
	if req == nil || len(user.VerifiedClaims) == 0 {
		return
	}
	project := func(obj gjson.Result, names []string) map[string]any {
		out := make(map[string]any)
		for _, name := range names {
			if v := obj.Get(gjson.Escape(name)); v.Exists() {
				out[name] = v.Value()
			}
		}
		return out
	}

	verified := gjson.ParseBytes(user.VerifiedClaims)
	verification := project(verified.Get("verification"), req.Verification)
	values := project(verified.Get("claims"), req.Claims)
	if len(verification) == 0 && len(values) == 0 {
		return
	}
	claims[verifiedClaimsName] = map[string]any{
		"verification": verification,
		"claims":       values,
	}
}

func projectUser(user *domain.User, names []string) map[string]any {
	claims := map[string]any{"sub": user.Sub}
	for _, name := range names {
		if v, ok := userClaim(user, name); ok {
			claims[name] = v
		}
	}
	return claims
}

// userClaim returns a standard claim value when the user has one.
func userClaim(u *domain.User, name string) (any, bool) {
	str := func(s string) (any, bool) { return s, s != "" }
	boolPtr := func(b *bool) (any, bool) {
		if b == nil {
			return nil, false
		}
		return *b, true
	}

	switch name {
	case "name":
		return str(u.Name)
	case "given_name":
		return str(u.GivenName)
	case "family_name":
		return str(u.FamilyName)
	case "middle_name":
		return str(u.MiddleName)
	case "nickname":
		return str(u.Nickname)
	case "preferred_username":
		return str(u.PreferredUsername)
	case "profile":
		return str(u.Profile)
	case "picture":
		return str(u.Picture)
	case "website":
		return str(u.Website)
	case "email":
		return str(u.Email)
	case "email_verified":
		return boolPtr(u.EmailVerified)
	case "gender":
		return str(u.Gender)
	case "birthdate":
		return str(u.Birthdate)
	case "zoneinfo":
		return str(u.Zoneinfo)
	case "locale":
		return str(u.Locale)
	case "phone_number":
		return str(u.PhoneNumber)
	case "phone_number_verified":
		return boolPtr(u.PhoneNumberVerified)
	case "address":
		if u.Address.IsEmpty() {
			return nil, false
		}
		return u.Address, true
	case "updated_at":
		if u.UpdatedAt == nil {
			return nil, false
		}
		return u.UpdatedAt.Unix(), true
	}
	return nil, false
}
