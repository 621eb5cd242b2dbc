package domain

import (
	"encoding/json"
	"time"
)

// UserStatus is the lifecycle status of an end-user account.
type UserStatus string

const (
	UserStatusRegistered       UserStatus = "REGISTERED"
	UserStatusIdentityVerified UserStatus = "IDENTITY_VERIFIED"
	UserStatusLocked           UserStatus = "LOCKED"
	UserStatusDisabled         UserStatus = "DISABLED"
	UserStatusSuspended        UserStatus = "SUSPENDED"
	UserStatusDeactivated      UserStatus = "DEACTIVATED"
	UserStatusPendingDeletion  UserStatus = "PENDING_DELETION"
	UserStatusDeleted          UserStatus = "DELETED"
)

// IsActive reports whether the account may obtain or refresh tokens.
func (s UserStatus) IsActive() bool {
	switch s {
	case UserStatusLocked, UserStatusDisabled, UserStatusSuspended,
		UserStatusDeactivated, UserStatusPendingDeletion, UserStatusDeleted:
		return false
	}
	return true
}

// Address is the OIDC address claim.
type Address struct {
	Formatted     string `json:"formatted,omitempty"`
	StreetAddress string `json:"street_address,omitempty"`
	Locality      string `json:"locality,omitempty"`
	Region        string `json:"region,omitempty"`
	PostalCode    string `json:"postal_code,omitempty"`
	Country       string `json:"country,omitempty"`
}

// IsEmpty reports whether no address component is set.
func (a *Address) IsEmpty() bool {
	return a == nil || *a == Address{}
}

// Role is a named role assigned to a user.
type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// AuthenticationDevice is a device registered for decoupled authentication.
type AuthenticationDevice struct {
	ID                  string `json:"id"`
	AppName             string `json:"app_name,omitempty"`
	Platform            string `json:"platform,omitempty"`
	OS                  string `json:"os,omitempty"`
	Model               string `json:"model,omitempty"`
	NotificationChannel string `json:"notification_channel,omitempty"`
	Priority            int    `json:"priority,omitempty"`
}

// User represents an identity within a tenant.
type User struct {
	Sub      string     `json:"sub"`
	TenantID string     `json:"tenant_id"`
	Username string     `json:"username"`
	Status   UserStatus `json:"status"`

	PasswordHash string `json:"password_hash,omitempty"`

	Name                string     `json:"name,omitempty"`
	GivenName           string     `json:"given_name,omitempty"`
	FamilyName          string     `json:"family_name,omitempty"`
	MiddleName          string     `json:"middle_name,omitempty"`
	Nickname            string     `json:"nickname,omitempty"`
	PreferredUsername   string     `json:"preferred_username,omitempty"`
	Profile             string     `json:"profile,omitempty"`
	Picture             string     `json:"picture,omitempty"`
	Website             string     `json:"website,omitempty"`
	Email               string     `json:"email,omitempty"`
	EmailVerified       *bool      `json:"email_verified,omitempty"`
	Gender              string     `json:"gender,omitempty"`
	Birthdate           string     `json:"birthdate,omitempty"`
	Zoneinfo            string     `json:"zoneinfo,omitempty"`
	Locale              string     `json:"locale,omitempty"`
	PhoneNumber         string     `json:"phone_number,omitempty"`
	PhoneNumberVerified *bool      `json:"phone_number_verified,omitempty"`
	Address             *Address   `json:"address,omitempty"`
	UpdatedAt           *time.Time `json:"updated_at,omitempty"`

	ExternalUserID        string                 `json:"external_user_id,omitempty"`
	Roles                 []Role                 `json:"roles,omitempty"`
	Permissions           []string               `json:"permissions,omitempty"`
	AssignedTenants       []string               `json:"assigned_tenants,omitempty"`
	AuthenticationDevices []AuthenticationDevice `json:"authentication_devices,omitempty"`
	CustomProperties      map[string]any         `json:"custom_properties,omitempty"`

	// VerifiedClaims is an OpenID Connect for Identity Assurance
	// verified_claims object: {"verification": {...}, "claims": {...}}.
	VerifiedClaims json.RawMessage `json:"verified_claims,omitempty"`
}

// RoleNames returns the names of the user's roles.
func (u *User) RoleNames() []string {
	names := make([]string, 0, len(u.Roles))
	for _, r := range u.Roles {
		names = append(names, r.Name)
	}
	return names
}

// Lookup attributes accepted by Attribute and user repositories.
const (
	UserAttributeSub            = "sub"
	UserAttributeUsername       = "username"
	UserAttributeEmail          = "email"
	UserAttributePhoneNumber    = "phone_number"
	UserAttributeExternalUserID = "external_user_id"
)

// Attribute returns the value of a lookup attribute, or "" for unknown names.
func (u *User) Attribute(name string) string {
	switch name {
	case UserAttributeSub:
		return u.Sub
	case UserAttributeUsername:
		return u.Username
	case UserAttributeEmail:
		return u.Email
	case UserAttributePhoneNumber:
		return u.PhoneNumber
	case UserAttributeExternalUserID:
		return u.ExternalUserID
	}
	return ""
}
