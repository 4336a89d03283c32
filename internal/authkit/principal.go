package authkit

import (
	"strings"
	"time"
)

// Metadata keys recorded on principals at sign-up.
const (
	MetadataUserType     = "user_type"
	MetadataFirstName    = "first_name"
	MetadataLastName     = "last_name"
	MetadataPhone        = "phone"
	MetadataBusinessName = "business_name"
	MetadataFullName     = "full_name"
	MetadataProvider     = "provider"
)

// AuthMethod names the grant that produced a session.
type AuthMethod string

// Supported grants.
const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodOTP      AuthMethod = "otp"
	AuthMethodIDToken  AuthMethod = "id_token"
	AuthMethodRefresh  AuthMethod = "refresh_token"
)

// SignOutScope selects which refresh tokens a sign-out revokes.
type SignOutScope string

// Sign-out scopes.
const (
	SignOutLocal  SignOutScope = "local"
	SignOutGlobal SignOutScope = "global"
)

// OTPPurpose distinguishes sign-up confirmation codes from login codes.
type OTPPurpose string

// OTP purposes.
const (
	OTPPurposeLogin  OTPPurpose = "login"
	OTPPurposeSignUp OTPPurpose = "signup"
)

// Principal is the identity issued by the auth backend.
type Principal struct {
	ID               string         `json:"id"`
	Email            string         `json:"email"`
	Metadata         map[string]any `json:"user_metadata"`
	EmailConfirmedAt *time.Time     `json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// MetadataString returns a trimmed string metadata value or "".
func (principal Principal) MetadataString(key string) string {
	value, _ := principal.Metadata[key].(string)
	return strings.TrimSpace(value)
}

// Confirmed reports whether the principal's email has been confirmed.
func (principal Principal) Confirmed() bool {
	return principal.EmailConfirmedAt != nil && !principal.EmailConfirmedAt.IsZero()
}

// Session is a pair of access and refresh tokens bound to a principal.
type Session struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    time.Time  `json:"expires_at"`
	Method       AuthMethod `json:"method"`
	Principal    Principal  `json:"user"`
}

// SignUpResult carries the new principal and, when auto-confirmed, its first session.
type SignUpResult struct {
	Principal Principal
	Session   *Session
}

// OTPOptions controls passwordless sign-in.
type OTPOptions struct {
	CreateUser bool
	Metadata   map[string]any
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func cloneMetadata(metadata map[string]any) map[string]any {
	clone := make(map[string]any, len(metadata))
	for key, value := range metadata {
		clone[key] = value
	}
	return clone
}
