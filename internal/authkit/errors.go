package authkit

import "errors"

var (
	// ErrInvalidCredentials covers unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	// ErrEmailNotConfirmed is returned for password sign-in before confirmation.
	ErrEmailNotConfirmed = errors.New("auth.email_not_confirmed")
	// ErrEmailTaken is returned when signing up with a registered email.
	ErrEmailTaken = errors.New("auth.email_taken")
	// ErrInvalidEmail is returned for malformed email addresses.
	ErrInvalidEmail = errors.New("auth.invalid_email")
	// ErrWeakPassword is returned when the password is shorter than the policy minimum.
	ErrWeakPassword = errors.New("auth.weak_password")
	// ErrUserNotFound is returned when no principal matches.
	ErrUserNotFound = errors.New("auth.user_not_found")
	// ErrSignupDisabled is returned for OTP sign-in of unknown emails without CreateUser.
	ErrSignupDisabled = errors.New("auth.otp_signup_disabled")
	// ErrInvalidAccessToken is returned for unparseable or forged access tokens.
	ErrInvalidAccessToken = errors.New("auth.invalid_access_token")
	// ErrSessionExpired is returned for access tokens past their expiry.
	ErrSessionExpired = errors.New("auth.session_expired")
	// ErrInvalidIDToken is returned when a third-party identity token is rejected.
	ErrInvalidIDToken = errors.New("auth.invalid_id_token")
	// ErrUnverifiedIdentity is returned when the identity provider did not verify the email.
	ErrUnverifiedIdentity = errors.New("auth.unverified_identity")
	// ErrOAuthUnavailable is returned when no identity token validator is configured.
	ErrOAuthUnavailable = errors.New("auth.oauth_unavailable")

	errMissingUserStore    = errors.New("auth.backend.missing_user_store")
	errMissingRefreshStore = errors.New("auth.backend.missing_refresh_store")
	errMissingOTPStore     = errors.New("auth.backend.missing_otp_store")
	errMissingSigningKey   = errors.New("auth.backend.missing_signing_key")
)
