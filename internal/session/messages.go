package session

import (
	"errors"

	"github.com/tyemirov/tradehub/internal/authkit"
	"github.com/tyemirov/tradehub/internal/profiles"
)

// ErrNoUser is returned by operations that need a signed-in principal.
var ErrNoUser = errors.New("session.no_user")

const messageUnexpected = "Something went wrong. Please try again."

var errorMessages = []struct {
	err     error
	message string
}{
	{authkit.ErrInvalidCredentials, "Invalid email or password."},
	{authkit.ErrEmailNotConfirmed, "Please confirm your email before signing in."},
	{authkit.ErrEmailTaken, "An account with this email already exists."},
	{authkit.ErrInvalidEmail, "Enter a valid email address."},
	{authkit.ErrWeakPassword, "Password is too short."},
	{authkit.ErrSignupDisabled, "No account exists for this email."},
	{authkit.ErrOTPNotFound, "The code is invalid or has expired."},
	{authkit.ErrOTPExpired, "The code is invalid or has expired."},
	{authkit.ErrOTPMismatch, "The code is invalid or has expired."},
	{authkit.ErrOTPAttemptsExceeded, "Too many attempts. Request a new code."},
	{authkit.ErrInvalidIDToken, "Google sign-in failed."},
	{authkit.ErrUnverifiedIdentity, "Google did not verify this email address."},
	{authkit.ErrOAuthUnavailable, "Google sign-in is not available."},
	{authkit.ErrSessionExpired, "Your session has expired. Please sign in again."},
	{ErrNoUser, "No user is signed in."},
	{profiles.ErrProfileNotFound, "Your profile could not be found."},
	{profiles.ErrUnknownRole, "Choose homeowner or professional."},
	{profiles.ErrRoleUnchanged, "You already have this role."},
	{profiles.ErrPendingRequestExists, "You already have a pending role change request."},
}

// Message converts err into the text shown to the user.
func Message(err error) string {
	for _, candidate := range errorMessages {
		if errors.Is(err, candidate.err) {
			return candidate.message
		}
	}
	return messageUnexpected
}
