package authkit

import (
	"context"
	"time"
)

// UserStore persists principals.
type UserStore interface {
	CreateUser(ctx context.Context, record UserRecord) error
	UserByEmail(ctx context.Context, email string) (UserRecord, error)
	UserByID(ctx context.Context, userID string) (UserRecord, error)
	ConfirmEmail(ctx context.Context, userID string, confirmedAt time.Time) error
	RecordSignIn(ctx context.Context, userID string, signedInAt time.Time) error
}

// RefreshTokenStore manages long-lived refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (applicationUserID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
	RevokeAllForUser(ctx context.Context, applicationUserID string) (revoked int64, err error)
}

// OTPStore issues and consumes one-time sign-in codes keyed by email.
type OTPStore interface {
	Issue(ctx context.Context, email string, purpose OTPPurpose) (code string, err error)
	Consume(ctx context.Context, email string, code string) (OTPPurpose, error)
}

// CodeSender delivers one-time codes to the principal.
type CodeSender interface {
	SendCode(ctx context.Context, email string, code string, purpose OTPPurpose) error
}
