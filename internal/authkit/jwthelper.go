package authkit

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tyemirov/tradehub/pkg/sessionvalidator"
)

var errEmptySubject = errors.New("jwt.mint.failure: subject must be non-empty")

// MintAccessToken creates a signed HS256 access token for the principal.
func MintAccessToken(principal Principal, method AuthMethod, sessionID string, issuer string, signingKey []byte, ttl time.Duration, issuedAt time.Time) (string, time.Time, error) {
	if principal.ID == "" {
		return "", time.Time{}, errEmptySubject
	}
	issuedAt = issuedAt.UTC()
	expiresAt := issuedAt.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, sessionvalidator.Claims{
		UserID:       principal.ID,
		UserEmail:    principal.Email,
		UserMetadata: cloneMetadata(principal.Metadata),
		AuthMethod:   string(method),
		SessionID:    sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   principal.ID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString(signingKey)
	return signed, expiresAt, err
}
