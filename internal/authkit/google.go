package authkit

import (
	"context"

	"google.golang.org/api/idtoken"
)

// GoogleTokenValidator validates Google ID tokens for an audience.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

var newGoogleTokenValidator = func(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// NewGoogleTokenValidator builds the production validator backed by Google's JWKS.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return newGoogleTokenValidator(ctx)
}

var googleIssuers = map[string]struct{}{
	"https://accounts.google.com": {},
	"accounts.google.com":         {},
}

type googleIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
}

func googleIdentityFromPayload(payload *idtoken.Payload) (googleIdentity, bool) {
	if payload == nil {
		return googleIdentity{}, false
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if _, ok := googleIssuers[issuerValue]; !ok {
		return googleIdentity{}, false
	}
	identity := googleIdentity{}
	identity.Subject, _ = payload.Claims["sub"].(string)
	identity.Email, _ = payload.Claims["email"].(string)
	identity.EmailVerified, _ = payload.Claims["email_verified"].(bool)
	identity.Name, _ = payload.Claims["name"].(string)
	return identity, true
}
