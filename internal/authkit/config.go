package authkit

import (
	"time"
)

// Config configures token issuance and sign-up policy of the auth backend.
type Config struct {
	SigningKey        []byte
	Issuer            string
	GoogleWebClientID string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	AutoConfirm       bool
	MinPasswordLength int
}

const defaultMinPasswordLength = 6
