package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const refreshOpaqueByteLength = 32

var refreshTokenRandomSource io.Reader = rand.Reader

func newRefreshTokenID() string {
	return uuid.NewString()
}

func generateRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := io.ReadFull(refreshTokenRandomSource, randomBytes); err != nil {
		return "", "", fmt.Errorf("refresh_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// NewRefreshToken returns a token id, an opaque token and the hash stored in its place.
func NewRefreshToken() (tokenID string, opaque string, hash string, err error) {
	opaque, hash, err = generateRefreshOpaque()
	if err != nil {
		return "", "", "", err
	}
	return newRefreshTokenID(), opaque, hash, nil
}

// HashRefreshToken returns the stored hash of an opaque refresh token.
func HashRefreshToken(opaque string) string {
	return hashOpaque(opaque)
}
