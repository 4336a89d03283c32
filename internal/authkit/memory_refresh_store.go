package authkit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	byID   map[string]*memoryRecord
	byHash map[string]string
}

type memoryRecord struct {
	TokenID         string
	UserID          string
	Hash            string
	ExpiresUnix     int64
	RevokedAtUnix   int64
	PreviousTokenID string
	IssuedAtUnix    int64
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		byID:   make(map[string]*memoryRecord),
		byHash: make(map[string]string),
	}
}

// Issue creates a new token, optionally linked to a previous token.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", err
	}

	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID := newRefreshTokenID()
	record := &memoryRecord{
		TokenID:         tokenID,
		UserID:          applicationUserID,
		Hash:            hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    time.Now().UTC().Unix(),
	}
	store.byID[tokenID] = record
	store.byHash[hashValue] = tokenID
	return tokenID, opaque, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, ErrRefreshTokenEmptyOpaque
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return "", "", 0, ErrRefreshTokenNotFound
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", 0, ErrRefreshTokenNotFound
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, ErrRefreshTokenRevoked
	}
	if time.Unix(record.ExpiresUnix, 0).Before(time.Now().UTC()) {
		return "", "", 0, ErrRefreshTokenExpired
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a token as revoked.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record := store.byID[tokenID]
	if record == nil {
		return ErrRefreshTokenNotFound
	}
	if record.RevokedAtUnix != 0 {
		return ErrRefreshTokenAlreadyRevoked
	}
	record.RevokedAtUnix = time.Now().UTC().Unix()
	return nil
}

// RevokeAllForUser revokes every live token belonging to the user.
func (store *MemoryRefreshTokenStore) RevokeAllForUser(ctx context.Context, applicationUserID string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	nowUnix := time.Now().UTC().Unix()
	var revoked int64
	for _, record := range store.byID {
		if record.UserID == applicationUserID && record.RevokedAtUnix == 0 {
			record.RevokedAtUnix = nowUnix
			revoked++
		}
	}
	return revoked, nil
}
