package authkit

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

var (
	// ErrOTPNotFound indicates no code was issued for the email or it was already consumed.
	ErrOTPNotFound = errors.New("otp.not_found")
	// ErrOTPExpired indicates the code expired before consumption.
	ErrOTPExpired = errors.New("otp.expired")
	// ErrOTPMismatch indicates the supplied code does not match the issued one.
	ErrOTPMismatch = errors.New("otp.mismatch")
	// ErrOTPAttemptsExceeded indicates the code was discarded after too many mismatches.
	ErrOTPAttemptsExceeded = errors.New("otp.attempts_exceeded")
)

const (
	otpDigits      = 6
	otpMaxAttempts = 5
)

type otpEntry struct {
	codeHash string
	purpose  OTPPurpose
	expiry   time.Time
	attempts int
}

type memoryOTPStore struct {
	mutex   sync.Mutex
	entries map[string]*otpEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryOTPStore constructs an in-memory OTPStore with the provided TTL.
func NewMemoryOTPStore(ttl time.Duration) OTPStore {
	return &memoryOTPStore{
		entries: make(map[string]*otpEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue replaces any outstanding code for the email.
func (store *memoryOTPStore) Issue(ctx context.Context, email string, purpose OTPPurpose) (string, error) {
	code, err := generateOTPCode()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[normalizeEmail(email)] = &otpEntry{
		codeHash: hashOpaque(code),
		purpose:  purpose,
		expiry:   store.now().Add(store.ttl),
	}
	return code, nil
}

func (store *memoryOTPStore) Consume(ctx context.Context, email string, code string) (OTPPurpose, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	key := normalizeEmail(email)
	entry, ok := store.entries[key]
	if !ok {
		store.purgeExpiredLocked()
		return "", ErrOTPNotFound
	}
	if store.now().After(entry.expiry) {
		delete(store.entries, key)
		store.purgeExpiredLocked()
		return "", ErrOTPExpired
	}
	if !otpHashesEqual(entry.codeHash, hashOpaque(code)) {
		entry.attempts++
		if entry.attempts >= otpMaxAttempts {
			delete(store.entries, key)
			return "", ErrOTPAttemptsExceeded
		}
		return "", ErrOTPMismatch
	}
	delete(store.entries, key)
	store.purgeExpiredLocked()
	return entry.purpose, nil
}

func (store *memoryOTPStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.now()
	for key, entry := range store.entries {
		if now.After(entry.expiry) {
			delete(store.entries, key)
		}
	}
}

func generateOTPCode() (string, error) {
	upperBound := big.NewInt(1_000_000)
	value, err := rand.Int(rand.Reader, upperBound)
	if err != nil {
		return "", fmt.Errorf("otp.random: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, value.Int64()), nil
}

func otpHashesEqual(left string, right string) bool {
	return subtle.ConstantTimeCompare([]byte(left), []byte(right)) == 1
}
