package authkitpg

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/tradehub/internal/authkit"
)

const testDatabaseEnv = "TRADEHUB_TEST_POSTGRES_URL"

func newTestStore(t *testing.T) *PostgresRefreshTokenStore {
	t.Helper()
	databaseURL := os.Getenv(testDatabaseEnv)
	if databaseURL == "" {
		t.Skipf("%s not set", testDatabaseEnv)
	}
	ctx := context.Background()
	pool, err := BuildPool(ctx, databaseURL, PoolConfig{MaxConns: 2})
	if err != nil {
		t.Fatalf("failed to build pool: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := EnsureSchema(ctx, pool); err != nil {
		t.Fatalf("failed to ensure schema: %v", err)
	}
	store, err := NewPostgresRefreshTokenStore(pool)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

func TestNewPostgresRefreshTokenStoreRequiresPool(t *testing.T) {
	t.Parallel()
	if _, err := NewPostgresRefreshTokenStore(nil); !errors.Is(err, errNilPool) {
		t.Fatalf("expected errNilPool, got %v", err)
	}
}

func TestPostgresRefreshTokenStoreLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	userID := uuid.NewString()

	tokenID, opaque, err := store.Issue(ctx, userID, time.Now().Add(time.Hour).Unix(), "")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	validatedUser, validatedID, _, err := store.Validate(ctx, opaque)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if validatedUser != userID || validatedID != tokenID {
		t.Fatalf("unexpected validation result %s %s", validatedUser, validatedID)
	}
	if _, _, _, err := store.Validate(ctx, "missing"); !errors.Is(err, authkit.ErrRefreshTokenNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Revoke(ctx, tokenID); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if err := store.Revoke(ctx, tokenID); !errors.Is(err, authkit.ErrRefreshTokenAlreadyRevoked) {
		t.Fatalf("expected already revoked, got %v", err)
	}
	if _, _, _, err := store.Validate(ctx, opaque); !errors.Is(err, authkit.ErrRefreshTokenRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}

	_, expiredOpaque, err := store.Issue(ctx, userID, time.Now().Add(-time.Minute).Unix(), "")
	if err != nil {
		t.Fatalf("issue expired failed: %v", err)
	}
	if _, _, _, err := store.Validate(ctx, expiredOpaque); !errors.Is(err, authkit.ErrRefreshTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}

	_, first, _ := store.Issue(ctx, userID, time.Now().Add(time.Hour).Unix(), "")
	_, second, _ := store.Issue(ctx, userID, time.Now().Add(time.Hour).Unix(), "")
	revoked, err := store.RevokeAllForUser(ctx, userID)
	if err != nil {
		t.Fatalf("revoke all failed: %v", err)
	}
	if revoked != 3 {
		t.Fatalf("expected 3 revoked tokens, got %d", revoked)
	}
	for _, token := range []string{first, second} {
		if _, _, _, err := store.Validate(ctx, token); !errors.Is(err, authkit.ErrRefreshTokenRevoked) {
			t.Fatalf("expected revoked token, got %v", err)
		}
	}
}
