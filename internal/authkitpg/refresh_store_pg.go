package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/tradehub/internal/authkit"
)

var errNilPool = errors.New("authkitpg.nil_pool")

// PostgresRefreshTokenStore implements authkit.RefreshTokenStore over a pgx pool.
type PostgresRefreshTokenStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresRefreshTokenStore wraps pool.
func NewPostgresRefreshTokenStore(pool *pgxpool.Pool) (*PostgresRefreshTokenStore, error) {
	if pool == nil {
		return nil, errNilPool
	}
	return &PostgresRefreshTokenStore{pool: pool, now: time.Now}, nil
}

// Issue inserts a new token row and returns token id and opaque token.
func (store *PostgresRefreshTokenStore) Issue(ctx context.Context, applicationUserID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	tokenID, opaque, hashValue, err := authkit.NewRefreshToken()
	if err != nil {
		return "", "", err
	}
	_, execErr := store.pool.Exec(ctx, `
INSERT INTO refresh_tokens (token_id, user_id, token_hash, expires_unix, revoked_at_unix, previous_token_id, issued_at_unix)
VALUES ($1, $2, $3, $4, 0, $5, $6)
`, tokenID, applicationUserID, hashValue, expiresUnix, previousTokenID, store.now().UTC().Unix())
	if execErr != nil {
		return "", "", fmt.Errorf("refresh_store.issue.postgres: %w", execErr)
	}
	return tokenID, opaque, nil
}

// Validate checks the opaque token and returns user, token id, and expiry.
func (store *PostgresRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, authkit.ErrRefreshTokenEmptyOpaque
	}
	var (
		applicationUserID string
		tokenID           string
		expiresUnix       int64
		revokedAt         int64
	)
	row := store.pool.QueryRow(ctx, `
SELECT user_id, token_id, expires_unix, revoked_at_unix
FROM refresh_tokens
WHERE token_hash = $1
`, authkit.HashRefreshToken(tokenOpaque))
	if scanErr := row.Scan(&applicationUserID, &tokenID, &expiresUnix, &revokedAt); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return "", "", 0, authkit.ErrRefreshTokenNotFound
		}
		return "", "", 0, fmt.Errorf("refresh_store.validate.postgres: %w", scanErr)
	}
	if revokedAt != 0 {
		return "", "", 0, authkit.ErrRefreshTokenRevoked
	}
	if time.Unix(expiresUnix, 0).Before(store.now().UTC()) {
		return "", "", 0, authkit.ErrRefreshTokenExpired
	}
	return applicationUserID, tokenID, expiresUnix, nil
}

// Revoke marks a token as revoked.
func (store *PostgresRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	var revokedAt int64
	err := store.pool.QueryRow(ctx, `
SELECT revoked_at_unix FROM refresh_tokens WHERE token_id = $1
`, tokenID).Scan(&revokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return authkit.ErrRefreshTokenNotFound
		}
		return fmt.Errorf("refresh_store.revoke.postgres: %w", err)
	}
	if revokedAt != 0 {
		return authkit.ErrRefreshTokenAlreadyRevoked
	}
	if _, execErr := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $1
WHERE token_id = $2 AND revoked_at_unix = 0
`, store.now().UTC().Unix(), tokenID); execErr != nil {
		return fmt.Errorf("refresh_store.revoke.postgres: %w", execErr)
	}
	return nil
}

// RevokeAllForUser revokes every live token of applicationUserID.
func (store *PostgresRefreshTokenStore) RevokeAllForUser(ctx context.Context, applicationUserID string) (int64, error) {
	tag, err := store.pool.Exec(ctx, `
UPDATE refresh_tokens
SET revoked_at_unix = $1
WHERE user_id = $2 AND revoked_at_unix = 0
`, store.now().UTC().Unix(), applicationUserID)
	if err != nil {
		return 0, fmt.Errorf("refresh_store.revoke_all.postgres: %w", err)
	}
	return tag.RowsAffected(), nil
}

var _ authkit.RefreshTokenStore = (*PostgresRefreshTokenStore)(nil)
