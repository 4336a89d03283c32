package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/tyemirov/tradehub/internal/database"
	"gorm.io/gorm"
)

const pgUniqueViolation = "23505"

// UserRecord is the persisted form of a principal.
type UserRecord struct {
	ID               string         `gorm:"column:id;primaryKey"`
	Email            string         `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash     string         `gorm:"column:password_hash;not null;default:''"`
	Metadata         map[string]any `gorm:"column:user_metadata;serializer:json"`
	EmailConfirmedAt *time.Time     `gorm:"column:email_confirmed_at"`
	LastSignInAt     *time.Time     `gorm:"column:last_sign_in_at"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	UpdatedAt        time.Time      `gorm:"column:updated_at"`
}

// TableName keeps principals apart from application tables.
func (UserRecord) TableName() string {
	return "auth_users"
}

// Principal projects the record onto the public identity shape.
func (record UserRecord) Principal() Principal {
	return Principal{
		ID:               record.ID,
		Email:            record.Email,
		Metadata:         cloneMetadata(record.Metadata),
		EmailConfirmedAt: record.EmailConfirmedAt,
		CreatedAt:        record.CreatedAt,
	}
}

// DatabaseUserStore persists principals using GORM.
type DatabaseUserStore struct {
	db          *gorm.DB
	driverLabel string
}

// NewDatabaseUserStore migrates the auth_users table on gormDB and wraps it.
func NewDatabaseUserStore(ctx context.Context, gormDB *gorm.DB, driverLabel string) (*DatabaseUserStore, error) {
	if gormDB == nil {
		return nil, fmt.Errorf("user_store.open: %w", errNilDatabase)
	}
	if migrateErr := database.Migrate(ctx, gormDB, &UserRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("user_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseUserStore{db: gormDB, driverLabel: driverLabel}, nil
}

// CreateUser inserts a principal; duplicate emails map to ErrEmailTaken.
func (store *DatabaseUserStore) CreateUser(ctx context.Context, record UserRecord) error {
	record.Email = normalizeEmail(record.Email)
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, ErrEmailTaken)
		}
		return fmt.Errorf("user_store.create.%s: %w", store.driverLabel, err)
	}
	return nil
}

// UserByEmail looks a principal up by normalised email.
func (store *DatabaseUserStore) UserByEmail(ctx context.Context, email string) (UserRecord, error) {
	return store.take(ctx, "email = ?", normalizeEmail(email))
}

// UserByID looks a principal up by id.
func (store *DatabaseUserStore) UserByID(ctx context.Context, userID string) (UserRecord, error) {
	return store.take(ctx, "id = ?", userID)
}

// ConfirmEmail stamps the confirmation time once.
func (store *DatabaseUserStore) ConfirmEmail(ctx context.Context, userID string, confirmedAt time.Time) error {
	result := store.db.WithContext(ctx).Model(&UserRecord{}).
		Where("id = ? AND email_confirmed_at IS NULL", userID).
		Updates(map[string]any{"email_confirmed_at": confirmedAt, "updated_at": confirmedAt})
	if result.Error != nil {
		return fmt.Errorf("user_store.confirm.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// RecordSignIn stamps the last sign-in time.
func (store *DatabaseUserStore) RecordSignIn(ctx context.Context, userID string, signedInAt time.Time) error {
	result := store.db.WithContext(ctx).Model(&UserRecord{}).
		Where("id = ?", userID).
		Update("last_sign_in_at", signedInAt)
	if result.Error != nil {
		return fmt.Errorf("user_store.record_sign_in.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("user_store.record_sign_in.%s: %w", store.driverLabel, ErrUserNotFound)
	}
	return nil
}

func (store *DatabaseUserStore) take(ctx context.Context, query string, argument string) (UserRecord, error) {
	var record UserRecord
	err := store.db.WithContext(ctx).Where(query, argument).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserRecord{}, fmt.Errorf("user_store.take.%s: %w", store.driverLabel, ErrUserNotFound)
		}
		return UserRecord{}, fmt.Errorf("user_store.take.%s: %w", store.driverLabel, err)
	}
	return record, nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}
