package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/tradehub/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrProfileNotFound is returned when no profile exists for the principal.
	ErrProfileNotFound = errors.New("profiles.not_found")
	// ErrRequestNotFound is returned for unknown role change requests.
	ErrRequestNotFound = errors.New("profiles.request_not_found")
	// ErrRequestResolved is returned when resolving a request twice.
	ErrRequestResolved = errors.New("profiles.request_already_resolved")
	// ErrPendingRequestExists is returned when the principal already waits for a decision.
	ErrPendingRequestExists = errors.New("profiles.pending_request_exists")
	// ErrRoleUnchanged is returned when the requested role equals the current one.
	ErrRoleUnchanged = errors.New("profiles.role_unchanged")

	errNilDatabase = errors.New("profiles.nil_database")
)

// Store persists profiles, login activity and role change requests using GORM.
type Store struct {
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

// NewStore migrates the profile tables on gormDB and wraps it.
func NewStore(ctx context.Context, gormDB *gorm.DB, driverLabel string) (*Store, error) {
	if gormDB == nil {
		return nil, fmt.Errorf("profiles.open: %w", errNilDatabase)
	}
	if err := database.Migrate(ctx, gormDB, &Profile{}, &LoginActivity{}, &RoleChangeRequest{}); err != nil {
		return nil, fmt.Errorf("profiles.migrate.%s: %w", driverLabel, err)
	}
	return &Store{db: gormDB, driverLabel: driverLabel, now: time.Now}, nil
}

// Get loads the profile of principalID.
func (store *Store) Get(ctx context.Context, principalID string) (Profile, error) {
	var profile Profile
	err := store.db.WithContext(ctx).Where("id = ?", principalID).Take(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, fmt.Errorf("profiles.get: %w", ErrProfileNotFound)
		}
		return Profile{}, fmt.Errorf("profiles.get.%s: %w", store.driverLabel, err)
	}
	return profile, nil
}

// GetByEmail loads the profile that uses email.
func (store *Store) GetByEmail(ctx context.Context, email string) (Profile, error) {
	var profile Profile
	err := store.db.WithContext(ctx).Where("email = ?", strings.ToLower(strings.TrimSpace(email))).Take(&profile).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Profile{}, fmt.Errorf("profiles.get_by_email: %w", ErrProfileNotFound)
		}
		return Profile{}, fmt.Errorf("profiles.get_by_email.%s: %w", store.driverLabel, err)
	}
	return profile, nil
}

// EnsureDefault inserts profile unless a row for the same principal exists and returns
// the stored row. created reports whether this call inserted it.
func (store *Store) EnsureDefault(ctx context.Context, profile Profile) (Profile, bool, error) {
	now := store.now().UTC()
	profile.CreatedAt = now
	profile.UpdatedAt = now
	if !profile.UserType.Valid() {
		profile.UserType = RoleHomeowner
	}
	result := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&profile)
	if result.Error != nil {
		return Profile{}, false, fmt.Errorf("profiles.ensure_default.%s: %w", store.driverLabel, result.Error)
	}
	stored, err := store.Get(ctx, profile.ID)
	if err != nil {
		return Profile{}, false, err
	}
	return stored, result.RowsAffected == 1, nil
}

// Update persists the non-role columns of update.
func (store *Store) Update(ctx context.Context, principalID string, update ProfileUpdate) (Profile, error) {
	columns := update.Columns()
	if len(columns) == 0 {
		return store.Get(ctx, principalID)
	}
	columns["updated_at"] = store.now().UTC()
	result := store.db.WithContext(ctx).Model(&Profile{}).Where("id = ?", principalID).Updates(columns)
	if result.Error != nil {
		return Profile{}, fmt.Errorf("profiles.update.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return Profile{}, fmt.Errorf("profiles.update: %w", ErrProfileNotFound)
	}
	return store.Get(ctx, principalID)
}

// MarkConfirmed flips the confirmation flag once the principal verified the email.
func (store *Store) MarkConfirmed(ctx context.Context, principalID string) error {
	result := store.db.WithContext(ctx).Model(&Profile{}).
		Where("id = ? AND confirmed = ?", principalID, false).
		Updates(map[string]any{"confirmed": true, "updated_at": store.now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("profiles.mark_confirmed.%s: %w", store.driverLabel, result.Error)
	}
	return nil
}

// ExistsByEmail reports whether a profile uses email.
func (store *Store) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&Profile{}).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("profiles.exists_by_email.%s: %w", store.driverLabel, err)
	}
	return count > 0, nil
}

// SetRole changes the profile role and returns the previous one.
func (store *Store) SetRole(ctx context.Context, principalID string, role Role) (Role, error) {
	if !role.Valid() {
		return "", fmt.Errorf("profiles.set_role: %w", ErrUnknownRole)
	}
	var previous Role
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var err error
		previous, err = setRole(transaction, principalID, role, store.now().UTC())
		return err
	})
	if err != nil {
		return "", fmt.Errorf("profiles.set_role.%s: %w", store.driverLabel, err)
	}
	return previous, nil
}

func setRole(transaction *gorm.DB, principalID string, role Role, updatedAt time.Time) (Role, error) {
	var profile Profile
	if err := transaction.Where("id = ?", principalID).Take(&profile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrProfileNotFound
		}
		return "", err
	}
	if err := transaction.Model(&Profile{}).Where("id = ?", principalID).
		Updates(map[string]any{"user_type": role, "updated_at": updatedAt}).Error; err != nil {
		return "", err
	}
	return profile.UserType, nil
}
