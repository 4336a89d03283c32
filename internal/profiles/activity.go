package profiles

import (
	"context"
	"fmt"
	"time"
)

const defaultActivityLimit = 50

// LoginActivity is one successful sign-in.
type LoginActivity struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PrincipalID string    `gorm:"column:principal_id;index;not null" json:"principal_id"`
	Email       string    `gorm:"column:email" json:"email"`
	Method      string    `gorm:"column:method" json:"method"`
	CreatedAt   time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// TableName binds LoginActivity to the login_activity table.
func (LoginActivity) TableName() string {
	return "login_activity"
}

// RecordLogin appends a sign-in to the activity log.
func (store *Store) RecordLogin(ctx context.Context, activity LoginActivity) error {
	activity.ID = 0
	if activity.CreatedAt.IsZero() {
		activity.CreatedAt = store.now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&activity).Error; err != nil {
		return fmt.Errorf("profiles.record_login.%s: %w", store.driverLabel, err)
	}
	return nil
}

// RecentLogins returns the newest sign-ins, newest first. principalID filters when non-empty.
func (store *Store) RecentLogins(ctx context.Context, principalID string, limit int) ([]LoginActivity, error) {
	if limit <= 0 {
		limit = defaultActivityLimit
	}
	query := store.db.WithContext(ctx).Model(&LoginActivity{})
	if principalID != "" {
		query = query.Where("principal_id = ?", principalID)
	}
	var activity []LoginActivity
	if err := query.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&activity).Error; err != nil {
		return nil, fmt.Errorf("profiles.recent_logins.%s: %w", store.driverLabel, err)
	}
	return activity, nil
}
