// Package profiles stores the application profile of each principal together
// with its login activity and role change requests.
package profiles

import (
	"strings"
	"time"

	"github.com/tyemirov/tradehub/internal/authkit"
)

// Profile is the application record of a principal. The user_type column is the
// authoritative role.
type Profile struct {
	ID           string    `gorm:"column:id;primaryKey" json:"id"`
	UserType     Role      `gorm:"column:user_type;not null;default:homeowner" json:"user_type"`
	Email        string    `gorm:"column:email;index" json:"email"`
	FirstName    string    `gorm:"column:first_name" json:"first_name"`
	LastName     string    `gorm:"column:last_name" json:"last_name"`
	Phone        string    `gorm:"column:phone" json:"phone"`
	BusinessName string    `gorm:"column:business_name" json:"business_name"`
	Confirmed    bool      `gorm:"column:confirmed;not null;default:false" json:"confirmed"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName binds Profile to the profiles table.
func (Profile) TableName() string {
	return "profiles"
}

// DefaultProfile builds the profile created on first sign-in from sign-up metadata.
func DefaultProfile(principal authkit.Principal) Profile {
	firstName := principal.MetadataString(authkit.MetadataFirstName)
	lastName := principal.MetadataString(authkit.MetadataLastName)
	if firstName == "" && lastName == "" {
		firstName, lastName = splitFullName(principal.MetadataString(authkit.MetadataFullName))
	}
	return Profile{
		ID:           principal.ID,
		UserType:     SignupRole(principal.MetadataString(authkit.MetadataUserType)),
		Email:        strings.ToLower(strings.TrimSpace(principal.Email)),
		FirstName:    firstName,
		LastName:     lastName,
		Phone:        principal.MetadataString(authkit.MetadataPhone),
		BusinessName: principal.MetadataString(authkit.MetadataBusinessName),
		Confirmed:    principal.Confirmed(),
	}
}

func splitFullName(fullName string) (string, string) {
	parts := strings.Fields(fullName)
	switch len(parts) {
	case 0:
		return "", ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// ProfileUpdate is a partial profile change. UserType is accepted on input so the
// caller can detect role change attempts; it is never persisted.
type ProfileUpdate struct {
	UserType     *string `json:"user_type,omitempty"`
	FirstName    *string `json:"first_name,omitempty" validate:"omitempty,max=100"`
	LastName     *string `json:"last_name,omitempty" validate:"omitempty,max=100"`
	Phone        *string `json:"phone,omitempty" validate:"omitempty,max=32"`
	BusinessName *string `json:"business_name,omitempty" validate:"omitempty,max=200"`
}

// Columns returns the persisted columns of the update, without the role.
func (update ProfileUpdate) Columns() map[string]any {
	columns := make(map[string]any)
	if update.FirstName != nil {
		columns["first_name"] = strings.TrimSpace(*update.FirstName)
	}
	if update.LastName != nil {
		columns["last_name"] = strings.TrimSpace(*update.LastName)
	}
	if update.Phone != nil {
		columns["phone"] = strings.TrimSpace(*update.Phone)
	}
	if update.BusinessName != nil {
		columns["business_name"] = strings.TrimSpace(*update.BusinessName)
	}
	return columns
}

// ChangesRole reports whether the update asks for a role other than current.
func (update ProfileUpdate) ChangesRole(current Role) bool {
	if update.UserType == nil {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(*update.UserType), string(current))
}
