package profiles

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validation tags registered by RegisterValidations.
const (
	TagMarketplaceRole = "marketplace_role"
	TagSignupRole      = "signup_role"
)

// RegisterValidations adds the role rules to validate: marketplace_role accepts any
// role, signup_role only the self-service ones.
func RegisterValidations(validate *validator.Validate) error {
	if err := validate.RegisterValidation(TagMarketplaceRole, func(field validator.FieldLevel) bool {
		_, err := ParseRole(field.Field().String())
		return err == nil
	}); err != nil {
		return fmt.Errorf("profiles.register_validation.%s: %w", TagMarketplaceRole, err)
	}
	if err := validate.RegisterValidation(TagSignupRole, func(field validator.FieldLevel) bool {
		role, err := ParseRole(field.Field().String())
		return err == nil && role != RoleAdmin
	}); err != nil {
		return fmt.Errorf("profiles.register_validation.%s: %w", TagSignupRole, err)
	}
	return nil
}
