package authkit

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const passwordHashCost = 12

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), passwordHashCost)
	if err != nil {
		return "", fmt.Errorf("auth.password.hash: %w", err)
	}
	return string(hashed), nil
}

func checkPassword(passwordHash string, password string) bool {
	if passwordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) == nil
}
