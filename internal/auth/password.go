package auth

import (
	"unicode/utf8"

	"farmreach/internal/apperr"

	"golang.org/x/crypto/bcrypt"
)

const minPasswordLen = 8

// HashPassword hashes a plaintext password using bcrypt with DefaultCost.
func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

// CheckPassword compares a bcrypt hash with a candidate plaintext password.
func CheckPassword(hash, pw string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
}

func ValidatePassword(pw string) error {
	if utf8.RuneCountInString(pw) < minPasswordLen {
		return apperr.Validation("password must be at least %d characters", minPasswordLen)
	}
	// bcrypt ignores everything past 72 bytes.
	if len(pw) > 72 {
		return apperr.Validation("password must be at most 72 bytes")
	}
	return nil
}
