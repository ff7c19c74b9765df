package services

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 50
	minPasswordLen = 6
	// bcrypt ignores input past 72 bytes.
	maxPasswordBytes = 72
	maxBioLen        = 500
)

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validateUsername(username string) error {
	n := utf8.RuneCountInString(username)
	if n < minUsernameLen || n > maxUsernameLen {
		return ValidationError("username must be between 3 and 50 characters")
	}
	if strings.Contains(username, "@") {
		return ValidationError("username must not contain @")
	}
	return nil
}

func validateEmail(email string) error {
	if email == "" {
		return ValidationError("email is required")
	}
	if !emailPattern.MatchString(email) {
		return ValidationError("please enter a valid email")
	}
	return nil
}

func validatePassword(password string) error {
	if utf8.RuneCountInString(password) < minPasswordLen {
		return ValidationError("password must be at least 6 characters")
	}
	if len(password) > maxPasswordBytes {
		return ValidationError("password must be at most 72 bytes")
	}
	return nil
}

func validateBio(bio string) error {
	if utf8.RuneCountInString(bio) > maxBioLen {
		return ValidationError("bio must be at most 500 characters")
	}
	return nil
}
