package services

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// RegisterInput is the self-service registration request. Registration
// always creates a brand-new tenant owned by the registering user.
type RegisterInput struct {
	Name         string
	Email        string
	Password     string
	Organization string
	Country      string
	Currency     string
}

// validateRegistration collects every violation instead of failing on the
// first one, so the client can surface all of them at once.
func validateRegistration(in RegisterInput) *ValidationError {
	var violations []string

	if strings.TrimSpace(in.Name) == "" {
		violations = append(violations, "name is required")
	} else if utf8.RuneCountInString(strings.TrimSpace(in.Name)) < 2 {
		violations = append(violations, "name must be at least 2 characters")
	}

	email := strings.TrimSpace(in.Email)
	if email == "" {
		violations = append(violations, "email is required")
	} else if !emailPattern.MatchString(email) {
		violations = append(violations, "email is not valid")
	}

	if in.Password == "" {
		violations = append(violations, "password is required")
	} else {
		violations = append(violations, passwordViolations(in.Password)...)
	}

	if strings.TrimSpace(in.Organization) == "" {
		violations = append(violations, "organization name is required")
	}
	if strings.TrimSpace(in.Country) == "" {
		violations = append(violations, "country is required")
	}
	if strings.TrimSpace(in.Currency) == "" {
		violations = append(violations, "currency is required")
	}

	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

// passwordViolations enforces the complexity policy: at least 8
// characters with an upper-case letter, a lower-case letter, and a digit.
func passwordViolations(password string) []string {
	var violations []string
	if len(password) < 8 {
		violations = append(violations, "password must be at least 8 characters")
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper {
		violations = append(violations, "password must contain an upper-case letter")
	}
	if !hasLower {
		violations = append(violations, "password must contain a lower-case letter")
	}
	if !hasDigit {
		violations = append(violations, "password must contain a digit")
	}
	return violations
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
