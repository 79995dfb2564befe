package services

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rxops/apiserver/types"
)

// AuthReason tags the closed set of authentication failure outcomes so
// call sites can handle every case exhaustively.
type AuthReason string

const (
	ReasonInvalidCredentials   AuthReason = "invalid_credentials"
	ReasonAccountLocked        AuthReason = "account_locked"
	ReasonAccountNotActive     AuthReason = "account_not_active"
	ReasonInvalidRefreshToken  AuthReason = "invalid_refresh_token"
	ReasonRefreshTokenExpired  AuthReason = "refresh_token_expired"
	ReasonInvalidProviderToken AuthReason = "invalid_provider_token"
	ReasonCodeExchangeFailed   AuthReason = "code_exchange_failed"
)

// ValidationError carries every violation found in a request, collected
// rather than failing on the first field.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Violations, "; ")
}

// AuthError is an authentication failure. The message is deliberately
// uninformative about which lookup failed but transparent about the
// remaining attempts and the lockout duration.
type AuthError struct {
	Reason AuthReason

	// RemainingAttempts is set (>= 0) only for wrong-credential failures
	// against a known account; -1 means not applicable.
	RemainingAttempts int

	// RetryAfter is set for locked accounts.
	RetryAfter time.Duration

	// Status is set for not-active accounts.
	Status types.UserStatus
}

func (e *AuthError) Error() string {
	switch e.Reason {
	case ReasonInvalidCredentials:
		if e.RemainingAttempts >= 0 {
			return fmt.Sprintf("invalid email or password (%d attempts remaining)", e.RemainingAttempts)
		}
		return "invalid email or password"
	case ReasonAccountLocked:
		return fmt.Sprintf("account locked; try again in %d minutes", lockoutMinutes(e.RetryAfter))
	case ReasonAccountNotActive:
		return fmt.Sprintf("account is not active (%s)", e.Status)
	case ReasonInvalidRefreshToken:
		return "invalid refresh token"
	case ReasonRefreshTokenExpired:
		return "refresh token expired"
	case ReasonInvalidProviderToken:
		return "invalid identity provider token"
	case ReasonCodeExchangeFailed:
		return "authorization code exchange failed"
	}
	return "authentication failed"
}

// ConflictError reports a uniqueness conflict without revealing who owns
// the conflicting record.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// DependencyError wraps a failure of an external collaborator (data
// store, identity provider). The cause is kept for operators; callers
// receive only the generic message.
type DependencyError struct {
	Op  string
	Err error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *DependencyError) Unwrap() error {
	return e.Err
}

func lockoutMinutes(d time.Duration) int {
	return int(math.Ceil(d.Minutes()))
}

func invalidCredentials(remaining int) *AuthError {
	return &AuthError{Reason: ReasonInvalidCredentials, RemainingAttempts: remaining}
}

func accountLocked(retryAfter time.Duration) *AuthError {
	return &AuthError{Reason: ReasonAccountLocked, RetryAfter: retryAfter, RemainingAttempts: -1}
}

func accountNotActive(status types.UserStatus) *AuthError {
	return &AuthError{Reason: ReasonAccountNotActive, Status: status, RemainingAttempts: -1}
}

func authFailure(reason AuthReason) *AuthError {
	return &AuthError{Reason: reason, RemainingAttempts: -1}
}

func dependencyFailure(op string, err error) *DependencyError {
	return &DependencyError{Op: op, Err: err}
}
