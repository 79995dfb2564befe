package types

import "time"

// Role is the authorization level a user holds within their tenant.
type Role string

const (
	// RoleSuperAdmin has full control over the tenant.
	RoleSuperAdmin Role = "super_admin"

	// RoleBranchAdmin manages a single branch.
	RoleBranchAdmin Role = "branch_admin"

	// RoleSectionAdmin manages a section within a branch.
	RoleSectionAdmin Role = "section_admin"
)

// UserStatus describes the lifecycle state of an account.
type UserStatus string

const (
	// UserActive accounts may authenticate and hold sessions.
	UserActive UserStatus = "active"

	// UserInvited accounts were created by invitation and have not yet
	// set a credential.
	UserInvited UserStatus = "invited"

	// UserSuspended accounts are blocked from all authentication paths.
	UserSuspended UserStatus = "suspended"
)

// User represents an account in the system.
// It contains identity, credential, and session-lifecycle metadata.
type User struct {
	// ID is the unique identifier of the user.
	ID int64 `json:"id" db:"id"`

	// TenantID is the tenant the user belongs to. A user belongs to
	// exactly one tenant.
	TenantID int64 `json:"tenant_id" db:"tenant_id"`

	// Email is the user's email address, stored trimmed and lower-cased.
	// It is unique across the whole system, not per tenant.
	Email string `json:"email" db:"email"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// Role indicates the user's authorization level within the tenant.
	Role Role `json:"role" db:"role"`

	// BranchID is the optional branch affiliation for branch- and
	// section-scoped roles.
	BranchID *int64 `json:"branch_id,omitempty" db:"branch_id"`

	// Status is the account lifecycle state. Only active accounts may
	// obtain session tokens.
	Status UserStatus `json:"status" db:"status"`

	// PasswordHash stores the bcrypt hash of the user's password. It is
	// empty for federation-only accounts and never exposed in API
	// responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// GoogleSubject is the linked external identity subject, set on the
	// first federated sign-in and never overwritten afterwards.
	GoogleSubject string `json:"-" db:"google_subject"`

	// AvatarURL points at the user's profile picture.
	AvatarURL string `json:"avatar_url,omitempty" db:"avatar_url"`

	// EmailVerified mirrors the provider's verification flag for
	// federated accounts.
	EmailVerified bool `json:"email_verified" db:"email_verified"`

	// FailedLoginAttempts counts consecutive wrong-password attempts
	// since the last success or lockout.
	FailedLoginAttempts int `json:"-" db:"failed_login_attempts"`

	// LockoutEndTime, when set and in the future, rejects all login
	// attempts until it elapses.
	LockoutEndTime *time.Time `json:"-" db:"lockout_end_time"`

	// RefreshToken holds the hash of the single active refresh token for
	// the user. Issuing a new session overwrites it, invalidating the old
	// one; the raw token is never stored.
	RefreshToken string `json:"-" db:"refresh_token"`

	// RefreshTokenExpiry bounds the refresh token's validity.
	RefreshTokenExpiry *time.Time `json:"-" db:"refresh_token_expiry"`

	// LastLoginAt is stamped on each successful credential login.
	LastLoginAt *time.Time `json:"last_login_at,omitempty" db:"last_login_at"`

	// CreatedAt is the timestamp when the account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Locked reports whether the account is inside an active lockout window.
func (u User) Locked(now time.Time) bool {
	return u.LockoutEndTime != nil && now.Before(*u.LockoutEndTime)
}
