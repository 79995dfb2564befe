package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rxops/apiserver/types"
)

const userColumns = `id, tenant_id, email, name, role, branch_id, status, password_hash,
		google_subject, avatar_url, email_verified, failed_login_attempts,
		lockout_end_time, refresh_token, refresh_token_expiry, last_login_at,
		created_at, updated_at`

// UserRepository handles persistence for users, including the mutable
// session state (failed-attempt counter, lockout window, refresh token)
// that the session manager reads and overwrites per attempt.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) GetByID(ctx context.Context, id int64) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, id))
}

// GetByEmail looks a user up by normalized email. Matching is
// case-insensitive; callers are expected to pass lower-cased input.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE lower(email) = lower($1)`
	return r.scanUser(r.db.QueryRowContext(ctx, query, email))
}

// GetByRefreshToken resolves the user holding the presented refresh token
// hash. Exact match only.
func (r *UserRepository) GetByRefreshToken(ctx context.Context, tokenHash string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE refresh_token = $1`
	return r.scanUser(r.db.QueryRowContext(ctx, query, tokenHash))
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	const query = `
		INSERT INTO users (tenant_id, email, name, role, branch_id, status, password_hash,
			google_subject, avatar_url, email_verified, failed_login_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id`
	if err := r.db.QueryRowContext(
		ctx,
		query,
		user.TenantID,
		user.Email,
		user.Name,
		user.Role,
		user.BranchID,
		user.Status,
		user.PasswordHash,
		user.GoogleSubject,
		user.AvatarURL,
		user.EmailVerified,
		user.FailedLoginAttempts,
		user.CreatedAt,
		user.UpdatedAt,
	).Scan(&user.ID); err != nil {
		return types.User{}, err
	}
	return user, nil
}

// UpdateLoginStats overwrites the failed-attempt counter and lockout end
// time after a failed attempt. The pair is always written as a whole;
// concurrent attempts may race on it, which is accepted.
func (r *UserRepository) UpdateLoginStats(ctx context.Context, id int64, failedAttempts int, lockoutEnd *time.Time) error {
	const query = `
		UPDATE users
		SET failed_login_attempts = $1,
			lockout_end_time = $2,
			updated_at = $3
		WHERE id = $4`
	return r.exec(ctx, query, failedAttempts, nullableTime(lockoutEnd), time.Now(), id)
}

// RecordLoginSuccess clears the attempt counter and lockout window and
// stamps the last-login time.
func (r *UserRepository) RecordLoginSuccess(ctx context.Context, id int64, at time.Time) error {
	const query = `
		UPDATE users
		SET failed_login_attempts = 0,
			lockout_end_time = NULL,
			last_login_at = $1,
			updated_at = $2
		WHERE id = $3`
	return r.exec(ctx, query, at, time.Now(), id)
}

// SetRefreshToken overwrites the user's single refresh token slot. The
// previous token, if any, stops being honored from this point on.
func (r *UserRepository) SetRefreshToken(ctx context.Context, id int64, tokenHash string, expiry time.Time) error {
	const query = `
		UPDATE users
		SET refresh_token = $1,
			refresh_token_expiry = $2,
			updated_at = $3
		WHERE id = $4`
	return r.exec(ctx, query, tokenHash, expiry, time.Now(), id)
}

// RotateRefreshToken swaps the stored token hash for a new one, but only
// if the slot still holds the hash the caller consumed. The guard makes
// rotation single-use under concurrency: of two requests presenting the
// same token, exactly one swap succeeds and the other sees ErrNotFound.
func (r *UserRepository) RotateRefreshToken(ctx context.Context, id int64, currentHash, nextHash string, expiry time.Time) error {
	const query = `
		UPDATE users
		SET refresh_token = $1,
			refresh_token_expiry = $2,
			updated_at = $3
		WHERE id = $4 AND refresh_token = $5`
	return r.exec(ctx, query, nextHash, expiry, time.Now(), id, currentHash)
}

func (r *UserRepository) ClearRefreshToken(ctx context.Context, id int64) error {
	const query = `
		UPDATE users
		SET refresh_token = NULL,
			refresh_token_expiry = NULL,
			updated_at = $1
		WHERE id = $2`
	return r.exec(ctx, query, time.Now(), id)
}

func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	const query = `
		UPDATE users
		SET password_hash = $1,
			updated_at = $2
		WHERE id = $3`
	return r.exec(ctx, query, hash, time.Now(), id)
}

// UpdateFederatedProfile refreshes provider-sourced fields. The subject
// passed here must already honor first-link-wins; this method writes
// whatever it is given.
func (r *UserRepository) UpdateFederatedProfile(ctx context.Context, id int64, subject, avatarURL string, emailVerified bool) error {
	const query = `
		UPDATE users
		SET google_subject = $1,
			avatar_url = $2,
			email_verified = $3,
			updated_at = $4
		WHERE id = $5`
	return r.exec(ctx, query, subject, avatarURL, emailVerified, time.Now(), id)
}

func (r *UserRepository) exec(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *UserRepository) scanUser(row *sql.Row) (types.User, error) {
	var (
		user         types.User
		branchID     sql.NullInt64
		lockoutEnd   sql.NullTime
		refreshToken sql.NullString
		refreshExp   sql.NullTime
		lastLogin    sql.NullTime
	)
	err := row.Scan(
		&user.ID,
		&user.TenantID,
		&user.Email,
		&user.Name,
		&user.Role,
		&branchID,
		&user.Status,
		&user.PasswordHash,
		&user.GoogleSubject,
		&user.AvatarURL,
		&user.EmailVerified,
		&user.FailedLoginAttempts,
		&lockoutEnd,
		&refreshToken,
		&refreshExp,
		&lastLogin,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	if branchID.Valid {
		user.BranchID = &branchID.Int64
	}
	if lockoutEnd.Valid {
		user.LockoutEndTime = &lockoutEnd.Time
	}
	if refreshToken.Valid {
		user.RefreshToken = refreshToken.String
	}
	if refreshExp.Valid {
		user.RefreshTokenExpiry = &refreshExp.Time
	}
	if lastLogin.Valid {
		user.LastLoginAt = &lastLogin.Time
	}
	return user, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
