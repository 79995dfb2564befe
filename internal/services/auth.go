package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/rxops/apiserver/config"
	"github.com/rxops/apiserver/internal/events"
	"github.com/rxops/apiserver/internal/store"
	"github.com/rxops/apiserver/types"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	GetByID(ctx context.Context, id int64) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	GetByRefreshToken(ctx context.Context, tokenHash string) (types.User, error)
	Create(ctx context.Context, user types.User) (types.User, error)
	UpdateLoginStats(ctx context.Context, id int64, failedAttempts int, lockoutEnd *time.Time) error
	RecordLoginSuccess(ctx context.Context, id int64, at time.Time) error
	SetRefreshToken(ctx context.Context, id int64, tokenHash string, expiry time.Time) error
	RotateRefreshToken(ctx context.Context, id int64, currentHash, nextHash string, expiry time.Time) error
	ClearRefreshToken(ctx context.Context, id int64) error
	UpdatePasswordHash(ctx context.Context, id int64, hash string) error
	UpdateFederatedProfile(ctx context.Context, id int64, subject, avatarURL string, emailVerified bool) error
}

// TenantRepository defines persistence operations for tenants.
type TenantRepository interface {
	Get(ctx context.Context, id int64) (types.Tenant, error)
	Create(ctx context.Context, tenant types.Tenant) (types.Tenant, error)
}

// AuthService owns the login, registration, refresh, and logout state
// transitions. It holds no in-memory session state: every mutable bit
// (attempt counter, lockout window, refresh token hash) lives on the user
// row. Refresh rotation is guarded with a compare-and-swap; the attempt
// counter is last-write-wins under concurrency, accepted because lockout
// is a soft defense.
type AuthService struct {
	users     UserRepository
	tenants   TenantRepository
	hasher    PasswordHasher
	tokens    *TokenIssuer
	provider  IdentityProvider
	publisher *events.Publisher
	avatars   *AvatarMirror
	cfg       config.AuthConfig
	logger    *slog.Logger
}

// NewAuthService constructs the session manager. provider, publisher, and
// avatars may be nil when federation, eventing, or avatar mirroring is
// not configured.
func NewAuthService(
	users UserRepository,
	tenants TenantRepository,
	hasher PasswordHasher,
	tokens *TokenIssuer,
	provider IdentityProvider,
	publisher *events.Publisher,
	avatars *AvatarMirror,
	cfg config.AuthConfig,
	logger *slog.Logger,
) *AuthService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxLoginAttempts <= 0 {
		cfg.MaxLoginAttempts = 5
	}
	if cfg.LockoutDuration <= 0 {
		cfg.LockoutDuration = 15 * time.Minute
	}
	if cfg.RefreshTokenTTL <= 0 {
		cfg.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	return &AuthService{
		users:     users,
		tenants:   tenants,
		hasher:    hasher,
		tokens:    tokens,
		provider:  provider,
		publisher: publisher,
		avatars:   avatars,
		cfg:       cfg,
		logger:    logger,
	}
}

// Register creates a brand-new tenant and its initial super admin, then
// issues a session. All validation violations are reported together, and
// a duplicate email is rejected without revealing which tenant owns it.
func (s *AuthService) Register(ctx context.Context, in RegisterInput) (types.Session, error) {
	if verr := validateRegistration(in); verr != nil {
		return types.Session{}, verr
	}

	email := normalizeEmail(in.Email)
	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return types.Session{}, &ConflictError{Message: "an account with this email already exists"}
	} else if !errors.Is(err, store.ErrNotFound) {
		return types.Session{}, dependencyFailure("check existing user", err)
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return types.Session{}, dependencyFailure("hash password", err)
	}

	tenant, err := s.tenants.Create(ctx, types.Tenant{
		Name:     strings.TrimSpace(in.Organization),
		Country:  strings.TrimSpace(in.Country),
		Currency: strings.TrimSpace(in.Currency),
		Language: "en",
	})
	if err != nil {
		return types.Session{}, dependencyFailure("create tenant", err)
	}

	user, err := s.users.Create(ctx, types.User{
		TenantID:     tenant.ID,
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		Role:         types.RoleSuperAdmin,
		Status:       types.UserActive,
		PasswordHash: hash,
	})
	if err != nil {
		return types.Session{}, dependencyFailure("create user", err)
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return types.Session{}, err
	}

	s.publisher.Emit(ctx, events.Event{
		Type:     events.TypeUserRegistered,
		TenantID: tenant.ID,
		UserID:   user.ID,
		Email:    user.Email,
	})
	s.logger.Info("user registered", slog.Int64("user_id", user.ID), slog.Int64("tenant_id", tenant.ID))
	return session, nil
}

// Login verifies credentials and walks the lockout state machine.
//
// Each wrong password increments the attempt counter; the attempt that
// reaches the maximum locks the account for the lockout window and
// resets the counter to zero, so the next cycle starts fresh. Attempts
// during the window are rejected without consuming an attempt. A correct
// password on a non-active account is rejected without touching the
// counter. On success the counter and window are cleared and the
// last-login time is stamped.
func (s *AuthService) Login(ctx context.Context, email, password string) (types.Session, error) {
	email = normalizeEmail(email)
	now := time.Now()

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn the same hashing cost as a real verification so an
			// unknown email is not distinguishable by response time.
			s.hasher.Verify(dummyHash, password)
			return types.Session{}, invalidCredentials(-1)
		}
		return types.Session{}, dependencyFailure("lookup user", err)
	}

	if user.Locked(now) {
		return types.Session{}, accountLocked(user.LockoutEndTime.Sub(now))
	}

	ok := false
	if user.PasswordHash == "" {
		// Federation-only account: no credential to match, but keep the
		// verification cost fixed.
		s.hasher.Verify(dummyHash, password)
	} else {
		ok = s.hasher.Verify(user.PasswordHash, password)
	}

	if !ok {
		return types.Session{}, s.recordFailedAttempt(ctx, user, now)
	}

	if user.Status != types.UserActive {
		return types.Session{}, accountNotActive(user.Status)
	}

	if err := s.users.RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return types.Session{}, dependencyFailure("record login", err)
	}
	user.FailedLoginAttempts = 0
	user.LockoutEndTime = nil
	user.LastLoginAt = &now

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return types.Session{}, err
	}

	s.publisher.Emit(ctx, events.Event{
		Type:     events.TypeLoginSucceeded,
		TenantID: user.TenantID,
		UserID:   user.ID,
		Email:    user.Email,
	})
	return session, nil
}

// recordFailedAttempt advances the counter and locks the account when the
// attempt that just failed reaches the maximum. Failure to persist the
// counter is still reported as an authentication failure; the attempt was
// wrong either way.
func (s *AuthService) recordFailedAttempt(ctx context.Context, user types.User, now time.Time) error {
	attempts := user.FailedLoginAttempts + 1
	if attempts >= s.cfg.MaxLoginAttempts {
		lockoutEnd := now.Add(s.cfg.LockoutDuration)
		if err := s.users.UpdateLoginStats(ctx, user.ID, 0, &lockoutEnd); err != nil {
			s.logger.Error("persist lockout", slog.Int64("user_id", user.ID), slog.String("error", err.Error()))
		}
		s.publisher.Emit(ctx, events.Event{
			Type:     events.TypeAccountLocked,
			TenantID: user.TenantID,
			UserID:   user.ID,
			Email:    user.Email,
		})
		s.logger.Warn("account locked", slog.Int64("user_id", user.ID))
		return accountLocked(s.cfg.LockoutDuration)
	}

	if err := s.users.UpdateLoginStats(ctx, user.ID, attempts, nil); err != nil {
		s.logger.Error("persist failed attempt", slog.Int64("user_id", user.ID), slog.String("error", err.Error()))
	}
	s.publisher.Emit(ctx, events.Event{
		Type:     events.TypeLoginFailed,
		TenantID: user.TenantID,
		UserID:   user.ID,
		Email:    user.Email,
	})
	return invalidCredentials(s.cfg.MaxLoginAttempts - attempts)
}

// Refresh rotates a refresh token. The presented token must hash to the
// stored value and be unexpired, and the account must still be active.
// The swap to the replacement token is guarded on the consumed hash, so
// the presented token works exactly once even under concurrent replays.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (types.Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return types.Session{}, authFailure(ReasonInvalidRefreshToken)
	}

	presentedHash := HashRefreshToken(refreshToken)
	user, err := s.users.GetByRefreshToken(ctx, presentedHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Session{}, authFailure(ReasonInvalidRefreshToken)
		}
		return types.Session{}, dependencyFailure("lookup refresh token", err)
	}

	if user.RefreshTokenExpiry == nil || time.Now().After(*user.RefreshTokenExpiry) {
		return types.Session{}, authFailure(ReasonRefreshTokenExpired)
	}
	if user.Status != types.UserActive {
		return types.Session{}, accountNotActive(user.Status)
	}

	session, err := s.rotateSession(ctx, user, presentedHash)
	if err != nil {
		return types.Session{}, err
	}

	s.publisher.Emit(ctx, events.Event{
		Type:     events.TypeSessionRefreshed,
		TenantID: user.TenantID,
		UserID:   user.ID,
	})
	return session, nil
}

// Logout invalidates the user's refresh token. It always reports success
// to the caller: the visible outcome is idempotent even when the lookup
// fails, while the actual invalidation is attempted regardless.
func (s *AuthService) Logout(ctx context.Context, userID int64) error {
	if err := s.users.ClearRefreshToken(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("clear refresh token", slog.Int64("user_id", userID), slog.String("error", err.Error()))
	}
	s.publisher.Emit(ctx, events.Event{Type: events.TypeLogout, UserID: userID})
	return nil
}

// WhoAmI resolves the current session to a live user and tenant view. The
// user is re-fetched fresh rather than trusted from token claims; this is
// the only path that cuts off a suspended or deleted account before its
// access token expires.
func (s *AuthService) WhoAmI(ctx context.Context, userID int64) (types.User, types.Tenant, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, types.Tenant{}, err
		}
		return types.User{}, types.Tenant{}, dependencyFailure("lookup user", err)
	}
	if user.Status != types.UserActive {
		return types.User{}, types.Tenant{}, accountNotActive(user.Status)
	}

	tenant, err := s.tenants.Get(ctx, user.TenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.User{}, types.Tenant{}, err
		}
		return types.User{}, types.Tenant{}, dependencyFailure("lookup tenant", err)
	}
	return user, tenant, nil
}

// ChangePassword verifies the current password, applies the complexity
// policy to the new one, and clears any outstanding refresh token so old
// sessions cannot be extended past the change.
func (s *AuthService) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	if violations := passwordViolations(next); len(violations) > 0 {
		return &ValidationError{Violations: violations}
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return dependencyFailure("lookup user", err)
	}

	if user.PasswordHash == "" || !s.hasher.Verify(user.PasswordHash, current) {
		return invalidCredentials(-1)
	}

	hash, err := s.hasher.Hash(next)
	if err != nil {
		return dependencyFailure("hash password", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return dependencyFailure("update password", err)
	}
	if err := s.users.ClearRefreshToken(ctx, userID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("clear refresh token", slog.Int64("user_id", userID), slog.String("error", err.Error()))
	}
	return nil
}

// issueSession mints the access token and a fresh refresh token, then
// overwrites the user's refresh token slot. The overwrite is the rotation
// mechanism: whatever token was there before is no longer honored. Once
// the write is acknowledged the rotation is durable; cancellation after
// that point does not roll it back.
func (s *AuthService) issueSession(ctx context.Context, user types.User) (types.Session, error) {
	session, refreshHash, refreshExpiry, err := s.mintSession(user)
	if err != nil {
		return types.Session{}, err
	}
	if err := s.users.SetRefreshToken(ctx, user.ID, refreshHash, refreshExpiry); err != nil {
		return types.Session{}, dependencyFailure("persist refresh token", err)
	}
	return session, nil
}

// rotateSession is issueSession with a guard: the slot is only
// overwritten if it still holds consumedHash. Losing the swap means the
// presented token was already spent by a concurrent request.
func (s *AuthService) rotateSession(ctx context.Context, user types.User, consumedHash string) (types.Session, error) {
	session, refreshHash, refreshExpiry, err := s.mintSession(user)
	if err != nil {
		return types.Session{}, err
	}
	if err := s.users.RotateRefreshToken(ctx, user.ID, consumedHash, refreshHash, refreshExpiry); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return types.Session{}, authFailure(ReasonInvalidRefreshToken)
		}
		return types.Session{}, dependencyFailure("persist refresh token", err)
	}
	return session, nil
}

// mintSession signs the access token and generates the refresh token
// pair: the raw value handed to the client and the hash that gets stored.
func (s *AuthService) mintSession(user types.User) (types.Session, string, time.Time, error) {
	accessToken, expiresAt, err := s.tokens.IssueAccessToken(user)
	if err != nil {
		return types.Session{}, "", time.Time{}, dependencyFailure("sign access token", err)
	}

	refreshToken, err := NewRefreshToken()
	if err != nil {
		return types.Session{}, "", time.Time{}, dependencyFailure("generate refresh token", err)
	}
	refreshHash := HashRefreshToken(refreshToken)

	refreshExpiry := time.Now().Add(s.cfg.RefreshTokenTTL)
	user.RefreshToken = refreshHash
	user.RefreshTokenExpiry = &refreshExpiry
	return types.Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
		User:         user,
	}, refreshHash, refreshExpiry, nil
}
