package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/rxops/apiserver/internal/events"
	"github.com/rxops/apiserver/internal/store"
	"github.com/rxops/apiserver/types"
)

const (
	defaultFederationCountry  = "US"
	defaultFederationCurrency = "USD"
)

// FederatedInput carries one of the two federation entry protocols plus
// optional organization hints used only when a new tenant is provisioned.
type FederatedInput struct {
	IDToken  string
	Code     string
	OrgName  string
	Country  string
	Currency string
}

// FederatedResult is a session bundle plus the new-user flag that tells
// the caller to route first-time sign-ins to onboarding.
type FederatedResult struct {
	Session   types.Session
	IsNewUser bool
}

// FederatedLogin authenticates with a provider-issued ID token presented
// directly by the client.
func (s *AuthService) FederatedLogin(ctx context.Context, in FederatedInput) (FederatedResult, error) {
	if s.provider == nil {
		return FederatedResult{}, authFailure(ReasonInvalidProviderToken)
	}
	identity, err := s.provider.VerifyIDToken(ctx, in.IDToken)
	if err != nil {
		s.logger.Warn("provider token rejected", slog.String("error", err.Error()))
		return FederatedResult{}, authFailure(ReasonInvalidProviderToken)
	}
	return s.federatedSignIn(ctx, identity, in)
}

// FederatedExchange authenticates with a one-time authorization code,
// exchanged server-side for an ID token that is then verified exactly
// like the direct flow.
func (s *AuthService) FederatedExchange(ctx context.Context, in FederatedInput) (FederatedResult, error) {
	if s.provider == nil {
		return FederatedResult{}, authFailure(ReasonCodeExchangeFailed)
	}
	rawIDToken, err := s.provider.ExchangeCode(ctx, in.Code)
	if err != nil {
		s.logger.Warn("code exchange failed", slog.String("error", err.Error()))
		return FederatedResult{}, authFailure(ReasonCodeExchangeFailed)
	}
	in.IDToken = rawIDToken
	return s.FederatedLogin(ctx, in)
}

// federatedSignIn is the single flow both entry protocols converge on
// once a verified identity payload is in hand.
func (s *AuthService) federatedSignIn(ctx context.Context, identity Identity, in FederatedInput) (FederatedResult, error) {
	email := normalizeEmail(identity.Email)

	user, err := s.users.GetByEmail(ctx, email)
	if err == nil {
		session, err := s.federatedExistingUser(ctx, user, identity)
		if err != nil {
			return FederatedResult{}, err
		}
		return FederatedResult{Session: session, IsNewUser: false}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return FederatedResult{}, dependencyFailure("lookup user", err)
	}

	session, err := s.federatedNewUser(ctx, identity, in, email)
	if err != nil {
		return FederatedResult{}, err
	}
	return FederatedResult{Session: session, IsNewUser: true}, nil
}

func (s *AuthService) federatedExistingUser(ctx context.Context, user types.User, identity Identity) (types.Session, error) {
	if user.Status != types.UserActive {
		return types.Session{}, accountNotActive(user.Status)
	}

	// First link wins: an already-linked subject is never overwritten,
	// even if the provider presents a different one.
	subject := user.GoogleSubject
	if subject == "" {
		subject = identity.Subject
	}

	avatarURL := user.AvatarURL
	if identity.Picture != "" && identity.Picture != user.AvatarURL {
		avatarURL = s.mirrorAvatar(ctx, user.ID, identity.Picture)
	}

	if err := s.users.UpdateFederatedProfile(ctx, user.ID, subject, avatarURL, identity.EmailVerified); err != nil {
		return types.Session{}, dependencyFailure("update federated profile", err)
	}
	user.GoogleSubject = subject
	user.AvatarURL = avatarURL
	user.EmailVerified = identity.EmailVerified

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return types.Session{}, err
	}

	s.publisher.Emit(ctx, events.Event{
		Type:     events.TypeFederatedSignIn,
		TenantID: user.TenantID,
		UserID:   user.ID,
		Email:    user.Email,
	})
	return session, nil
}

// federatedNewUser auto-provisions a tenant and its super admin for a
// first-time federated sign-in. The account has no password; it is
// reachable only through the linked provider identity.
func (s *AuthService) federatedNewUser(ctx context.Context, identity Identity, in FederatedInput, email string) (types.Session, error) {
	orgName := strings.TrimSpace(in.OrgName)
	if orgName == "" {
		orgName = identity.Name + "'s Organization"
	}
	country := strings.TrimSpace(in.Country)
	if country == "" {
		country = defaultFederationCountry
	}
	currency := strings.TrimSpace(in.Currency)
	if currency == "" {
		currency = defaultFederationCurrency
	}

	tenant, err := s.tenants.Create(ctx, types.Tenant{
		Name:     orgName,
		Country:  country,
		Currency: currency,
		Language: "en",
	})
	if err != nil {
		return types.Session{}, dependencyFailure("create tenant", err)
	}

	user, err := s.users.Create(ctx, types.User{
		TenantID:      tenant.ID,
		Email:         email,
		Name:          identity.Name,
		Role:          types.RoleSuperAdmin,
		Status:        types.UserActive,
		GoogleSubject: identity.Subject,
		AvatarURL:     identity.Picture,
		EmailVerified: identity.EmailVerified,
	})
	if err != nil {
		return types.Session{}, dependencyFailure("create user", err)
	}

	if identity.Picture != "" {
		if mirrored := s.mirrorAvatar(ctx, user.ID, identity.Picture); mirrored != identity.Picture {
			if err := s.users.UpdateFederatedProfile(ctx, user.ID, user.GoogleSubject, mirrored, user.EmailVerified); err != nil {
				s.logger.Error("store mirrored avatar", slog.Int64("user_id", user.ID), slog.String("error", err.Error()))
			} else {
				user.AvatarURL = mirrored
			}
		}
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return types.Session{}, err
	}

	s.publisher.Emit(ctx, events.Event{
		Type:     events.TypeFederatedSignIn,
		TenantID: tenant.ID,
		UserID:   user.ID,
		Email:    user.Email,
		Detail:   map[string]string{"new_user": "true"},
	})
	s.logger.Info("federated signup", slog.Int64("user_id", user.ID), slog.Int64("tenant_id", tenant.ID))
	return session, nil
}

// mirrorAvatar re-hosts the provider picture when a mirror is configured.
// Any failure falls back to the provider URL; avatars are never worth
// failing a sign-in over.
func (s *AuthService) mirrorAvatar(ctx context.Context, userID int64, sourceURL string) string {
	mirrored, err := s.avatars.Mirror(ctx, userID, sourceURL)
	if err != nil {
		s.logger.Warn("mirror avatar", slog.Int64("user_id", userID), slog.String("error", err.Error()))
		return sourceURL
	}
	return mirrored
}
