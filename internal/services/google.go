package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rxops/apiserver/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

// Identity is the verified payload obtained from the identity provider.
// Both federation entry protocols converge on this type.
type Identity struct {
	Subject       string
	Email         string
	Name          string
	Picture       string
	EmailVerified bool
}

// IdentityProvider verifies provider-issued ID tokens and exchanges
// authorization codes for them. Both operations hit the provider over the
// network and honor context cancellation.
type IdentityProvider interface {
	VerifyIDToken(ctx context.Context, rawToken string) (Identity, error)
	ExchangeCode(ctx context.Context, code string) (string, error)
}

// GoogleProvider implements IdentityProvider against Google's OAuth
// endpoints. Verification checks the token signature against Google's
// published keys and the audience against our client ID.
type GoogleProvider struct {
	clientID string
	oauth    *oauth2.Config
}

func NewGoogleProvider(cfg config.GoogleConfig) *GoogleProvider {
	return &GoogleProvider{
		clientID: cfg.ClientID,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
	}
}

func (p *GoogleProvider) VerifyIDToken(ctx context.Context, rawToken string) (Identity, error) {
	payload, err := idtoken.Validate(ctx, rawToken, p.clientID)
	if err != nil {
		return Identity{}, err
	}

	identity := Identity{
		Subject:       payload.Subject,
		Email:         claimString(payload.Claims, "email"),
		Name:          claimString(payload.Claims, "name"),
		Picture:       claimString(payload.Claims, "picture"),
		EmailVerified: claimBool(payload.Claims, "email_verified"),
	}
	if identity.Subject == "" || identity.Email == "" {
		return Identity{}, errors.New("provider token missing subject or email")
	}
	return identity, nil
}

// ExchangeCode trades a one-time authorization code for the provider's ID
// token using the confidential client secret.
func (p *GoogleProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return "", err
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || strings.TrimSpace(rawIDToken) == "" {
		return "", errors.New("token response missing id_token")
	}
	return rawIDToken, nil
}

func claimString(claims map[string]any, key string) string {
	if value, ok := claims[key].(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func claimBool(claims map[string]any, key string) bool {
	switch value := claims[key].(type) {
	case bool:
		return value
	case string:
		return value == "true"
	}
	return false
}
