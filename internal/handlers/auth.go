package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rxops/apiserver/internal/services"
	"github.com/rxops/apiserver/types"
)

// AuthHandler exposes the session lifecycle endpoints.
type AuthHandler struct {
	auth   *services.AuthService
	tokens *services.TokenIssuer
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(auth *services.AuthService, tokens *services.TokenIssuer) *AuthHandler {
	return &AuthHandler{auth: auth, tokens: tokens}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, auth *services.AuthService, tokens *services.TokenIssuer) {
	handler := NewAuthHandler(auth, tokens)

	r.Post("/register", handler.Register)
	r.Post("/login", handler.Login)
	r.Post("/refresh", handler.Refresh)
	r.Post("/google", handler.GoogleIDToken)
	r.Post("/google/exchange", handler.GoogleCode)
	r.With(handler.RequireAuth).Post("/logout", handler.Logout)
	r.With(handler.RequireAuth).Post("/password", handler.ChangePassword)
	r.With(handler.RequireAuth).Get("/me", handler.Me)
}

// RequireAuth enforces a valid access token and injects the subject into
// the request context.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := bearerToken(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		_, userID, err := h.tokens.ParseAccessToken(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := context.WithValue(r.Context(), contextSubjectKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Register creates a tenant and its super admin and returns a session.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	session, err := h.auth.Register(r.Context(), services.RegisterInput{
		Name:         req.Name,
		Email:        req.Email,
		Password:     req.Password,
		Organization: req.Organization,
		Country:      req.Country,
		Currency:     req.Currency,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, SessionResponse{Session: session})
}

// Login verifies credentials and returns a session.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing credentials")
		return
	}

	session, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{Session: session})
}

// Refresh rotates a refresh token and returns a new session.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	session, err := h.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{Session: session})
}

// Logout invalidates the caller's refresh token. It always reports
// success.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	_ = h.auth.Logout(r.Context(), userID)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// GoogleIDToken signs a user in with a provider-issued ID token.
func (h *AuthHandler) GoogleIDToken(w http.ResponseWriter, r *http.Request) {
	var req FederatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.IDToken == "" {
		writeError(w, http.StatusBadRequest, "missing id token")
		return
	}

	result, err := h.auth.FederatedLogin(r.Context(), federatedInput(req))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{Session: result.Session, IsNewUser: &result.IsNewUser})
}

// GoogleCode signs a user in with a one-time authorization code.
func (h *AuthHandler) GoogleCode(w http.ResponseWriter, r *http.Request) {
	var req FederatedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing authorization code")
		return
	}

	result, err := h.auth.FederatedExchange(r.Context(), federatedInput(req))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{Session: result.Session, IsNewUser: &result.IsNewUser})
}

// ChangePassword rotates the caller's credential.
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ChangePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	if err := h.auth.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// Me returns a live view of the authenticated user and tenant, fetched
// fresh rather than echoed from token claims.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	userID, err := userIDFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, tenant, err := h.auth.WhoAmI(r.Context(), userID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, MeResponse{User: user, Tenant: tenant})
}

type RegisterRequest struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	Organization string `json:"organization"`
	Country      string `json:"country"`
	Currency     string `json:"currency"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type FederatedRequest struct {
	IDToken  string `json:"id_token,omitempty"`
	Code     string `json:"code,omitempty"`
	OrgName  string `json:"org_name,omitempty"`
	Country  string `json:"country,omitempty"`
	Currency string `json:"currency,omitempty"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type SessionResponse struct {
	types.Session
	IsNewUser *bool `json:"is_new_user,omitempty"`
}

type MeResponse struct {
	User   types.User   `json:"user"`
	Tenant types.Tenant `json:"tenant"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

func federatedInput(req FederatedRequest) services.FederatedInput {
	return services.FederatedInput{
		IDToken:  req.IDToken,
		Code:     req.Code,
		OrgName:  req.OrgName,
		Country:  req.Country,
		Currency: req.Currency,
	}
}

func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", errors.New("missing authorization")
	}
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", errors.New("invalid authorization")
	}
	token := auth[len(prefix):]
	if token == "" {
		return "", errors.New("invalid authorization")
	}
	return token, nil
}
