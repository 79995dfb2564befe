package services

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rxops/apiserver/types"
)

const refreshTokenBytes = 64

// SessionClaims is the JWT claim set minted into every access token.
// Verification of role and status against these claims is only as fresh
// as the token; anything security-sensitive must re-fetch the user.
type SessionClaims struct {
	Email    string     `json:"email"`
	TenantID int64      `json:"tenant_id"`
	Role     types.Role `json:"role"`
	BranchID *int64     `json:"branch_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and parses signed access tokens and generates opaque
// refresh tokens.
type TokenIssuer struct {
	secret    []byte
	accessTTL time.Duration
}

func NewTokenIssuer(secret string, accessTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:    []byte(secret),
		accessTTL: accessTTL,
	}
}

// IssueAccessToken signs a short-lived token carrying the user's
// identity, tenant, and role claims plus a unique jti.
func (t *TokenIssuer) IssueAccessToken(user types.User) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(t.accessTTL)
	claims := SessionClaims{
		Email:    user.Email,
		TenantID: user.TenantID,
		Role:     user.Role,
		BranchID: user.BranchID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseAccessToken verifies the signature and expiry and returns the
// claims along with the numeric subject.
func (t *TokenIssuer) ParseAccessToken(tokenString string) (*SessionClaims, int64, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return t.secret, nil
	})
	if err != nil {
		return nil, 0, err
	}
	if !token.Valid {
		return nil, 0, errors.New("invalid token")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, 0, errors.New("missing subject")
	}
	userID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil || userID < 1 {
		return nil, 0, errors.New("invalid subject")
	}
	return claims, userID, nil
}

// NewRefreshToken returns a fresh opaque refresh token: 64 random bytes,
// base64-encoded. The value carries no structure a client could
// interpret; only its hash is stored server-side.
func NewRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

// HashRefreshToken derives the storage form of a refresh token. A leaked
// database row therefore does not yield a usable token.
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
