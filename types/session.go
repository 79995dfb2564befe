package types

import "time"

// Session is the bundle returned to a client after any successful
// authentication: a short-lived signed access token, the opaque refresh
// token that replaces it, and a view of the authenticated user.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}
