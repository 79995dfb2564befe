package types

import "time"

// Tenant is the top-level organizational boundary. Every user belongs to
// exactly one tenant; a tenant is created once at registration or on a
// first-time federated sign-in.
type Tenant struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Country   string    `json:"country" db:"country"`
	Currency  string    `json:"currency" db:"currency"`
	Language  string    `json:"language" db:"language"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
