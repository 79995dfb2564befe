package services

import "golang.org/x/crypto/bcrypt"

// PasswordHasher abstracts one-way adaptive hashing so the algorithm can
// be swapped without touching the session manager.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash, password string) bool
}

// dummyHash is a valid bcrypt hash compared against on paths where no
// stored hash exists (unknown email, federation-only account), so those
// paths pay the same hashing cost as a real verification and do not leak
// account existence through timing.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// BcryptHasher implements PasswordHasher with bcrypt. The cost is
// intentionally expensive; do not lower it to speed up request handling.
type BcryptHasher struct {
	Cost int
}

func (h BcryptHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (h BcryptHasher) Verify(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
