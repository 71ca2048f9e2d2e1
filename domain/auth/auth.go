// Package auth holds the session/API-key/secret/user types the API surface
// authenticates and authorizes against: spec.md §6 "Persisted layout"
// (global/users, global/api_keys, global/secrets, sessions/<sid>).
package auth

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// User is a persisted account record under global/users. Account
// management beyond session validation is an external collaborator per
// spec.md §5 Non-goals; this type only carries what the API needs to
// validate a session and its privileges.
type User struct {
	Username string   `json:"username"`
	Salt     string   `json:"salt"`
	PassHash string   `json:"password_hash"`
	Privileges map[string]bool `json:"privileges,omitempty"`
	Active   bool     `json:"active"`
}

// APIKey is a persisted entry under global/api_keys, used by external
// automation callers that send Key in the X-API-Key header. Manager<->worker
// requests do not use these records; they are signed with the server
// secret key instead.
type APIKey struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	Key        string          `json:"key"`
	Salt       string          `json:"salt"`
	Privileges map[string]bool `json:"privileges,omitempty"`
	Active     bool            `json:"active"`
}

// Secret is a persisted entry under global/secrets: an opaque value
// injected into job params at dispatch time, never returned in full by
// get_secret (only a masked preview).
type Secret struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Value   string `json:"value"`
	Created int64  `json:"created"`
}

// Session is a persisted entry under sessions/<sid>, created on login and
// validated on every authenticated request.
type Session struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	IP        string    `json:"ip"`
	Created   time.Time `json:"created"`
	Expires   time.Time `json:"expires"`
}

// Expired reports whether the session is past its expiry at t.
func (s Session) Expired(t time.Time) bool {
	return t.After(s.Expires)
}

// HashPassword bcrypt-hashes password+salt for storage in User.PassHash.
// The per-user salt is folded in ahead of bcrypt's own internal salt so
// that two users choosing the same password never share a hash prefix.
func HashPassword(password, salt string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password+salt), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword reports whether password+salt matches hash.
func VerifyPassword(hash, password, salt string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password+salt)) == nil
}
