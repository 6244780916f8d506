package models

import "time"

// User is a dashboard account. Only the bcrypt hash of the password is stored.
type User struct {
	Username     string    `db:"username"      json:"username"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
}

// Session is a time-limited dashboard credential. The raw token is never
// persisted; TokenHash is its SHA-256 hex digest.
type Session struct {
	TokenHash string    `db:"token_hash" json:"-"`
	Username  string    `db:"username"   json:"username"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
}
