package models

import "time"

// User is the account record exposed to clients.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

// Authenticated is true for a present user whose email is confirmed.
func (u *User) Authenticated() bool {
	return u != nil && u.EmailVerified
}
