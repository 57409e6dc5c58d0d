package types

import "time"

// User represents an account in the system.
type User struct {
	// ID is the unique identifier of the user, assigned by the store.
	ID string `json:"id" db:"id"`

	// Email is the user's login and contact address. Unique across users.
	Email string `json:"email" db:"email"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// Admin marks an administrative account. It is set at registration
	// and never echoed back to clients.
	Admin bool `json:"-" db:"admin"`

	// CreatedAt is the timestamp when the user account was created.
	CreatedAt time.Time `json:"-" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the user account.
	UpdatedAt time.Time `json:"-" db:"updated_at"`
}

// Profile is the public projection of a User returned by the API.
type Profile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Profile projects the user onto the fields safe to return to its owner.
func (u User) Profile() Profile {
	return Profile{ID: u.ID, Email: u.Email}
}
