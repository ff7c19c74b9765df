package types

import "time"

// Role is the authorization level of an account.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// Account represents a registered identity.
// Secrets (password hash, verification and reset tokens) are never serialized
// to JSON.
type Account struct {
	// ID is the opaque unique identifier of the account.
	ID string `json:"id" db:"id" bson:"_id"`

	// Username is the unique login name chosen by the user.
	Username string `json:"username" db:"username" bson:"username"`

	// Email is the lowercase-normalized, unique email address.
	Email string `json:"email" db:"email" bson:"email"`

	// PasswordHash stores the bcrypt hash of the password.
	PasswordHash string `json:"-" db:"password_hash" bson:"password_hash"`

	// Role is either "user" or "admin".
	Role Role `json:"role" db:"role" bson:"role"`

	// Verified is false until the email verification link is used.
	Verified bool `json:"verified" db:"verified" bson:"verified"`

	Avatar string `json:"avatar" db:"avatar" bson:"avatar"`
	Bio    string `json:"bio" db:"bio" bson:"bio"`

	// VerificationToken is present only while the account is unverified.
	VerificationToken string `json:"-" db:"verification_token" bson:"verification_token,omitempty"`

	// ResetToken and ResetExpiry are present only during a password-reset window.
	ResetToken  string     `json:"-" db:"reset_token" bson:"reset_token,omitempty"`
	ResetExpiry *time.Time `json:"-" db:"reset_expiry" bson:"reset_expiry,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at" bson:"updated_at"`
}

// IsAdmin reports whether the account holds the admin role.
func (a Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// AccountFilter narrows account listings.
type AccountFilter struct {
	// Search matches username or email case-insensitively.
	Search string
	// UnverifiedOnly restricts the listing to accounts with Verified=false.
	UnverifiedOnly bool
}

// ProfileChanges names the profile fields to overwrite. Nil fields keep their
// stored value.
type ProfileChanges struct {
	Username *string
	Email    *string
	Bio      *string
}
