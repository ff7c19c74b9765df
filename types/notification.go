package types

import "time"

// NotificationKind identifies the template a notification is rendered with.
type NotificationKind string

const (
	NotificationVerifyEmail   NotificationKind = "verify_email"
	NotificationResetPassword NotificationKind = "reset_password"
)

// Notification is a message addressed to an account's email, carrying the
// link the recipient has to follow.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	To        string           `json:"to"`
	Username  string           `json:"username,omitempty"`
	Link      string           `json:"link"`
	CreatedAt time.Time        `json:"created_at"`
}
