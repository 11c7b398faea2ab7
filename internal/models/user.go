package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the account row as seen by the messaging core. Account
// management lives elsewhere; this core only reads users to verify that
// a counterpart exists and to label threads.
type User struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// UserPreview is the counterpart metadata attached to a thread summary.
type UserPreview struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
}

// Preview trims a user row to the fields a thread list needs.
func (u *User) Preview() *UserPreview {
	return &UserPreview{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}
