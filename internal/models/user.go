package models

import "time"

// User is the stored account. PasswordHash never leaves the process.
type User struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Name         string    `json:"name"`
	Alias        *string   `json:"alias"`
	Bio          *string   `json:"bio"`
	IsAnonymous  bool      `json:"is_anonymous"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Profile carries application preferences attached 1:1 to a user.
type Profile struct {
	ID             int64    `json:"id"`
	UserID         int64    `json:"user_id"`
	IllnessTags    []string `json:"illness_tags"`
	TonePreference *string  `json:"tone_preference"`
}

// UserSummary is the display projection embedded in messages and conversations.
type UserSummary struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Alias *string `json:"alias"`
}

// PublicUser is what user discovery exposes about other accounts.
type PublicUser struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Alias     *string   `json:"alias"`
	Bio       *string   `json:"bio"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary projects the user down to its display fields.
func (u *User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Name: u.Name, Alias: u.Alias}
}
