// Package model defines the data structures used throughout the application.
package model

import "time"

// User is an internal account. It is the owner that identities attach to.
//
// Handle is the optional display handle. It is globally unique and always
// stored lower-cased; nil means the user never picked one. DisplayName has no
// uniqueness guarantee, which is why profile lookups by name can be ambiguous.
type User struct {
	ID          string    `json:"id"`
	Handle      *string   `json:"handle"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	CoverURL    string    `json:"cover_url"`
	Bio         string    `json:"bio"`
	Location    string    `json:"location"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProfileUpdate lists the user fields a caller may change. A nil pointer
// leaves the stored value untouched.
type ProfileUpdate struct {
	DisplayName *string `json:"display_name"`
	AvatarURL   *string `json:"avatar_url"`
	CoverURL    *string `json:"cover_url"`
	Bio         *string `json:"bio"`
	Location    *string `json:"location"`
	Handle      *string `json:"handle"`
}

// IsEmpty reports whether the update would change nothing.
func (p ProfileUpdate) IsEmpty() bool {
	return p.DisplayName == nil && p.AvatarURL == nil && p.CoverURL == nil &&
		p.Bio == nil && p.Location == nil && p.Handle == nil
}
