package model

import "time"

// Session is a server-side login session. Only the digest of the refresh
// token is stored. Rows are never deleted: logout and rotation set RevokedAt.
type Session struct {
	ID               string
	UserID           string
	RefreshTokenHash string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	RevokedAt        *time.Time
}

// ValidAt reports whether the session can authenticate a request at now.
func (s *Session) ValidAt(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}
