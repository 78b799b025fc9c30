package model

import "time"

// Challenge is a one-time nonce + message a wallet has to sign.
type Challenge struct {
	ID         string       `json:"challenge_id"`
	UserID     string       `json:"-"`
	Type       IdentityType `json:"type"`
	Identifier string       `json:"address"`
	Nonce      string       `json:"nonce"`
	Message    string       `json:"message"`
	CreatedAt  time.Time    `json:"issued_at"`
	ExpiresAt  time.Time    `json:"expires_at"`
	ConsumedAt *time.Time   `json:"-"`
}

// ExpiredAt reports whether the challenge may no longer be used at now.
func (c *Challenge) ExpiredAt(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
