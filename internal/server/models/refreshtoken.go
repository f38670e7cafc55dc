package models

import "time"

// RefreshToken is the server-side record of an issued refresh token. The
// token itself is a signed JWT; only its jti is persisted, and a token is
// usable while its row exists.
type RefreshToken struct {
	JTI       string
	Subject   string
	VO        string
	Scope     string
	ExpiresAt time.Time
	CreatedAt time.Time
}
