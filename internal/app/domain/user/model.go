package user

import "time"

// User is an authenticated principal able to submit orders and request
// scoped tokens.
type User struct {
	ID           string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
