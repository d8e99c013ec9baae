package store

import (
	"context"
	"time"
)

// User represents a registered account.
// Username is stored in normalized form (trimmed, lowercased) so that
// case or whitespace variants cannot create duplicate accounts.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// UserStore handles user persistence.
type UserStore interface {
	// CreateUser creates a new user with hashed password and default role.
	CreateUser(ctx context.Context, username, passwordHash, role string) (*User, error)

	// GetUserByUsername retrieves a user by normalized username.
	GetUserByUsername(ctx context.Context, username string) (*User, error)
}

// Store aggregates all persistence interfaces.
type Store interface {
	UserStore

	// Close releases underlying resources.
	Close() error
}
