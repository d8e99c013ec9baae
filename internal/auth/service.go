package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/waveline/waveline-server/internal/session"
	"github.com/waveline/waveline-server/internal/store"
)

var (
	// ErrInvalidCredentials is returned when username/password don't match.
	// Unknown users and bad passwords are deliberately indistinguishable.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserExists is returned when registering an already-taken username.
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidUsername is returned when username doesn't meet constraints.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrInvalidPassword is returned when password doesn't meet constraints.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrUnauthenticated is returned for tokens that are malformed, expired,
	// revoked, or idle past the inactivity window. Callers never learn which.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Service provides authentication and token lifecycle operations.
//
// A token is valid only if its signature and absolute expiry check out
// AND it is still present in the active set within the sliding
// inactivity window. The signed expiry survives process restarts and
// cannot be tampered with; the active set supports instant revocation.
type Service struct {
	store       store.UserStore
	jwtConfig   *JWTConfig
	clk         clock.Clock
	idleTimeout time.Duration

	mu     sync.Mutex
	active map[string]time.Time // token -> lastActiveAt
}

// NewService creates a new authentication service.
func NewService(userStore store.UserStore, jwtConfig *JWTConfig, clk clock.Clock, idleTimeout time.Duration) *Service {
	return &Service{
		store:       userStore,
		jwtConfig:   jwtConfig,
		clk:         clk,
		idleTimeout: idleTimeout,
		active:      make(map[string]time.Time),
	}
}

// Register creates a new user with hashed password and default role.
func (s *Service) Register(ctx context.Context, username, password, role string) error {
	username = NormalizeUsername(username)
	if len(username) < 3 || len(username) > 32 {
		return ErrInvalidUsername
	}
	if len(password) < 6 {
		return ErrInvalidPassword
	}
	parsedRole, err := session.ParseRole(role)
	if err != nil {
		return err
	}

	// Duplicate check runs on the normalized form, so case or whitespace
	// variants of an existing name collide.
	existing, err := s.store.GetUserByUsername(ctx, username)
	if err == nil && existing != nil {
		return ErrUserExists
	}

	hashedPassword, err := HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if _, err := s.store.CreateUser(ctx, username, hashedPassword, string(parsedRole)); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// Login validates credentials, mints a signed token and registers it as
// active. Unknown user and wrong password both yield ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	username = NormalizeUsername(username)

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if errPwd := ComparePassword(user.PasswordHash, password); errPwd != nil {
		return "", ErrInvalidCredentials
	}

	now := s.clk.Now()
	token, err := GenerateToken(s.jwtConfig, user.Username, user.Role, now)
	if err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}

	s.mu.Lock()
	s.active[token] = now
	s.mu.Unlock()

	return token, nil
}

// Authenticate verifies a token and refreshes its activity timestamp.
// Every failure mode (bad signature, absolute expiry, revocation, idle
// eviction) surfaces uniformly as ErrUnauthenticated.
func (s *Service) Authenticate(token string) (*Claims, error) {
	claims, err := ValidateToken(s.jwtConfig, token)
	if err != nil {
		return nil, ErrUnauthenticated
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	if claims.ExpiresAt != nil && now.After(claims.ExpiresAt.Time) {
		delete(s.active, token)
		return nil, ErrUnauthenticated
	}

	lastActive, ok := s.active[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	if now.Sub(lastActive) > s.idleTimeout {
		delete(s.active, token)
		return nil, ErrUnauthenticated
	}
	s.active[token] = now
	return claims, nil
}

// RevokeToken removes a token from the active set immediately.
func (s *Service) RevokeToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, token)
}

// CleanupExpiredTokens prunes tokens idle past the inactivity window.
// Returns the number of entries removed.
func (s *Service) CleanupExpiredTokens() int {
	cutoff := s.clk.Now().Add(-s.idleTimeout)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, lastActive := range s.active {
		if lastActive.Before(cutoff) {
			delete(s.active, token)
			removed++
		}
	}
	return removed
}

// ActiveTokenCount reports the number of live tokens.
func (s *Service) ActiveTokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// NormalizeUsername trims whitespace and lowercases a username. All
// storage and comparisons run on the normalized form.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
