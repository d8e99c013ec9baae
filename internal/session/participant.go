package session

import (
	"context"
	"fmt"
	"time"
)

// Role identifies what a participant is allowed to do in a room.
type Role string

const (
	// RoleFacilitator drives the session and originates program commands.
	RoleFacilitator Role = "facilitator"
	// RoleExplorer executes program commands and is the clock-sync target.
	RoleExplorer Role = "explorer"
	// RoleListener passively receives the mixed program feed.
	RoleListener Role = "listener"
)

// ParseRole validates a role name.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleFacilitator, RoleExplorer, RoleListener:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// Exclusive reports whether at most one participant per room may hold the role.
func (r Role) Exclusive() bool {
	return r == RoleFacilitator || r == RoleExplorer
}

// Socket is a live transport connection attached to a participant.
// The room does not own the socket's lifetime; it only forwards through it
// and closes it on participant removal.
type Socket interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Participant is a member of a room. Fields are guarded by the owning
// room's mutex; callers outside this package see copies via Info.
type Participant struct {
	ID         string
	Role       Role
	LastActive time.Time

	socket Socket
}

// Info is an immutable snapshot of a participant.
type Info struct {
	ID         string
	Role       Role
	LastActive time.Time
	Connected  bool
}

func (p *Participant) info() Info {
	return Info{
		ID:         p.ID,
		Role:       p.Role,
		LastActive: p.LastActive,
		Connected:  p.socket != nil,
	}
}
