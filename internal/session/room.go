package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"golang.org/x/crypto/bcrypt"
)

// Room groups the participants of one synchronized session.
// All participant state is guarded by mu; different rooms are fully
// independent and may be mutated concurrently.
type Room struct {
	ID string

	mu           sync.Mutex
	participants map[string]*Participant
	order        []string

	passwordHash   string
	legacyPassword string

	destroyed bool

	clk clock.Clock
}

func newRoom(id string, clk clock.Clock) *Room {
	return &Room{
		ID:           id,
		participants: make(map[string]*Participant),
		clk:          clk,
	}
}

// AddParticipant inserts a participant with the given role.
// Fails with ErrRoleSlotTaken when the facilitator or explorer slot is
// already occupied.
func (r *Room) AddParticipant(id string, role Role) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return Info{}, ErrRoomNotFound
	}
	if _, exists := r.participants[id]; exists {
		return Info{}, fmt.Errorf("participant %q already in room", id)
	}
	if role.Exclusive() {
		if holder := r.holderOf(role); holder != nil {
			return Info{}, fmt.Errorf("%w: %s held by %q", ErrRoleSlotTaken, role, holder.ID)
		}
	}

	p := &Participant{
		ID:         id,
		Role:       role,
		LastActive: r.clk.Now(),
	}
	r.participants[id] = p
	r.order = append(r.order, id)
	return p.info(), nil
}

// SetRole changes a participant's role. Setting the role a participant
// already holds succeeds as a no-op; moving into an occupied exclusive
// slot fails with ErrRoleSlotTaken.
func (r *Room) SetRole(id string, role Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrRoomNotFound
	}
	p, ok := r.participants[id]
	if !ok {
		return ErrParticipantNotFound
	}
	if p.Role == role {
		return nil
	}
	if role.Exclusive() {
		if holder := r.holderOf(role); holder != nil && holder != p {
			return fmt.Errorf("%w: %s held by %q", ErrRoleSlotTaken, role, holder.ID)
		}
	}
	p.Role = role
	return nil
}

// GetParticipant returns a snapshot of the participant.
func (r *Room) GetParticipant(id string) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return Info{}, ErrParticipantNotFound
	}
	return p.info(), nil
}

// ListParticipants returns snapshots in join order.
func (r *Room) ListParticipants() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]Info, 0, len(r.order))
	for _, id := range r.order {
		if p, ok := r.participants[id]; ok {
			infos = append(infos, p.info())
		}
	}
	return infos
}

// AttachSocket binds a live transport connection to a participant.
// The previous socket, if any, is closed best-effort.
func (r *Room) AttachSocket(id string, socket Socket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return ErrRoomNotFound
	}
	p, ok := r.participants[id]
	if !ok {
		return ErrParticipantNotFound
	}
	if p.socket != nil && p.socket != socket {
		_ = p.socket.Close()
	}
	p.socket = socket
	p.LastActive = r.clk.Now()
	return nil
}

// Heartbeat refreshes the participant's activity timestamp.
func (r *Room) Heartbeat(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return ErrParticipantNotFound
	}
	p.LastActive = r.clk.Now()
	return nil
}

// Send forwards raw bytes to the target participant's socket.
// A target without a live socket is a silent drop; an unknown target is
// an error the caller reports back to the sender.
func (r *Room) Send(ctx context.Context, targetID string, data []byte) error {
	r.mu.Lock()
	p, ok := r.participants[targetID]
	if !ok {
		r.mu.Unlock()
		return ErrParticipantNotFound
	}
	socket := p.socket
	r.mu.Unlock()

	if socket == nil {
		return nil
	}
	// Best effort; a dying socket is cleaned up by its own close path.
	_ = socket.Send(ctx, data)
	return nil
}

// SetPassword stores a bcrypt hash of secret, or clears the credential
// when secret is empty. Any legacy plaintext field is cleared.
func (r *Room) SetPassword(secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if secret == "" {
		r.passwordHash = ""
		r.legacyPassword = ""
		return nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash room password: %w", err)
	}
	r.passwordHash = string(hash)
	r.legacyPassword = ""
	return nil
}

// HasPassword reports whether the room requires a credential.
func (r *Room) HasPassword() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passwordHash != "" || r.legacyPassword != ""
}

// VerifyPassword checks candidate against the stored credential.
// Rooms restored with a legacy plaintext password are upgraded in place
// on the first successful verification; this is the only code path that
// ever reads the plaintext field.
func (r *Room) VerifyPassword(candidate string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.legacyPassword != "" {
		if candidate != r.legacyPassword {
			return false
		}
		if hash, err := bcrypt.GenerateFromPassword([]byte(candidate), bcrypt.DefaultCost); err == nil {
			r.passwordHash = string(hash)
			r.legacyPassword = ""
		}
		return true
	}
	if r.passwordHash == "" {
		return candidate == ""
	}
	return bcrypt.CompareHashAndPassword([]byte(r.passwordHash), []byte(candidate)) == nil
}

// AdoptLegacyPassword seeds a plaintext credential as restored from an
// old snapshot. VerifyPassword upgrades it to a hash on first success.
func (r *Room) AdoptLegacyPassword(plain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.legacyPassword = plain
	r.passwordHash = ""
}

// holderOf returns the participant holding an exclusive role, or nil.
// Caller must hold mu.
func (r *Room) holderOf(role Role) *Participant {
	for _, p := range r.participants {
		if p.Role == role {
			return p
		}
	}
	return nil
}

// removeLocked deletes a participant and closes its socket best-effort.
// Caller must hold mu. Returns the removed participant, or nil.
func (r *Room) removeLocked(id string) *Participant {
	p, ok := r.participants[id]
	if !ok {
		return nil
	}
	if p.socket != nil {
		_ = p.socket.Close()
		p.socket = nil
	}
	delete(r.participants, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return p
}

// destroyLocked force-closes every remaining socket and marks the room
// dead. Caller must hold mu.
func (r *Room) destroyLocked() {
	for _, p := range r.participants {
		if p.socket != nil {
			_ = p.socket.Close()
			p.socket = nil
		}
	}
	r.participants = make(map[string]*Participant)
	r.order = nil
	r.destroyed = true
}
