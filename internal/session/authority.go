package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Authority owns room and participant lifecycle and enforces role
// invariants. Rooms are sharded by id: the authority lock only guards
// the room map, each room serializes its own mutations.
type Authority struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	clk clock.Clock
	log *zerolog.Logger
}

// New constructs an Authority. The injected clock drives activity
// timestamps and inactivity sweeps.
func New(clk clock.Clock, logger *zerolog.Logger) *Authority {
	l := logger.With().Str("component", "session-authority").Logger()
	return &Authority{
		rooms: make(map[string]*Room),
		clk:   clk,
		log:   &l,
	}
}

// CreateRoom returns the room with the given id, creating it on demand.
func (a *Authority) CreateRoom(id string) *Room {
	a.mu.Lock()
	defer a.mu.Unlock()

	if room, ok := a.rooms[id]; ok {
		return room
	}
	room := newRoom(id, a.clk)
	a.rooms[id] = room
	a.log.Debug().Str("room", id).Msg("room created")
	return room
}

// GetRoom looks up an existing room.
func (a *Authority) GetRoom(id string) (*Room, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	room, ok := a.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

// AddParticipant adds a participant to an existing room.
func (a *Authority) AddParticipant(roomID, participantID string, role Role) (Info, error) {
	room, err := a.GetRoom(roomID)
	if err != nil {
		return Info{}, err
	}
	return room.AddParticipant(participantID, role)
}

// SetRole changes a participant's role, honoring slot exclusivity.
func (a *Authority) SetRole(roomID, participantID string, role Role) error {
	room, err := a.GetRoom(roomID)
	if err != nil {
		return err
	}
	return room.SetRole(participantID, role)
}

// GetParticipant returns a participant snapshot.
func (a *Authority) GetParticipant(roomID, participantID string) (Info, error) {
	room, err := a.GetRoom(roomID)
	if err != nil {
		return Info{}, err
	}
	return room.GetParticipant(participantID)
}

// ListParticipants returns room membership in join order.
func (a *Authority) ListParticipants(roomID string) ([]Info, error) {
	room, err := a.GetRoom(roomID)
	if err != nil {
		return nil, err
	}
	return room.ListParticipants(), nil
}

// AttachSocket binds a live socket to a participant.
func (a *Authority) AttachSocket(roomID, participantID string, socket Socket) error {
	room, err := a.GetRoom(roomID)
	if err != nil {
		return err
	}
	return room.AttachSocket(participantID, socket)
}

// Heartbeat refreshes a participant's activity timestamp.
func (a *Authority) Heartbeat(roomID, participantID string) error {
	room, err := a.GetRoom(roomID)
	if err != nil {
		return err
	}
	return room.Heartbeat(participantID)
}

// Send forwards raw bytes to a participant's socket.
func (a *Authority) Send(ctx context.Context, roomID, targetID string, data []byte) error {
	room, err := a.GetRoom(roomID)
	if err != nil {
		return err
	}
	return room.Send(ctx, targetID, data)
}

// KickParticipant removes a participant at the facilitator's request.
// Kicking the facilitator destroys the room like any other removal.
func (a *Authority) KickParticipant(roomID, participantID string) error {
	return a.RemoveParticipant(roomID, participantID)
}

// RemoveParticipant removes a participant, closing its socket
// best-effort. Removing the facilitator destroys the room: every
// remaining participant is disconnected and the room id becomes unknown.
func (a *Authority) RemoveParticipant(roomID, participantID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	room, ok := a.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	p := room.removeLocked(participantID)
	if p == nil {
		return ErrParticipantNotFound
	}
	if p.Role == RoleFacilitator {
		room.destroyLocked()
		delete(a.rooms, roomID)
		a.log.Info().Str("room", roomID).Msg("facilitator left, room destroyed")
	}
	return nil
}

// CleanupInactiveParticipants removes every participant whose last
// activity is older than timeout. The facilitator is not special-cased;
// callers keep it fresh via heartbeats. Returns the number removed.
func (a *Authority) CleanupInactiveParticipants(timeout time.Duration) int {
	cutoff := a.clk.Now().Add(-timeout)

	a.mu.Lock()
	defer a.mu.Unlock()

	removed := 0
	for roomID, room := range a.rooms {
		room.mu.Lock()
		var stale []string
		facilitatorStale := false
		for id, p := range room.participants {
			if p.LastActive.Before(cutoff) {
				stale = append(stale, id)
				if p.Role == RoleFacilitator {
					facilitatorStale = true
				}
			}
		}
		for _, id := range stale {
			room.removeLocked(id)
			removed++
		}
		if facilitatorStale {
			removed += len(room.participants)
			room.destroyLocked()
			delete(a.rooms, roomID)
			a.log.Info().Str("room", roomID).Msg("facilitator timed out, room destroyed")
		}
		room.mu.Unlock()
	}
	if removed > 0 {
		a.log.Debug().Int("removed", removed).Msg("inactive participants cleaned up")
	}
	return removed
}

// RoomCount reports the number of live rooms.
func (a *Authority) RoomCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.rooms)
}

// ParticipantCount reports the number of participants across all rooms.
func (a *Authority) ParticipantCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	total := 0
	for _, room := range a.rooms {
		room.mu.Lock()
		total += len(room.participants)
		room.mu.Unlock()
	}
	return total
}
