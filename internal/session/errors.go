package session

import "errors"

// Error codes for domain errors, used in protocol-level replies.
const (
	ErrCodeRoomNotFound        = "room_not_found"
	ErrCodeParticipantNotFound = "participant_not_found"
	ErrCodeRoleSlotTaken       = "role_slot_taken"
	ErrCodeInvalidRole         = "invalid_role"
	ErrCodeUnauthorizedCommand = "unauthorized_command"
)

var (
	// ErrRoomNotFound is returned for operations on rooms that do not exist
	// or have been destroyed.
	ErrRoomNotFound = errors.New("room not found")
	// ErrParticipantNotFound is returned for operations addressing a
	// participant absent from the room.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrRoleSlotTaken is returned when a facilitator or explorer slot is
	// already occupied by another participant.
	ErrRoleSlotTaken = errors.New("role slot taken")
	// ErrInvalidRole is returned for unknown role names.
	ErrInvalidRole = errors.New("invalid role")
)

// Error wraps a code and human-readable message for protocol surfaces.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
