package sched

import (
	"errors"
	"time"
)

// ErrUnknownAsset is returned when no player can be resolved for an id.
var ErrUnknownAsset = errors.New("unknown asset")

// Player is the audio engine's per-asset playback surface. The engine
// performs the actual decode and rendering; the scheduler only decides
// when and where playback happens.
type Player interface {
	// PlayAt begins playback at the given local wall-clock time, from
	// offset seconds into the buffer, at the given gain.
	PlayAt(start time.Time, offset float64, gainDb float64)
	Stop()
	Seek(offset float64)
	SetGain(gainDb float64)
	// Position returns the currently rendered position in seconds.
	Position() float64
	IsPlaying() bool
	// Duration returns the asset length in seconds, or 0 when unknown.
	Duration() float64
}

// PlayerFactory resolves an asset id to a player, lazily creating one.
// Unknown ids fail with ErrUnknownAsset.
type PlayerFactory func(assetID string) (Player, error)

// PeerClock exposes the synchronized peer timeline to the scheduler.
// *clocksync.Synchronizer satisfies it.
type PeerClock interface {
	// Now is the peer's estimated current time on the local timeline.
	Now() time.Time
	// Offset is the current estimated clock delta.
	Offset() time.Duration
}
