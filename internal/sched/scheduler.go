package sched

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	// driftTolerance is how far rendered position may wander from the
	// expected position before a corrective re-seek.
	driftTolerance = 250 * time.Millisecond

	// silenceDb is the gain floor used by crossfade ramps.
	silenceDb = -60.0

	// crossfadeStep is the gain ramp update period.
	crossfadeStep = 50 * time.Millisecond
)

type playerState struct {
	player      Player
	playing     bool
	startLocal  time.Time
	startOffset float64
	gainDb      float64
}

// Scheduler converts target times on the peer's synchronized timeline
// into local playback schedules and keeps running players aligned as the
// clock estimate is refined.
type Scheduler struct {
	clk     clock.Clock
	log     *zerolog.Logger
	factory PlayerFactory

	mu      sync.Mutex
	players map[string]*playerState

	watchOnce sync.Once
	watchStop chan struct{}
}

// New constructs a scheduler. The factory is the audio engine boundary.
func New(factory PlayerFactory, clk clock.Clock, logger *zerolog.Logger) *Scheduler {
	l := logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		clk:       clk,
		log:       &l,
		factory:   factory,
		players:   make(map[string]*playerState),
		watchStop: make(chan struct{}),
	}
}

// PlayAt schedules playback of an asset. atPeerTime is a target on the
// peer's timeline; nil means start now. A command arriving late is never
// dropped: the delay clamps to zero and playback starts immediately.
func (s *Scheduler) PlayAt(assetID string, pc PeerClock, atPeerTime *time.Time, offset, gainDb float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, err := s.resolveLocked(assetID)
	if err != nil {
		return err
	}

	target := pc.Now()
	if atPeerTime != nil {
		target = *atPeerTime
	}
	delay := target.Sub(pc.Now())
	if delay < 0 {
		delay = 0
	}

	start := s.clk.Now().Add(delay)
	ps.player.PlayAt(start, offset, gainDb)
	ps.playing = true
	ps.startLocal = start
	ps.startOffset = offset
	ps.gainDb = gainDb

	s.log.Debug().
		Str("asset", assetID).
		Dur("delay", delay).
		Float64("offset", offset).
		Msg("playback scheduled")
	return nil
}

// Stop halts an asset. A no-op when the asset has no active player.
func (s *Scheduler) Stop(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.players[assetID]
	if !ok {
		return
	}
	ps.player.Stop()
	ps.playing = false
}

// Seek repositions an asset. A no-op when the asset has no active player.
func (s *Scheduler) Seek(assetID string, offset float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.players[assetID]
	if !ok {
		return
	}
	ps.player.Seek(offset)
	ps.startLocal = s.clk.Now()
	ps.startOffset = offset
}

// SetGain adjusts an asset's gain. A no-op without an active player.
func (s *Scheduler) SetGain(assetID string, gainDb float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.players[assetID]
	if !ok {
		return
	}
	ps.player.SetGain(gainDb)
	ps.gainDb = gainDb
}

// Preload resolves an asset's player ahead of playback.
func (s *Scheduler) Preload(assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.resolveLocked(assetID)
	return err
}

// Unload stops and forgets an asset's player.
func (s *Scheduler) Unload(assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, ok := s.players[assetID]
	if !ok {
		return
	}
	ps.player.Stop()
	delete(s.players, assetID)
}

// Crossfade ramps one player's gain to silence while the other rises
// from silence to full, over duration seconds. The ramp is linear in dB.
func (s *Scheduler) Crossfade(fromID, toID string, duration, toOffset float64) error {
	s.mu.Lock()
	from, okFrom := s.players[fromID]
	to, err := s.resolveLocked(toID)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	fromGain := silenceDb
	if okFrom {
		fromGain = from.gainDb
	}

	start := s.clk.Now()
	to.player.PlayAt(start, toOffset, silenceDb)
	to.playing = true
	to.startLocal = start
	to.startOffset = toOffset
	to.gainDb = silenceDb
	s.mu.Unlock()

	total := time.Duration(duration * float64(time.Second))
	ticker := s.clk.Ticker(crossfadeStep)

	go func() {
		defer ticker.Stop()
		for {
			<-ticker.C
			elapsed := s.clk.Now().Sub(start)
			frac := float64(elapsed) / float64(total)
			if frac >= 1 {
				break
			}
			s.mu.Lock()
			if okFrom {
				from.player.SetGain(fromGain + (silenceDb-fromGain)*frac)
			}
			to.player.SetGain(silenceDb + (0-silenceDb)*frac)
			to.gainDb = silenceDb + (0-silenceDb)*frac
			s.mu.Unlock()
		}
		s.mu.Lock()
		if okFrom {
			from.player.Stop()
			from.playing = false
		}
		to.player.SetGain(0)
		to.gainDb = 0
		s.mu.Unlock()
	}()
	return nil
}

// WatchClock polls the peer clock's offset and, whenever the estimate
// shifts, re-checks every playing asset's expected position against its
// rendered position, re-seeking past the drift tolerance. This is what
// keeps playback aligned as the offset is refined over the session, not
// just at the moment PlayAt was issued.
func (s *Scheduler) WatchClock(pc PeerClock, interval time.Duration) {
	go func() {
		ticker := s.clk.Ticker(interval)
		defer ticker.Stop()

		lastOffset := pc.Offset()
		for {
			select {
			case <-ticker.C:
				offset := pc.Offset()
				if offset == lastOffset {
					continue
				}
				lastOffset = offset
				s.realign()
			case <-s.watchStop:
				return
			}
		}
	}()
}

// StopWatching cancels the WatchClock poller.
func (s *Scheduler) StopWatching() {
	s.watchOnce.Do(func() { close(s.watchStop) })
}

func (s *Scheduler) realign() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	for id, ps := range s.players {
		if !ps.playing || !ps.player.IsPlaying() {
			continue
		}
		expected := ps.startOffset + now.Sub(ps.startLocal).Seconds()
		if expected < 0 {
			continue
		}
		// Past the end of the asset there is nothing to align to.
		if d := ps.player.Duration(); d > 0 && expected > d {
			continue
		}
		actual := ps.player.Position()
		drift := math.Abs(expected - actual)
		if drift <= driftTolerance.Seconds() {
			continue
		}
		ps.player.Seek(expected)
		ps.startLocal = now
		ps.startOffset = expected
		s.log.Debug().
			Str("asset", id).
			Float64("drift_sec", drift).
			Msg("re-seeked drifting player")
	}
}

func (s *Scheduler) resolveLocked(assetID string) (*playerState, error) {
	if ps, ok := s.players[assetID]; ok {
		return ps, nil
	}
	player, err := s.factory(assetID)
	if err != nil {
		return nil, err
	}
	ps := &playerState{player: player}
	s.players[assetID] = ps
	return ps, nil
}
