package clocksync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/waveline/waveline-server/internal/control"
	"github.com/waveline/waveline-server/internal/proto"
)

// DefaultInterval is how often a ping is sent once Start is called.
const DefaultInterval = 3 * time.Second

// maxPendingPings caps the in-flight sample table. A ping whose pong is
// permanently lost would otherwise leak its entry forever; past the cap
// the oldest entry is evicted.
const maxPendingPings = 64

// Sample is one completed offset/RTT estimate.
type Sample struct {
	Offset time.Duration
	RTT    time.Duration
	At     time.Time
}

// Synchronizer estimates the peer's clock offset and round-trip time by
// continuously polled two-timestamp exchanges. Both sides run one: each
// answers the other's pings and keeps its own estimate.
type Synchronizer struct {
	ch  *control.Channel
	clk clock.Clock
	log *zerolog.Logger

	// Interval may be adjusted before Start.
	Interval time.Duration

	mu           sync.Mutex
	pending      map[string]time.Time
	pendingOrder []string
	offset       time.Duration
	rtt          time.Duration
	haveSample   bool
	subscribers  []func(Sample)

	stopOnce sync.Once
	stop     chan struct{}
}

// New builds a synchronizer over ch and registers its ping/pong handlers.
// Call before ch.Start so the handler registry is complete.
func New(ch *control.Channel, clk clock.Clock, logger *zerolog.Logger) *Synchronizer {
	l := logger.With().Str("component", "clock-sync").Logger()
	s := &Synchronizer{
		ch:       ch,
		clk:      clk,
		log:      &l,
		Interval: DefaultInterval,
		pending:  make(map[string]time.Time),
		stop:     make(chan struct{}),
	}
	ch.Handle(proto.TypeClockPing, s.handlePing)
	ch.Handle(proto.TypeClockPong, s.handlePong)
	return s
}

// Subscribe registers a callback invoked after every completed sample.
func (s *Synchronizer) Subscribe(f func(Sample)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, f)
}

// Start begins the ping interval. The first ping goes out immediately.
func (s *Synchronizer) Start(ctx context.Context) {
	go func() {
		s.sendPing(ctx)
		ticker := s.clk.Ticker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sendPing(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the ping interval. In-flight pings are neither flushed
// nor rejected; late pongs still refine the estimate.
func (s *Synchronizer) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Now returns the peer's estimated current time on the local timeline.
func (s *Synchronizer) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clk.Now().Add(s.offset)
}

// Offset returns the current estimated clock delta to the peer.
func (s *Synchronizer) Offset() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// RTT returns the last measured round-trip time.
func (s *Synchronizer) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

// HasSample reports whether at least one exchange has completed.
func (s *Synchronizer) HasSample() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.haveSample
}

func (s *Synchronizer) sendPing(ctx context.Context) {
	id := uuid.NewString()

	s.mu.Lock()
	if len(s.pendingOrder) >= maxPendingPings {
		oldest := s.pendingOrder[0]
		s.pendingOrder = s.pendingOrder[1:]
		delete(s.pending, oldest)
	}
	s.pending[id] = s.clk.Now()
	s.pendingOrder = append(s.pendingOrder, id)
	s.mu.Unlock()

	if err := s.ch.Send(ctx, proto.TypeClockPing, proto.ClockPingPayload{PingID: id}, false); err != nil {
		// Discard the sample; the next interval retries.
		s.mu.Lock()
		delete(s.pending, id)
		for i, oid := range s.pendingOrder {
			if oid == id {
				s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		s.log.Debug().Err(err).Msg("ping send failed")
	}
}

// handlePing answers the peer's ping with our current clock reading.
func (s *Synchronizer) handlePing(_ proto.Envelope, payload any) error {
	ping := payload.(proto.ClockPingPayload)
	err := s.ch.Send(context.Background(), proto.TypeClockPong, proto.ClockPongPayload{
		PingID:       ping.PingID,
		ResponderNow: float64(s.clk.Now().UnixMilli()),
	}, false)
	if err != nil {
		s.log.Debug().Err(err).Msg("pong send failed")
	}
	return nil
}

// handlePong closes the loop on one of our pings: with symmetric latency
// assumed, the peer's reading corresponds to the round trip's midpoint.
func (s *Synchronizer) handlePong(_ proto.Envelope, payload any) error {
	pong := payload.(proto.ClockPongPayload)
	recv := s.clk.Now()

	s.mu.Lock()
	sent, ok := s.pending[pong.PingID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.pending, pong.PingID)
	for i, oid := range s.pendingOrder {
		if oid == pong.PingID {
			s.pendingOrder = append(s.pendingOrder[:i], s.pendingOrder[i+1:]...)
			break
		}
	}

	rtt := recv.Sub(sent)
	midpoint := float64(sent.UnixMilli()) + rtt.Seconds()*1000/2
	offsetMs := pong.ResponderNow - midpoint

	s.rtt = rtt
	s.offset = time.Duration(offsetMs * float64(time.Millisecond))
	s.haveSample = true
	sample := Sample{Offset: s.offset, RTT: s.rtt, At: recv}
	subs := make([]func(Sample), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	for _, f := range subs {
		f(sample)
	}

	s.log.Debug().
		Dur("rtt", sample.RTT).
		Dur("offset", sample.Offset).
		Msg("clock sample")
	return nil
}
