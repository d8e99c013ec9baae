package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/waveline/waveline-server/internal/proto"
)

// ProtocolVersion is announced in the hello exchange.
const ProtocolVersion = 1

// DefaultAckTimeout bounds how long Send waits for an acknowledgment.
const DefaultAckTimeout = 5 * time.Second

var (
	// ErrAckTimeout is returned when no acknowledgment arrives in time.
	ErrAckTimeout = errors.New("ack timeout")
	// ErrRemoteRejected is returned when the peer acks with ok=false.
	ErrRemoteRejected = errors.New("rejected by peer")
	// ErrChannelClosed is returned for operations on a torn-down channel.
	ErrChannelClosed = errors.New("channel closed")
)

// State models the channel lifecycle: closed until Start, open while
// running, ready once hello has been exchanged in both directions.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateReady
)

// Handler processes one inbound message. Handlers run on the dispatch
// goroutine, one message at a time; they must not block. Replies from
// inside a handler must use fire-and-forget sends. A non-nil error is
// reported to the peer in the ack when the message carried a txn.
type Handler func(env proto.Envelope, payload any) error

type ackRequest struct {
	txn    string
	result chan error
}

type pendingTxn struct {
	result chan error
	timer  *clock.Timer
}

// Channel is a reliable, acknowledged request/notify layer over an
// unreliable-but-ordered MessageConn. A dispatch goroutine owns the
// pending-transaction table; sends either resolve immediately
// (fire-and-forget) or block until the matching ack, a timeout, or
// channel teardown. A torn-down channel replays nothing: callers build
// a fresh Channel after reconnecting.
type Channel struct {
	conn MessageConn
	clk  clock.Clock
	log  *zerolog.Logger

	// AckTimeout may be adjusted before Start.
	AckTimeout time.Duration

	handlers map[string]Handler
	onError  func(error)

	requests chan *ackRequest
	inbound  chan []byte
	outbound chan []byte
	timeouts chan string
	done     chan struct{}
	once     sync.Once

	state         atomic.Int32
	helloSent     atomic.Bool
	helloReceived atomic.Bool
	pendingCount  atomic.Int32
}

// NewChannel builds a channel over conn. Register handlers and the error
// callback before calling Start.
func NewChannel(conn MessageConn, clk clock.Clock, logger *zerolog.Logger) *Channel {
	l := logger.With().Str("component", "control-channel").Logger()
	return &Channel{
		conn:       conn,
		clk:        clk,
		log:        &l,
		AckTimeout: DefaultAckTimeout,
		handlers:   make(map[string]Handler),
		requests:   make(chan *ackRequest),
		inbound:    make(chan []byte, 64),
		outbound:   make(chan []byte, 64),
		timeouts:   make(chan string, 16),
		done:       make(chan struct{}),
	}
}

// Handle registers a handler for a message type. Must be called before Start.
func (c *Channel) Handle(typ string, h Handler) {
	c.handlers[typ] = h
}

// OnError registers the local error callback. Must be called before Start.
func (c *Channel) OnError(f func(error)) {
	c.onError = f
}

// Start launches the reader, writer and dispatch goroutines.
func (c *Channel) Start(ctx context.Context) {
	c.state.Store(int32(StateOpen))
	go c.readLoop(ctx)
	go c.writeLoop(ctx)
	go c.dispatchLoop()
}

// State reports the channel lifecycle state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// Ready reports whether hello has been exchanged in both directions.
func (c *Channel) Ready() bool {
	return c.State() == StateReady
}

// PendingTransactions reports the number of sends awaiting an ack.
func (c *Channel) PendingTransactions() int {
	return int(c.pendingCount.Load())
}

// SendHello announces role and room to the peer and waits for the ack.
func (c *Channel) SendHello(ctx context.Context, role, room string) error {
	return c.Send(ctx, proto.TypeHello, proto.HelloPayload{
		Role:    role,
		Room:    room,
		Version: ProtocolVersion,
	}, true)
}

// Send validates, serializes and transmits one message. With waitForAck
// it blocks until the matching ack arrives, failing with ErrAckTimeout
// after the timeout window; either way the pending entry is cleared.
// Fire-and-forget sends resolve as soon as the frame is queued.
//
// Send with waitForAck must not be called from inside a handler.
func (c *Channel) Send(ctx context.Context, typ string, payload any, waitForAck bool) error {
	if c.State() == StateClosed {
		return ErrChannelClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	// Fail closed before transmitting anything malformed.
	if _, err := proto.DecodePayload(typ, raw); err != nil {
		return err
	}

	txn := uuid.NewString()
	frame, err := json.Marshal(proto.Envelope{
		Type:    typ,
		Txn:     txn,
		Payload: raw,
		SentAt:  c.clk.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if typ == proto.TypeHello {
		c.helloSent.Store(true)
		c.refreshState()
	}

	if !waitForAck {
		return c.enqueue(ctx, frame)
	}

	req := &ackRequest{txn: txn, result: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := c.enqueue(ctx, frame); err != nil {
		return err
	}

	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears the channel down: all outstanding timers are cancelled and
// every pending transaction fails with ErrChannelClosed.
func (c *Channel) Close() error {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Channel) enqueue(ctx context.Context, frame []byte) error {
	select {
	case c.outbound <- frame:
		return nil
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) readLoop(ctx context.Context) {
	for {
		data, err := c.conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrConnClosed) {
				c.log.Debug().Err(err).Msg("receive failed, closing channel")
			}
			_ = c.Close()
			return
		}
		select {
		case c.inbound <- data:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.outbound:
			if err := c.conn.Send(ctx, frame); err != nil {
				c.log.Debug().Err(err).Msg("send failed, closing channel")
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// dispatchLoop owns the pending-transaction table. Inbound messages are
// processed one at a time in arrival order.
func (c *Channel) dispatchLoop() {
	pending := make(map[string]*pendingTxn)

	defer func() {
		for txn, p := range pending {
			p.timer.Stop()
			p.result <- ErrChannelClosed
			delete(pending, txn)
			c.pendingCount.Add(-1)
		}
	}()

	for {
		select {
		case req := <-c.requests:
			txn := req.txn
			pending[txn] = &pendingTxn{
				result: req.result,
				timer: c.clk.AfterFunc(c.AckTimeout, func() {
					select {
					case c.timeouts <- txn:
					case <-c.done:
					}
				}),
			}
			c.pendingCount.Add(1)

		case txn := <-c.timeouts:
			p, ok := pending[txn]
			if !ok {
				continue
			}
			delete(pending, txn)
			c.pendingCount.Add(-1)
			err := fmt.Errorf("%w: txn %s", ErrAckTimeout, txn)
			p.result <- err
			c.fireError(err)

		case raw := <-c.inbound:
			c.handleInbound(raw, pending)

		case <-c.done:
			return
		}
	}
}

func (c *Channel) handleInbound(raw []byte, pending map[string]*pendingTxn) {
	env, err := proto.DecodeEnvelope(raw)
	if err != nil {
		// The frame may still carry a txn the peer is waiting on.
		if txn := looseTxn(raw); txn != "" {
			c.sendAck(txn, false, err.Error())
		}
		c.fireError(err)
		return
	}

	payload, err := proto.DecodePayload(env.Type, env.Payload)
	if err != nil {
		if env.Txn != "" {
			c.sendAck(env.Txn, false, err.Error())
		}
		c.fireError(err)
		return
	}

	if env.Type == proto.TypeAck {
		ack := payload.(proto.AckPayload)
		p, ok := pending[ack.ForTxn]
		if !ok {
			c.log.Debug().Str("for_txn", ack.ForTxn).Msg("ack for unknown transaction")
			return
		}
		delete(pending, ack.ForTxn)
		c.pendingCount.Add(-1)
		p.timer.Stop()
		if ack.OK {
			p.result <- nil
		} else {
			err := fmt.Errorf("%w: %s", ErrRemoteRejected, ack.Error)
			p.result <- err
			c.fireError(err)
		}
		// Acks are terminal: never acknowledged themselves.
		return
	}

	if env.Type == proto.TypeHello {
		c.helloReceived.Store(true)
		c.refreshState()
	}

	var handlerErr error
	if h, ok := c.handlers[env.Type]; ok {
		handlerErr = h(env, payload)
	} else if payload != nil {
		c.log.Debug().Str("type", env.Type).Msg("no handler for message type")
	}

	if env.Txn != "" {
		if handlerErr != nil {
			c.sendAck(env.Txn, false, handlerErr.Error())
		} else {
			c.sendAck(env.Txn, true, "")
		}
	}
	if handlerErr != nil {
		c.fireError(handlerErr)
	}
}

// sendAck enqueues an acknowledgment without blocking the dispatch loop.
func (c *Channel) sendAck(forTxn string, ok bool, errMsg string) {
	rawAck, err := json.Marshal(proto.AckPayload{OK: ok, ForTxn: forTxn, Error: errMsg})
	if err != nil {
		return
	}
	frame, err := json.Marshal(proto.Envelope{
		Type:    proto.TypeAck,
		Payload: rawAck,
		SentAt:  c.clk.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	select {
	case c.outbound <- frame:
	default:
		c.log.Warn().Str("for_txn", forTxn).Msg("outbound queue full, ack dropped")
	}
}

func (c *Channel) refreshState() {
	if c.State() == StateClosed {
		return
	}
	if c.helloSent.Load() && c.helloReceived.Load() {
		c.state.Store(int32(StateReady))
	}
}

func (c *Channel) fireError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

// looseTxn best-effort extracts a txn from an otherwise unparseable frame.
func looseTxn(raw []byte) string {
	var partial struct {
		Txn string `json:"txn"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return ""
	}
	return partial.Txn
}
