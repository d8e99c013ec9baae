package control

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/waveline/waveline-server/internal/log"
	"github.com/waveline/waveline-server/internal/proto"
)

func newChannelPair(t *testing.T) (*Channel, *Channel) {
	t.Helper()

	connA, connB := Pipe()
	a := NewChannel(connA, clock.New(), log.Nop())
	b := NewChannel(connB, clock.New(), log.Nop())
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func receiveEnvelope(t *testing.T, conn MessageConn) proto.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	raw, err := conn.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	env, err := proto.DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestHelloExchangeReachesReady(t *testing.T) {
	a, b := newChannelPair(t)
	ctx := context.Background()
	a.Start(ctx)
	b.Start(ctx)

	if a.Ready() || b.Ready() {
		t.Fatalf("channels must not be ready before hello")
	}

	if err := a.SendHello(ctx, "facilitator", "r1"); err != nil {
		t.Fatalf("hello a->b: %v", err)
	}
	if err := b.SendHello(ctx, "explorer", "r1"); err != nil {
		t.Fatalf("hello b->a: %v", err)
	}

	waitFor(t, func() bool { return a.Ready() && b.Ready() })
}

func TestSendWithAckRoundtrip(t *testing.T) {
	a, b := newChannelPair(t)
	ctx := context.Background()

	var got atomic.Value
	b.Handle(proto.TypeCmdPlay, func(_ proto.Envelope, payload any) error {
		got.Store(payload.(proto.CmdPlayPayload))
		return nil
	})

	a.Start(ctx)
	b.Start(ctx)

	err := a.Send(ctx, proto.TypeCmdPlay, proto.CmdPlayPayload{ID: "track-1", GainDb: -3}, true)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	cmd, ok := got.Load().(proto.CmdPlayPayload)
	if !ok || cmd.ID != "track-1" || cmd.GainDb != -3 {
		t.Fatalf("handler did not see payload: %+v", got.Load())
	}
	if n := a.PendingTransactions(); n != 0 {
		t.Fatalf("pending table should be empty after ack, got %d", n)
	}
}

func TestHandlerErrorSurfacesInAck(t *testing.T) {
	a, b := newChannelPair(t)
	ctx := context.Background()

	b.Handle(proto.TypeCmdPlay, func(_ proto.Envelope, _ any) error {
		return errors.New("unknown asset \"track-9\"")
	})

	a.Start(ctx)
	b.Start(ctx)

	err := a.Send(ctx, proto.TypeCmdPlay, proto.CmdPlayPayload{ID: "track-9"}, true)
	if !errors.Is(err, ErrRemoteRejected) {
		t.Fatalf("expected ErrRemoteRejected, got %v", err)
	}
}

func TestAckTimeoutClearsPending(t *testing.T) {
	connA, connB := Pipe()
	a := NewChannel(connA, clock.New(), log.Nop())
	a.AckTimeout = 100 * time.Millisecond

	var errCount atomic.Int32
	a.OnError(func(error) { errCount.Add(1) })

	ctx := context.Background()
	a.Start(ctx)
	defer a.Close()

	// The peer never acks: drain its end silently.
	go func() {
		for {
			if _, err := connB.Receive(context.Background()); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	err := a.Send(ctx, proto.TypeCmdStop, proto.CmdStopPayload{ID: "track-1"}, true)
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("expected ErrAckTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("timed out too early: %v", elapsed)
	}
	if n := a.PendingTransactions(); n != 0 {
		t.Fatalf("pending entry leaked after timeout: %d", n)
	}
	waitFor(t, func() bool { return errCount.Load() == 1 })
}

func TestMalformedFrameSynthesizesNack(t *testing.T) {
	connA, connB := Pipe()
	a := NewChannel(connA, clock.New(), log.Nop())

	var lastErr atomic.Value
	a.OnError(func(err error) { lastErr.Store(err) })

	ctx := context.Background()
	a.Start(ctx)
	defer a.Close()

	// A frame whose envelope cannot parse but still carries a txn.
	if err := connB.Send(ctx, []byte(`{"txn":"x1","type":123}`)); err != nil {
		t.Fatalf("send raw: %v", err)
	}

	env := receiveEnvelope(t, connB)
	if env.Type != proto.TypeAck {
		t.Fatalf("expected synthesized ack, got %s", env.Type)
	}
	var ack proto.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if ack.OK || ack.ForTxn != "x1" || ack.Error == "" {
		t.Fatalf("expected failure ack for x1, got %+v", ack)
	}

	waitFor(t, func() bool { return lastErr.Load() != nil })
	if err := lastErr.Load().(error); !errors.Is(err, proto.ErrSchemaValidation) {
		t.Fatalf("expected schema validation error callback, got %v", err)
	}
}

func TestUnknownTypeIsAckedAndIgnored(t *testing.T) {
	connA, connB := Pipe()
	a := NewChannel(connA, clock.New(), log.Nop())

	ctx := context.Background()
	a.Start(ctx)
	defer a.Close()

	frame := []byte(`{"type":"future.feature","txn":"f1","payload":{"x":1}}`)
	if err := connB.Send(ctx, frame); err != nil {
		t.Fatalf("send raw: %v", err)
	}

	env := receiveEnvelope(t, connB)
	if env.Type != proto.TypeAck {
		t.Fatalf("expected ack, got %s", env.Type)
	}
	var ack proto.AckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	if !ack.OK || ack.ForTxn != "f1" {
		t.Fatalf("unknown-but-valid types must ack ok: %+v", ack)
	}
}

func TestAcksAreNeverAcked(t *testing.T) {
	connA, connB := Pipe()
	a := NewChannel(connA, clock.New(), log.Nop())

	ctx := context.Background()
	a.Start(ctx)
	defer a.Close()

	// An ack for a transaction nobody is waiting on.
	frame := []byte(`{"type":"ack","txn":"a1","payload":{"ok":true,"forTxn":"ghost"}}`)
	if err := connB.Send(ctx, frame); err != nil {
		t.Fatalf("send raw: %v", err)
	}

	recvCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if raw, err := connB.Receive(recvCtx); err == nil {
		t.Fatalf("ack must be terminal, but got reply: %s", raw)
	}
}

func TestCloseFailsPendingSends(t *testing.T) {
	connA, _ := Pipe()
	a := NewChannel(connA, clock.New(), log.Nop())
	ctx := context.Background()
	a.Start(ctx)

	result := make(chan error, 1)
	go func() {
		result <- a.Send(ctx, proto.TypeCmdStop, proto.CmdStopPayload{ID: "t"}, true)
	}()

	waitFor(t, func() bool { return a.PendingTransactions() == 1 })
	a.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("expected ErrChannelClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending send did not resolve on close")
	}
}

func TestSendValidatesBeforeTransmit(t *testing.T) {
	a, _ := newChannelPair(t)
	ctx := context.Background()
	a.Start(ctx)

	err := a.Send(ctx, proto.TypeCmdPlay, proto.CmdPlayPayload{}, false)
	if !errors.Is(err, proto.ErrSchemaValidation) {
		t.Fatalf("expected local schema failure, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}
