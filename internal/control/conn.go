package control

import (
	"context"
	"errors"
	"sync"
)

// ErrConnClosed is returned from Send and Receive after the underlying
// channel has died.
var ErrConnClosed = errors.New("connection closed")

// MessageConn is the unreliable-but-ordered bidirectional channel the
// control layer rides on. Messages that arrive, arrive in send order;
// they may be lost wholesale if the channel dies, but are never
// duplicated or reordered.
type MessageConn interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Pipe returns two connected in-memory MessageConn ends. Closing either
// end tears down both directions, like a dying data channel.
func Pipe() (MessageConn, MessageConn) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	shared := &pipeShared{done: make(chan struct{})}
	return &pipeEnd{in: ba, out: ab, shared: shared},
		&pipeEnd{in: ab, out: ba, shared: shared}
}

type pipeShared struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	in     chan []byte
	out    chan []byte
	shared *pipeShared
}

func (p *pipeEnd) Send(ctx context.Context, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case <-p.shared.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- buf:
		return nil
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-p.shared.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-p.in:
		return data, nil
	}
}

func (p *pipeEnd) Close() error {
	p.shared.once.Do(func() { close(p.shared.done) })
	return nil
}
