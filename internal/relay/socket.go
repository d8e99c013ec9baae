package relay

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const sendTimeout = 5 * time.Second

// wsSocket adapts a websocket connection to session.Socket. Sends are
// serialized; the relay's read loop owns the receive side.
type wsSocket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) Send(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "removed from room")
}
