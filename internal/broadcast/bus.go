// Package broadcast is a best-effort fan-out bus for text notifications to
// connected WebSocket clients, with no persistence and no replay.
package broadcast

import (
	"sync"
	"time"

	"cyberherd/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeTimeout bounds each subscriber send so one slow client can't stall
// publishing to the rest.
const writeTimeout = 2 * time.Second

// Bus holds the set of currently connected WebSocket subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*websocket.Conn]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[*websocket.Conn]struct{})}
}

// Subscribe registers conn to receive future published messages.
func (b *Bus) Subscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[conn] = struct{}{}
}

// Unsubscribe removes conn from the subscriber set.
func (b *Bus) Unsubscribe(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, conn)
}

// Count reports the number of currently connected subscribers.
func (b *Bus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish sends text to every connected subscriber. Subscribers whose send
// fails or times out are removed. Returns immediately if there are no
// subscribers.
func (b *Bus) Publish(text string) {
	b.mu.RLock()
	if len(b.subscribers) == 0 {
		b.mu.RUnlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(b.subscribers))
	for conn := range b.subscribers {
		conns = append(conns, conn)
	}
	b.mu.RUnlock()

	var dead []*websocket.Conn
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
			logger.Warn("broadcast publish failed, dropping subscriber", zap.Error(err))
			dead = append(dead, conn)
		}
	}

	if len(dead) > 0 {
		b.mu.Lock()
		for _, conn := range dead {
			delete(b.subscribers, conn)
		}
		b.mu.Unlock()
	}
}
