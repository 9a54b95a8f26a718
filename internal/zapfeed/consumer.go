// Package zapfeed is the WebSocket client that consumes the wallet's
// payment feed: one text frame per payment, reconnecting indefinitely with
// exponential backoff when the connection drops.
package zapfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cyberherd/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 64 * time.Second
	pingInterval   = 20 * time.Second
	pongWait       = 15 * time.Second
)

// Consumer dials a zap-feed WebSocket endpoint and hands each received frame
// to Handler.
type Consumer struct {
	url     string
	dialer  *websocket.Dialer
	handler func(ctx context.Context, raw []byte)
}

// New creates a Consumer. handler is called once per received text frame;
// it must not block for long, since it runs on the read loop's goroutine.
func New(url string, handler func(ctx context.Context, raw []byte)) *Consumer {
	return &Consumer{
		url:     url,
		dialer:  websocket.DefaultDialer,
		handler: handler,
	}
}

// Run connects and reads frames until ctx is cancelled, reconnecting with
// exponential backoff (capped at maxBackoff) on any read or dial error.
func (c *Consumer) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		if err := c.runOnce(ctx); err != nil {
			logger.Warn("zapfeed: connection lost, reconnecting", zap.Error(err), zap.Duration("backoff", backoff))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Consumer) runOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("zapfeed: dial: %w", err)
	}
	defer conn.Close()

	logger.Info("zapfeed: connected", zap.String("url", c.url))

	conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(conn, done)

	for {
		if ctx.Err() != nil {
			return nil
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("zapfeed: read: %w", err)
		}

		if !json.Valid(raw) {
			logger.Warn("zapfeed: dropping non-JSON frame")
			continue
		}

		c.handler(ctx, raw)
	}
}

func (c *Consumer) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
