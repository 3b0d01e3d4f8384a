package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"sigflow/internal/logger"
	"sigflow/internal/pkg/backoff"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	handshakeTimeout = 15 * time.Second
)

// Listener maintains the websocket to the message feed and hands every raw
// message to the dispatcher. It reconnects with exponential backoff until
// the context is cancelled; a dropped feed must never take the process
// down.
type Listener struct {
	url    string
	handle func(context.Context, RawMessage)
}

func NewListener(url string, handle func(context.Context, RawMessage)) *Listener {
	return &Listener{url: url, handle: handle}
}

// Run blocks, reading messages and reconnecting on failure, until ctx is
// cancelled.
func (l *Listener) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		delay := backoff.Delay(attempt - 1)
		logger.Warnf("feed: connection lost (%v), reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (l *Listener) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", l.url, err)
	}
	defer conn.Close()
	logger.Infof("feed: connected to %s", l.url)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warnf("feed: undecodable frame dropped: %v", err)
			continue
		}
		if msg.ID == "" {
			logger.Warnf("feed: frame without message id dropped")
			continue
		}
		if msg.ReceivedAt.IsZero() {
			msg.ReceivedAt = time.Now()
		}
		l.handle(ctx, msg)
	}
}
