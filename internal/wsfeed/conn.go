// Package wsfeed streams upload lifecycle events to an observer endpoint
// over WebSocket. The feed is best-effort: a slow or broken connection
// never blocks or fails the upload itself.
package wsfeed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bytecourier/bytecourier/pkg/feed"
)

// Conn is a WebSocket connection to a feed endpoint. Writes are
// serialized through a buffered channel.
type Conn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	sendChan chan feed.Envelope
	done     chan struct{}
	writeMu  sync.Mutex
}

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Dial connects to the feed endpoint. feedURL is the full WebSocket URL
// including path and query parameters.
func Dial(ctx context.Context, feedURL string, logger *slog.Logger) (*Conn, error) {
	u, err := url.Parse(feedURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Conn{
		conn:     conn,
		logger:   logger,
		sendChan: make(chan feed.Envelope, 256),
		done:     make(chan struct{}),
	}
	go c.writeLoop()
	go c.pingLoop(ctx)

	return c, nil
}

// Send queues an envelope for delivery. A full queue drops the envelope
// rather than stalling the caller; the feed tolerates gaps.
func (c *Conn) Send(env feed.Envelope) error {
	select {
	case c.sendChan <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("feed connection closed")
	default:
		c.logger.Debug("feed queue full, dropping event", "type", env.Type)
		return nil
	}
}

func (c *Conn) writeLoop() {
	defer close(c.done)
	for env := range c.sendChan {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := c.conn.WriteJSON(env)
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Warn("feed write error", "error", err)
			return
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close flushes queued envelopes and closes the connection.
func (c *Conn) Close() error {
	close(c.sendChan)
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Close()
}
