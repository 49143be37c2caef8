// Package client talks to a streamsim server: it sends one message and
// reassembles the streamed reply.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"streamsim/internal/domain"
)

// ErrServer wraps an error event sent by the server in place of a stream.
var ErrServer = errors.New("server error")

// ErrClosed is returned by Ask once the connection has been given up.
var ErrClosed = errors.New("client connection closed")

const handshakeTimeout = 10 * time.Second

// Client is a single WebSocket connection. Ask calls are serialized; the
// protocol allows only one outstanding request per connection.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger
	mu     sync.Mutex
	closed bool
}

// Dial connects to a server URL such as ws://localhost:3001/.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	logger.Debug("connected", "url", url)
	return &Client{conn: conn, logger: logger}, nil
}

// Ask sends message and blocks until the matching stream-end. onChunk, if
// set, is called for every content chunk as it arrives. The full reply is
// returned.
//
// Any failure other than a server error event leaves the connection in an
// unknown position mid-stream, so the client closes it: the partial reply
// and the cause are returned and later calls fail with ErrClosed. This
// includes ctx ending while a reply is streaming.
func (c *Client) Ask(ctx context.Context, message string, onChunk func(string)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrClosed
	}
	reply, err := c.ask(ctx, message, onChunk)
	if err != nil && !errors.Is(err, ErrServer) {
		c.logger.Debug("closing connection after failed request", "err", err)
		c.closeLocked()
	}
	return reply, err
}

func (c *Client) ask(ctx context.Context, message string, onChunk func(string)) (string, error) {
	data, err := json.Marshal(domain.Request{Message: message})
	if err != nil {
		return "", err
	}

	// Unblock the read loop when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return "", fmt.Errorf("send: %w", err)
	}

	var reply strings.Builder
	started := false
	for {
		ev, err := c.next()
		if err != nil {
			if ctx.Err() != nil {
				return reply.String(), ctx.Err()
			}
			return reply.String(), err
		}

		switch ev.Kind {
		case domain.EventError:
			return "", fmt.Errorf("%w: %s", ErrServer, ev.Content)
		case domain.EventStreamStart:
			if started {
				return reply.String(), errors.New("duplicate stream-start")
			}
			started = true
		case domain.EventContent:
			if !started {
				return "", errors.New("content before stream-start")
			}
			reply.WriteString(ev.Content)
			if onChunk != nil {
				onChunk(ev.Content)
			}
		case domain.EventStreamEnd:
			if !started {
				return "", errors.New("stream-end before stream-start")
			}
			c.logger.Debug("stream complete", "chars", reply.Len())
			return reply.String(), nil
		}
	}
}

func (c *Client) next() (domain.Event, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return domain.Event{}, fmt.Errorf("read: %w", err)
	}
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return ev, nil
}

// Close sends a normal close frame and closes the connection. Closing an
// already closed client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
