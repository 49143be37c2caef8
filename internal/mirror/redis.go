// Package mirror republishes lifecycle events on Redis pub/sub so external
// dashboards can follow what the server is streaming.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"streamsim/internal/bus"
)

const (
	publishTimeout = 2 * time.Second
	queueSize      = 256
)

// Publisher is the subset of *redis.Client the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Message is the JSON document published for each event.
type Message struct {
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Mirror queues bus events and publishes them from a single worker so a slow
// Redis never stalls a connection handler.
type Mirror struct {
	pub     Publisher
	prefix  string
	logger  *slog.Logger
	queue   chan bus.Event
	dropped atomic.Int64
}

func New(pub Publisher, prefix string, logger *slog.Logger) *Mirror {
	return &Mirror{
		pub:    pub,
		prefix: prefix,
		logger: logger,
		queue:  make(chan bus.Event, queueSize),
	}
}

// Dial connects to Redis at url, overriding the URL password when one is given.
func Dial(ctx context.Context, url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if password != "" {
		opts.Password = password
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Subscribe queues every event emitted on eb.
func (m *Mirror) Subscribe(eb *bus.EventBus) {
	eb.On("*", m.enqueue)
}

func (m *Mirror) enqueue(e bus.Event) {
	select {
	case m.queue <- e:
	default:
		if m.dropped.Add(1) == 1 {
			m.logger.Warn("mirror queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (m *Mirror) Dropped() int64 { return m.dropped.Load() }

// Run publishes queued events until ctx is done, then drains what is left.
func (m *Mirror) Run(ctx context.Context) error {
	for {
		select {
		case e := <-m.queue:
			m.publish(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e := <-m.queue:
					m.publish(context.Background(), e)
				default:
					return nil
				}
			}
		}
	}
}

// Channel returns the Redis channel an event type is published on.
func (m *Mirror) Channel(eventType string) string {
	return m.prefix + eventType
}

func (m *Mirror) publish(ctx context.Context, e bus.Event) {
	data, err := json.Marshal(Message{
		Type:      e.Type,
		Source:    e.Source,
		SessionID: e.SessionID,
		Payload:   e.Payload,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		m.logger.Warn("mirror: marshal event failed", "event", e.Type, "err", err)
		return
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := m.pub.Publish(pctx, m.Channel(e.Type), string(data)).Err(); err != nil {
		m.logger.Warn("mirror: publish failed", "channel", m.Channel(e.Type), "err", err)
	}
}
