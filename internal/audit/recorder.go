package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"streamsim/internal/bus"
	"streamsim/internal/domain"
)

const (
	writeTimeout = 10 * time.Second
	queueSize    = 1024
)

// Recorder queues connection lifecycle events and writes them to a
// SessionStore from a single worker, so a locked database never stalls a
// connection handler. One worker keeps each session's open before its close.
type Recorder struct {
	store   domain.SessionStore
	logger  *slog.Logger
	queue   chan bus.Event
	dropped atomic.Int64
}

func NewRecorder(store domain.SessionStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		queue:  make(chan bus.Event, queueSize),
	}
}

// Subscribe queues connection.opened and connection.closed events from eb.
func (r *Recorder) Subscribe(eb *bus.EventBus) {
	eb.On(bus.EventConnectionOpened, r.enqueue)
	eb.On(bus.EventConnectionClosed, r.enqueue)
}

func (r *Recorder) enqueue(e bus.Event) {
	select {
	case r.queue <- e:
	default:
		if r.dropped.Add(1) == 1 {
			r.logger.Warn("audit queue full, dropping events")
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes queued events until ctx is done, then drains what is left.
// Write failures are logged and never reach the connection.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.queue:
			r.write(ctx, e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.write(context.Background(), e)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(ctx context.Context, e bus.Event) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	switch e.Type {
	case bus.EventConnectionOpened:
		rec := domain.SessionRecord{ID: e.SessionID, RemoteAddr: e.Str("remote_addr"), OpenedAt: e.Timestamp}
		if err := r.store.OpenSession(wctx, rec); err != nil {
			r.logger.Warn("audit: open session failed", "session", e.SessionID, "err", err)
		}
	case bus.EventConnectionClosed:
		closedAt := e.Timestamp
		rec := domain.SessionRecord{
			ID:          e.SessionID,
			RemoteAddr:  e.Str("remote_addr"),
			ClosedAt:    &closedAt,
			Requests:    e.Int("requests"),
			Chunks:      e.Int("chunks"),
			Rejected:    e.Int("rejected"),
			CloseReason: e.Str("reason"),
		}
		if err := r.store.CloseSession(wctx, rec); err != nil {
			r.logger.Warn("audit: close session failed", "session", e.SessionID, "err", err)
		}
	}
}
