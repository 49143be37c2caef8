package metrics

import (
	"streamsim/internal/bus"
)

// Subscribe updates c from lifecycle events on eb.
func (c *MetricsCollector) Subscribe(eb *bus.EventBus) {
	eb.On(bus.EventConnectionOpened, func(bus.Event) {
		c.Connections.Inc()
		c.Active.Inc()
	})
	eb.On(bus.EventConnectionClosed, func(bus.Event) {
		c.Active.Dec()
	})
	eb.On(bus.EventStreamCompleted, func(e bus.Event) {
		c.Requests.Inc()
		c.Chunks.Add(int64(e.Int("chunks")))
		c.StreamDuration.Observe(float64(e.Int("duration_ms")) / 1000)
	})
	eb.On(bus.EventStreamAborted, func(e bus.Event) {
		c.Aborted.Inc()
		c.Chunks.Add(int64(e.Int("chunks")))
	})
	eb.On(bus.EventRequestRejected, func(bus.Event) {
		c.Rejected.Inc()
	})
}
