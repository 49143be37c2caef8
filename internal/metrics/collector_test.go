package metrics

import (
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"streamsim/internal/bus"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestHistogram_CumulativeBuckets(t *testing.T) {
	h := NewHistogram([]float64{5, 1})
	h.Observe(0.5)
	h.Observe(3)
	h.Observe(60)

	if h.Count() != 3 {
		t.Fatalf("count: got %d", h.Count())
	}
	if h.bounds[0] != 1 || h.counts[0] != 1 || h.counts[1] != 2 {
		t.Errorf("buckets: bounds=%v counts=%v", h.bounds, h.counts)
	}
}

func TestHandler_RendersPrometheusText(t *testing.T) {
	c := NewMetricsCollector()
	c.Connections.Add(2)
	c.Active.Inc()
	c.StreamDuration.Observe(0.05)
	c.StreamDuration.Observe(2.4)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		"streamsim_uptime_seconds",
		"# TYPE streamsim_connections_total counter",
		"streamsim_connections_total 2",
		"streamsim_active_connections 1",
		`streamsim_stream_duration_seconds_bucket{le="0.1"} 1`,
		`streamsim_stream_duration_seconds_bucket{le="2.5"} 2`,
		`streamsim_stream_duration_seconds_bucket{le="+Inf"} 2`,
		"streamsim_stream_duration_seconds_count 2",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q:\n%s", want, body)
		}
	}
	if strings.Count(body, `le="+Inf"`) != 1 {
		t.Errorf("+Inf bucket should appear once:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type: %s", ct)
	}
}

func TestSubscribe_CountsLifecycle(t *testing.T) {
	c := NewMetricsCollector()
	eb := bus.NewEventBus(testLogger())
	c.Subscribe(eb)

	eb.Emit(bus.Event{Type: bus.EventConnectionOpened})
	if c.Active.Value() != 1 {
		t.Errorf("active connections: got %d", c.Active.Value())
	}
	eb.Emit(bus.Event{Type: bus.EventStreamCompleted, Payload: map[string]any{"chunks": 25, "duration_ms": int64(2400)}})
	eb.Emit(bus.Event{Type: bus.EventRequestRejected})
	eb.Emit(bus.Event{Type: bus.EventConnectionClosed})

	if c.Connections.Value() != 1 || c.Active.Value() != 0 {
		t.Errorf("connections=%d active=%d", c.Connections.Value(), c.Active.Value())
	}
	if c.Requests.Value() != 1 || c.Chunks.Value() != 25 {
		t.Errorf("requests=%d chunks=%d", c.Requests.Value(), c.Chunks.Value())
	}
	if c.Rejected.Value() != 1 {
		t.Errorf("rejected: got %d", c.Rejected.Value())
	}
	if c.StreamDuration.Count() != 1 {
		t.Errorf("duration observations: got %d", c.StreamDuration.Count())
	}
}

func TestSubscribe_CountsChunksOfAbortedStreams(t *testing.T) {
	c := NewMetricsCollector()
	eb := bus.NewEventBus(testLogger())
	c.Subscribe(eb)

	eb.Emit(bus.Event{Type: bus.EventStreamAborted, Payload: map[string]any{"chunks": 4, "reason": "peer closed"}})

	if c.Chunks.Value() != 4 || c.Aborted.Value() != 1 {
		t.Errorf("chunks=%d aborted=%d", c.Chunks.Value(), c.Aborted.Value())
	}
	if c.Requests.Value() != 0 || c.StreamDuration.Count() != 0 {
		t.Errorf("an aborted stream is not a completed request")
	}
}

func TestCollectors_AreIndependent(t *testing.T) {
	a, b := NewMetricsCollector(), NewMetricsCollector()
	a.Requests.Inc()
	if b.Requests.Value() != 0 {
		t.Error("collectors share state")
	}
}
