// Package metrics counts connections and streams from lifecycle events and
// renders the totals in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DurationBuckets are the stream duration histogram bounds in seconds. A
// default-paced reply to a short message takes about 2.5s.
var DurationBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30}

// Counter is a monotonically increasing counter.
type Counter struct{ value atomic.Int64 }

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct{ value atomic.Int64 }

func (g *Gauge) Inc()         { g.value.Add(1) }
func (g *Gauge) Dec()         { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values over fixed upper
// bounds. Bucket counts are cumulative, as Prometheus expects.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	count  int64
	sum    float64
}

func NewHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, counts: make([]int64, len(b))}
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// MetricsCollector holds the server's connection and stream totals.
type MetricsCollector struct {
	Connections    Counter // accepted WebSocket connections
	Active         Gauge   // currently open connections
	Requests       Counter // requests answered with a full stream
	Aborted        Counter // streams cut off by a close or shutdown
	Chunks         Counter // content chunks sent, including aborted streams
	Rejected       Counter // malformed inbound frames
	StreamDuration *Histogram

	startTime time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		StreamDuration: NewHistogram(DurationBuckets),
		startTime:      time.Now(),
	}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Handler returns an http.HandlerFunc that renders metrics in Prometheus text format.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// WriteTo renders every metric in a fixed order.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	var sb strings.Builder
	writeSample(&sb, "gauge", "streamsim_uptime_seconds", "Time since start in seconds", int64(c.Uptime().Seconds()))
	writeSample(&sb, "counter", "streamsim_connections_total", "Total accepted WebSocket connections", c.Connections.Value())
	writeSample(&sb, "gauge", "streamsim_active_connections", "Currently open WebSocket connections", c.Active.Value())
	writeSample(&sb, "counter", "streamsim_requests_total", "Total requests answered with a full stream", c.Requests.Value())
	writeSample(&sb, "counter", "streamsim_aborted_streams_total", "Total streams cut off before stream-end", c.Aborted.Value())
	writeSample(&sb, "counter", "streamsim_chunks_total", "Total content chunks sent", c.Chunks.Value())
	writeSample(&sb, "counter", "streamsim_rejected_frames_total", "Total malformed inbound frames", c.Rejected.Value())
	writeHistogram(&sb, "streamsim_stream_duration_seconds", "Time from stream-start to stream-end", c.StreamDuration)
	n, err := io.WriteString(w, sb.String())
	return int64(n), err
}

func writeSample(sb *strings.Builder, kind, name, help string, v int64) {
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s %s\n%s %d\n", name, help, name, kind, name, v)
}

func writeHistogram(sb *strings.Builder, name, help string, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fmt.Fprintf(sb, "# HELP %s %s\n# TYPE %s histogram\n", name, help, name)
	for i, le := range h.bounds {
		fmt.Fprintf(sb, "%s_bucket{le=\"%g\"} %d\n", name, le, h.counts[i])
	}
	fmt.Fprintf(sb, "%s_bucket{le=\"+Inf\"} %d\n", name, h.count)
	fmt.Fprintf(sb, "%s_sum %g\n", name, h.sum)
	fmt.Fprintf(sb, "%s_count %d\n", name, h.count)
}
