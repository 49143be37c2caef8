package client

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"streamsim/internal/channel"
	"streamsim/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startServer(t *testing.T, delay time.Duration) string {
	t.Helper()
	ws := channel.NewWebSocketServer(channel.WSConfig{
		Streamer: stream.NewStreamer(stream.StreamerConfig{Delay: delay, Logger: testLogger()}),
		Logger:   testLogger(),
	})
	srv := httptest.NewServer(ws.Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
}

// scripted serves a fixed list of raw frames in answer to the first request.
func scripted(t *testing.T, frames ...string) string {
	t.Helper()
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, f := range frames {
			conn.WriteMessage(websocket.TextMessage, []byte(f))
		}
		conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestAsk_ReassemblesReply(t *testing.T) {
	url := startServer(t, time.Millisecond)
	c, err := Dial(context.Background(), url, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var chunks []string
	reply, err := c.Ask(context.Background(), "hi", func(s string) { chunks = append(chunks, s) })
	if err != nil {
		t.Fatal(err)
	}
	want := `Thank you for your message: "hi". This is a simulated streaming response.`
	if reply != want {
		t.Errorf("reply: got %q", reply)
	}
	if len(chunks) != 25 {
		t.Errorf("chunks: got %d, want 25", len(chunks))
	}

	// Same connection, second cycle.
	reply, err = c.Ask(context.Background(), "again", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, `"again"`) {
		t.Errorf("second reply: got %q", reply)
	}
}

func TestAsk_ServerErrorEvent(t *testing.T) {
	url := scripted(t, `{"type":"error","content":"malformed request"}`)
	c, err := Dial(context.Background(), url, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	_, err = c.Ask(context.Background(), "x", nil)
	if !errors.Is(err, ErrServer) {
		t.Fatalf("expected ErrServer, got %v", err)
	}
	if c.closed {
		t.Error("an error event answers the request; the connection stays open")
	}
}

func TestAsk_ContentBeforeStart(t *testing.T) {
	url := scripted(t, `{"content":"abc"}`)
	c, err := Dial(context.Background(), url, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if _, err := c.Ask(context.Background(), "x", nil); err == nil {
		t.Fatal("expected protocol error")
	}
}

func TestAsk_ContextCancel(t *testing.T) {
	url := startServer(t, time.Second)
	c, err := Dial(context.Background(), url, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	partial, err := c.Ask(ctx, "slow", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if partial != "Tha" {
		t.Errorf("partial reply: got %q", partial)
	}

	// The rest of the cancelled stream is still in flight, so the
	// connection is not reused.
	start := time.Now()
	if _, err := c.Ask(context.Background(), "again", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("ask after cancel: got %v, want ErrClosed", err)
	}
	if time.Since(start) > time.Second {
		t.Error("ask after cancel should fail immediately")
	}
	if err := c.Close(); err != nil {
		t.Errorf("close after cancel: %v", err)
	}
}

func TestDial_BadURL(t *testing.T) {
	if _, err := Dial(context.Background(), "ws://127.0.0.1:1/", testLogger()); err == nil {
		t.Fatal("expected dial error")
	}
}
