package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"streamsim/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// recorder is a domain.Sender that keeps every event with its send time.
type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	times  []time.Time
	failAt int // 1-based index of the send that fails; 0 = never
}

func (r *recorder) Send(ctx context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAt > 0 && len(r.events)+1 == r.failAt {
		return errors.New("write failed")
	}
	r.events = append(r.events, ev)
	r.times = append(r.times, time.Now())
	return nil
}

func (r *recorder) contents() []string {
	var out []string
	for _, ev := range r.events {
		if ev.Kind == domain.EventContent {
			out = append(out, ev.Content)
		}
	}
	return out
}

func TestSynthesize_Plain(t *testing.T) {
	got, err := Synthesize(ProfilePlain, "hi")
	if err != nil {
		t.Fatal(err)
	}
	want := `Thank you for your message: "hi". This is a simulated streaming response.`
	if got != want {
		t.Errorf("got %q", got)
	}
	if utf8.RuneCountInString(got) != 73 {
		t.Errorf("expected 73 characters, got %d", utf8.RuneCountInString(got))
	}
}

func TestSynthesize_NoEscaping(t *testing.T) {
	got, _ := Synthesize(ProfilePlain, `"quoted" <b>`)
	if !strings.Contains(got, `""quoted" <b>"`) {
		t.Errorf("message should be interpolated verbatim, got %q", got)
	}
}

func TestSynthesize_Markdown(t *testing.T) {
	got, err := Synthesize(ProfileMarkdown, "hello")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, `Here's a markdown formatted response to your message: "hello"`) {
		t.Errorf("unexpected prefix: %q", got[:60])
	}
	if !strings.Contains(got, "```javascript") {
		t.Error("expected code block")
	}
}

func TestSynthesize_UnknownProfile(t *testing.T) {
	if _, err := Synthesize("haiku", "x"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestProfiles(t *testing.T) {
	got := strings.Join(Profiles(), ",")
	if got != "markdown,plain" {
		t.Errorf("got %s", got)
	}
	if !ValidProfile("plain") || ValidProfile("nope") {
		t.Error("ValidProfile mismatch")
	}
}

func TestChunk_ShortGreeting(t *testing.T) {
	text, _ := Synthesize(ProfilePlain, "hi")
	chunks := Chunk(text, 3)
	if len(chunks) != 25 {
		t.Fatalf("expected 25 chunks, got %d", len(chunks))
	}
	for i, c := range chunks[:24] {
		if len(c) != 3 {
			t.Errorf("chunk %d: expected length 3, got %q", i, c)
		}
	}
	if chunks[24] != "." {
		t.Errorf("last chunk: got %q", chunks[24])
	}
	if strings.Join(chunks, "") != text {
		t.Error("chunks do not reconstruct the text")
	}
}

func TestChunk_Properties(t *testing.T) {
	inputs := []string{"", "a", "ab", "abc", "abcd", "héllo wörld", "日本語のテキスト", "emoji 🎉🎉 ok"}
	for _, in := range inputs {
		for size := 1; size <= 4; size++ {
			chunks := Chunk(in, size)
			if strings.Join(chunks, "") != in {
				t.Errorf("%q/%d: reconstruction failed", in, size)
			}
			for i, c := range chunks {
				n := utf8.RuneCountInString(c)
				if n > size || n == 0 {
					t.Errorf("%q/%d: chunk %d has %d runes", in, size, i, n)
				}
				if i < len(chunks)-1 && n != size {
					t.Errorf("%q/%d: non-final chunk %d has %d runes", in, size, i, n)
				}
			}
		}
	}
}

func TestChunk_EmptyText(t *testing.T) {
	if got := Chunk("", 3); len(got) != 0 {
		t.Errorf("expected no chunks, got %v", got)
	}
}

func TestChunk_InvalidSizeUsesDefault(t *testing.T) {
	if got := Chunk("abcdef", 0); len(got) != 2 {
		t.Errorf("expected default size 3, got %v", got)
	}
}

func TestStream_OrderAndReconstruction(t *testing.T) {
	s := NewStreamer(StreamerConfig{Delay: time.Millisecond, Logger: testLogger()})
	rec := &recorder{}

	res, err := s.Respond(context.Background(), rec, domain.Request{Message: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Chunks != 25 {
		t.Errorf("expected 25 chunks, got %d", res.Chunks)
	}
	if len(rec.events) != 27 {
		t.Fatalf("expected 27 events, got %d", len(rec.events))
	}
	if rec.events[0].Kind != domain.EventStreamStart {
		t.Errorf("first event: %s", rec.events[0].Kind)
	}
	if rec.events[26].Kind != domain.EventStreamEnd {
		t.Errorf("last event: %s", rec.events[26].Kind)
	}
	if strings.Join(rec.contents(), "") != res.Text {
		t.Error("content payloads do not reconstruct the response")
	}
}

func TestStream_EmptyTextStillFramed(t *testing.T) {
	s := NewStreamer(StreamerConfig{Logger: testLogger()})
	rec := &recorder{}
	n, err := s.Stream(context.Background(), rec, "")
	if err != nil || n != 0 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(rec.events) != 2 {
		t.Fatalf("expected start+end only, got %d events", len(rec.events))
	}
}

func TestStream_PacingBetweenChunks(t *testing.T) {
	delay := 20 * time.Millisecond
	s := NewStreamer(StreamerConfig{Delay: delay, Logger: testLogger()})
	rec := &recorder{}

	if _, err := s.Stream(context.Background(), rec, "abcdefghijkl"); err != nil {
		t.Fatal(err)
	}
	var contentTimes []time.Time
	for i, ev := range rec.events {
		if ev.Kind == domain.EventContent {
			contentTimes = append(contentTimes, rec.times[i])
		}
	}
	if len(contentTimes) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(contentTimes))
	}
	for i := 1; i < len(contentTimes); i++ {
		if gap := contentTimes[i].Sub(contentTimes[i-1]); gap < delay {
			t.Errorf("gap %d: %v < %v", i, gap, delay)
		}
	}
}

func TestStream_ContextCancelStopsPacing(t *testing.T) {
	s := NewStreamer(StreamerConfig{Delay: time.Hour, Logger: testLogger()})
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	n, err := s.Stream(ctx, rec, "abcdef")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 chunk before cancel, got %d", n)
	}
	for _, ev := range rec.events {
		if ev.Kind == domain.EventStreamEnd {
			t.Error("stream-end must not be sent after cancel")
		}
	}
}

func TestStream_SendErrorPropagates(t *testing.T) {
	s := NewStreamer(StreamerConfig{Logger: testLogger()})
	rec := &recorder{failAt: 3}

	n, err := s.Stream(context.Background(), rec, "abcdefghi")
	if err == nil {
		t.Fatal("expected error")
	}
	if n != 1 {
		t.Errorf("expected 1 chunk written, got %d", n)
	}
}

func TestNewStreamer_Defaults(t *testing.T) {
	s := NewStreamer(StreamerConfig{ChunkSize: -1, Delay: -time.Second})
	if s.chunkSize != DefaultChunkSize || s.delay != 0 || s.profile != ProfilePlain {
		t.Errorf("unexpected defaults: %+v", s)
	}
}
