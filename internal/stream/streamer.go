package stream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"streamsim/internal/domain"
)

const DefaultDelay = 100 * time.Millisecond

// StreamerConfig configures a Streamer.
type StreamerConfig struct {
	Profile   Profile
	ChunkSize int
	Delay     time.Duration // pause between consecutive content chunks
	Logger    *slog.Logger
}

// Streamer answers one request with start, paced content chunks, and end.
type Streamer struct {
	profile   Profile
	chunkSize int
	delay     time.Duration
	logger    *slog.Logger
}

// Result describes one completed response cycle.
type Result struct {
	Text     string
	Chunks   int
	Duration time.Duration
}

func NewStreamer(cfg StreamerConfig) *Streamer {
	if cfg.Profile == "" {
		cfg.Profile = ProfilePlain
	}
	if cfg.ChunkSize < 1 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Streamer{
		profile:   cfg.Profile,
		chunkSize: cfg.ChunkSize,
		delay:     cfg.Delay,
		logger:    cfg.Logger,
	}
}

// Respond synthesizes the reply for req and streams it to out.
func (s *Streamer) Respond(ctx context.Context, out domain.Sender, req domain.Request) (Result, error) {
	text, err := Synthesize(s.profile, req.Message)
	if err != nil {
		return Result{}, err
	}
	start := time.Now()
	n, err := s.Stream(ctx, out, text)
	return Result{Text: text, Chunks: n, Duration: time.Since(start)}, err
}

// Stream writes text as one stream-start, its chunks, and one stream-end.
// The pause is taken after each chunk except the last and is cut short by
// ctx. It returns the number of content chunks written.
func (s *Streamer) Stream(ctx context.Context, out domain.Sender, text string) (int, error) {
	if err := out.Send(ctx, domain.StreamStart()); err != nil {
		return 0, fmt.Errorf("send stream-start: %w", err)
	}

	chunks := Chunk(text, s.chunkSize)
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for i, chunk := range chunks {
		if err := out.Send(ctx, domain.ContentChunk(chunk)); err != nil {
			return i, fmt.Errorf("send chunk %d: %w", i, err)
		}
		if i == len(chunks)-1 || s.delay == 0 {
			continue
		}
		timer.Reset(s.delay)
		select {
		case <-ctx.Done():
			return i + 1, ctx.Err()
		case <-timer.C:
		}
	}

	if err := out.Send(ctx, domain.StreamEnd()); err != nil {
		return len(chunks), fmt.Errorf("send stream-end: %w", err)
	}
	s.logger.Debug("stream complete", "chunks", len(chunks), "profile", s.profile)
	return len(chunks), nil
}
