package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Asker is the part of Client the REPL drives.
type Asker interface {
	Ask(ctx context.Context, message string, onChunk func(string)) (string, error)
}

// REPLConfig configures an interactive terminal session.
type REPLConfig struct {
	In     io.Reader
	Out    io.Writer
	Logger *slog.Logger
}

// REPL reads one message per line and prints the streamed reply as it
// arrives.
type REPL struct {
	asker  Asker
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

func NewREPL(asker Asker, cfg REPLConfig) *REPL {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &REPL{asker: asker, in: cfg.In, out: cfg.Out, logger: cfg.Logger}
}

// Run blocks until EOF, /quit, or ctx is done. A server error event is
// printed and the session continues; a transport error ends it.
func (r *REPL) Run(ctx context.Context) error {
	fmt.Fprintln(r.out, "streamsim chat. Type a message and press Enter. Type /quit to exit.")
	fmt.Fprint(r.out, "You> ")

	scanner := bufio.NewScanner(r.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Fprint(r.out, "You> ")
			continue
		case "/quit", "/exit", "/q":
			r.logger.Debug("user requested quit")
			return nil
		}

		fmt.Fprint(r.out, "Bot> ")
		_, err := r.asker.Ask(ctx, line, func(chunk string) {
			fmt.Fprint(r.out, chunk)
		})
		fmt.Fprintln(r.out)
		switch {
		case errors.Is(err, ErrServer):
			fmt.Fprintf(r.out, "[%v]\n", err)
		case ctx.Err() != nil:
			return nil
		case err != nil:
			return err
		}
		fmt.Fprint(r.out, "You> ")
	}
	return scanner.Err()
}
