package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"streamsim/internal/bus"
	"streamsim/internal/domain"
	"streamsim/internal/stream"
)

const (
	writeWait       = 10 * time.Second
	closeGrace      = time.Second
	defaultShutdown = 5 * time.Second
)

// WSConfig configures the WebSocket server.
type WSConfig struct {
	Host            string
	Port            int    // 0 picks a free port
	Path            string // WebSocket endpoint path (default: /)
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageBytes int64    // 0 = unlimited
	AllowedOrigins  []string // empty = allow all
	ShutdownTimeout time.Duration

	Streamer *stream.Streamer
	Events   *bus.EventBus       // optional
	Sessions domain.SessionStore // optional: serves /api/sessions

	MetricsPath    string       // optional: mounted when MetricsHandler is set
	MetricsHandler http.Handler // optional

	Version string
	Logger  *slog.Logger
}

// WebSocketServer accepts WebSocket connections and answers every request
// frame with a paced synthetic stream.
type WebSocketServer struct {
	addr            string
	path            string
	upgrader        websocket.Upgrader
	maxMessageBytes int64
	shutdownTimeout time.Duration
	allowedOrigins  map[string]bool

	streamer *stream.Streamer
	events   *bus.EventBus
	sessions domain.SessionStore
	metrics  http.Handler
	metricsP string
	version  string
	logger   *slog.Logger
	started  time.Time

	server *http.Server

	mu       sync.Mutex
	clients  map[string]*wsClient
	handlers sync.WaitGroup
}

// wsClient is one live connection.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	cancel context.CancelFunc
	mu     sync.Mutex
}

// connStats are the per-connection counters reported on close.
type connStats struct {
	requests int
	chunks   int
	rejected int
}

func NewWebSocketServer(cfg WSConfig) *WebSocketServer {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdown
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Streamer == nil {
		cfg.Streamer = stream.NewStreamer(stream.StreamerConfig{Logger: cfg.Logger})
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}

	ws := &WebSocketServer{
		addr:            net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		path:            cfg.Path,
		maxMessageBytes: cfg.MaxMessageBytes,
		shutdownTimeout: cfg.ShutdownTimeout,
		allowedOrigins:  origins,
		streamer:        cfg.Streamer,
		events:          cfg.Events,
		sessions:        cfg.Sessions,
		metrics:         cfg.MetricsHandler,
		metricsP:        cfg.MetricsPath,
		version:         cfg.Version,
		logger:          cfg.Logger,
		started:         time.Now(),
		clients:         make(map[string]*wsClient),
	}
	ws.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     ws.checkOrigin,
	}
	return ws
}

func (ws *WebSocketServer) Name() string { return "websocket" }

// Handler returns the HTTP routes: the WebSocket endpoint, health and
// status, plus metrics, sessions, and recent events when configured.
func (ws *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()

	wsPattern := "GET " + ws.path
	if ws.path == "/" {
		wsPattern = "GET /{$}"
	}
	mux.HandleFunc(wsPattern, ws.handleUpgrade)
	mux.HandleFunc("GET /health", ws.handleHealth)
	mux.HandleFunc("GET /status", ws.handleStatus)
	if ws.metrics != nil && ws.metricsP != "" {
		mux.Handle("GET "+ws.metricsP, ws.metrics)
	}
	if ws.sessions != nil {
		mux.HandleFunc("GET /api/sessions", ws.handleSessions)
	}
	if ws.events != nil {
		mux.HandleFunc("GET /api/events", ws.handleEvents)
	}
	return mux
}

// Start listens on the configured address and serves until ctx is done.
func (ws *WebSocketServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", ws.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", ws.addr, err)
	}
	return ws.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done, then closes every
// client with a going-away frame and shuts the HTTP server down.
func (ws *WebSocketServer) Serve(ctx context.Context, ln net.Listener) error {
	ws.server = &http.Server{
		Handler:           ws.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ws.logger.Info("websocket server starting", "addr", "ws://"+ln.Addr().String()+ws.path)

	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		ws.closeAllClients("server shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ws.shutdownTimeout)
		defer cancel()
		err := ws.server.Shutdown(shutdownCtx)
		// Upgraded connections are not tracked by Shutdown; catch any
		// accepted while the first pass ran.
		ws.closeAllClients("server shutdown")
		if werr := ws.waitHandlers(shutdownCtx); werr != nil && err == nil {
			err = werr
		}
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		ws.logger.Info("websocket server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}

// waitHandlers blocks until every connection handler has returned and
// emitted its connection.closed event.
func (ws *WebSocketServer) waitHandlers(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		ws.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveConnections returns the number of open WebSocket connections.
func (ws *WebSocketServer) ActiveConnections() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

func (ws *WebSocketServer) checkOrigin(r *http.Request) bool {
	if len(ws.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients
	}
	return ws.allowedOrigins[origin]
}

func (ws *WebSocketServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Counted before the upgrade so Shutdown, which waits for the request
	// to hijack, orders every Add before Serve's Wait.
	ws.handlers.Add(1)
	defer ws.handlers.Done()

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	if ws.maxMessageBytes > 0 {
		conn.SetReadLimit(ws.maxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	client := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		cancel: cancel,
	}
	remote := conn.RemoteAddr().String()

	ws.mu.Lock()
	ws.clients[client.id] = client
	ws.mu.Unlock()

	ws.logger.Info("client connected", "session", client.id, "remote", remote)
	ws.emit(bus.EventConnectionOpened, client.id, map[string]any{"remote_addr": remote})

	stats, reason := ws.serveConn(ctx, client)

	ws.mu.Lock()
	delete(ws.clients, client.id)
	ws.mu.Unlock()
	cancel()
	conn.Close()

	ws.logger.Info("client disconnected", "session", client.id, "reason", reason,
		"requests", stats.requests, "chunks", stats.chunks, "rejected", stats.rejected)
	ws.emit(bus.EventConnectionClosed, client.id, map[string]any{
		"remote_addr": remote,
		"requests":    stats.requests,
		"chunks":      stats.chunks,
		"rejected":    stats.rejected,
		"reason":      reason,
	})
}

// serveConn runs the receive loop for one connection. Requests are handled
// strictly one at a time: the next frame is read only after stream-end.
func (ws *WebSocketServer) serveConn(ctx context.Context, client *wsClient) (connStats, string) {
	var stats connStats
	for {
		msgType, data, err := client.conn.ReadMessage()
		if err != nil {
			return stats, ws.readFailure(ctx, client, err)
		}

		var req domain.Request
		if msgType != websocket.TextMessage {
			err = fmt.Errorf("%w: binary frames are not supported", domain.ErrMalformed)
		} else {
			req, err = domain.DecodeRequest(data)
		}
		if err != nil {
			stats.rejected++
			ws.logger.Warn("invalid websocket message", "session", client.id, "err", err)
			ws.emit(bus.EventRequestRejected, client.id, map[string]any{"error": err.Error()})
			if err := client.Send(ctx, domain.ErrorEvent(err.Error())); err != nil {
				return stats, ws.writeFailure(ctx, client, err)
			}
			continue
		}

		ws.emit(bus.EventStreamStarted, client.id, map[string]any{"message_chars": len([]rune(req.Message))})
		res, err := ws.streamer.Respond(ctx, client, req)
		stats.chunks += res.Chunks
		if err != nil {
			reason := ws.writeFailure(ctx, client, err)
			ws.emit(bus.EventStreamAborted, client.id, map[string]any{
				"chunks":      res.Chunks,
				"duration_ms": res.Duration.Milliseconds(),
				"reason":      reason,
			})
			return stats, reason
		}
		stats.requests++
		ws.emit(bus.EventStreamCompleted, client.id, map[string]any{
			"chunks":      res.Chunks,
			"duration_ms": res.Duration.Milliseconds(),
		})
	}
}

// readFailure classifies a read error. The peer hanging up is the normal way
// a connection ends and is not logged as a failure.
func (ws *WebSocketServer) readFailure(ctx context.Context, client *wsClient, err error) string {
	switch {
	case ctx.Err() != nil:
		return "server shutdown"
	case peerGone(err):
		ws.logger.Debug("websocket peer closed", "session", client.id, "err", err)
		return "peer closed"
	default:
		ws.logger.Warn("websocket read error", "session", client.id, "err", err)
		return "read error"
	}
}

// writeFailure classifies a failed send. A peer that closes mid-stream makes
// the next write fail with a broken pipe or reset, which is still a close.
func (ws *WebSocketServer) writeFailure(ctx context.Context, client *wsClient, err error) string {
	switch {
	case ctx.Err() != nil:
		return "server shutdown"
	case peerGone(err):
		ws.logger.Debug("websocket peer closed during write", "session", client.id, "err", err)
		return "peer closed"
	default:
		ws.logger.Warn("websocket write error", "session", client.id, "err", err)
		return "write error"
	}
}

// peerGone reports whether err means the other side has hung up, either with
// a close frame or by dropping the TCP connection.
func peerGone(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway,
			websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure:
			return true
		}
		return false
	}
	return errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// Send writes one event as a single text frame.
func (c *wsClient) Send(ctx context.Context, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// close sends a close frame, aborts any in-flight stream, and drops the
// connection. The receive loop then exits on its own.
func (c *wsClient) close(code int, reason string) {
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeGrace))
	c.cancel()
	c.conn.Close()
}

func (ws *WebSocketServer) closeAllClients(reason string) {
	ws.mu.Lock()
	clients := make([]*wsClient, 0, len(ws.clients))
	for _, c := range ws.clients {
		clients = append(clients, c)
	}
	ws.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.CloseGoingAway, reason)
	}
}

func (ws *WebSocketServer) emit(eventType, sessionID string, payload map[string]any) {
	if ws.events == nil {
		return
	}
	ws.events.Emit(bus.Event{Type: eventType, Source: ws.Name(), SessionID: sessionID, Payload: payload})
}

func (ws *WebSocketServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (ws *WebSocketServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":             "ok",
		"version":            ws.version,
		"uptime_seconds":     int64(time.Since(ws.started).Seconds()),
		"active_connections": ws.ActiveConnections(),
		"ws_path":            ws.path,
		"events_buffered":    ws.bufferedEvents(),
	})
}

func (ws *WebSocketServer) bufferedEvents() int {
	if ws.events == nil {
		return 0
	}
	return ws.events.HistoryLen()
}

func (ws *WebSocketServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	recs, err := ws.sessions.ListSessions(r.Context(), limit)
	if err != nil {
		ws.logger.Error("list sessions failed", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"error": "cannot list sessions"})
		return
	}
	if recs == nil {
		recs = []domain.SessionRecord{}
	}
	json.NewEncoder(w).Encode(recs)
}

// handleEvents returns recent lifecycle events, optionally filtered by type
// and a since timestamp (RFC 3339).
func (ws *WebSocketServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")

	eventType := r.URL.Query().Get("type")
	if eventType == "" {
		eventType = "*"
	}
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "since must be an RFC 3339 timestamp"})
			return
		}
		since = t
	}

	events := ws.events.Replay(eventType, since)
	if events == nil {
		events = []bus.Event{}
	}
	json.NewEncoder(w).Encode(events)
}
