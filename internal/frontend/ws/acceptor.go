// Package ws accepts WebSocket connections and hands each one to a session handler.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/chatserver/internal/config"
	"github.com/cory-johannsen/chatserver/internal/observability"
)

// shutdownTimeout bounds how long Stop waits for the HTTP server to drain.
const shutdownTimeout = 5 * time.Second

// SessionHandler runs one connected client until it disconnects or ctx is cancelled.
type SessionHandler interface {
	HandleSession(ctx context.Context, conn *Conn)
}

// SessionHandlerFunc adapts a function to SessionHandler.
type SessionHandlerFunc func(ctx context.Context, conn *Conn)

// HandleSession calls f.
func (f SessionHandlerFunc) HandleSession(ctx context.Context, conn *Conn) { f(ctx, conn) }

// Acceptor listens for HTTP requests, upgrades them to WebSocket connections,
// and dispatches each connection to a SessionHandler. Any request path upgrades
// except /healthz, which reports liveness in plain text.
type Acceptor struct {
	cfg      config.ServerConfig
	handler  SessionHandler
	logger   *zap.Logger
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
	quit     chan struct{}
	ready    chan struct{}
	mu       sync.Mutex
	running  bool
	conns    map[*Conn]struct{}
}

// NewAcceptor creates a WebSocket acceptor with the given configuration.
//
// Precondition: cfg must have a valid port; handler and logger must be non-nil.
// Postcondition: Returns an Acceptor ready to be started with ListenAndServe.
func NewAcceptor(cfg config.ServerConfig, handler SessionHandler, logger *zap.Logger) *Acceptor {
	policy := newOriginPolicy(cfg.AllowedOrigins, logger)
	a := &Acceptor{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		quit:    make(chan struct{}),
		ready:   make(chan struct{}),
		conns:   make(map[*Conn]struct{}),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if policy.check(r) {
				return true
			}
			logger.Warn("blocked websocket from disallowed origin",
				zap.String("origin", r.Header.Get("Origin")),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return false
		},
	}
	return a
}

// ListenAndServe starts the listener and serves connections until Stop is called.
// This method blocks until the acceptor is stopped.
//
// Precondition: The acceptor must not already be running.
// Postcondition: The listener is closed when this method returns.
func (a *Acceptor) ListenAndServe() error {
	start := time.Now()

	listener, err := net.Listen("tcp", a.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Addr(), err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/", a.handleUpgrade)

	a.mu.Lock()
	a.listener = listener
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	a.running = true
	server := a.server
	a.mu.Unlock()
	close(a.ready)

	a.logger.Info("websocket acceptor listening",
		zap.String("addr", listener.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

func (a *Acceptor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if !a.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprintln(w, "shutting down")
		return
	}
	_, _ = fmt.Fprintf(w, "ok connections=%d\n", a.ConnectionCount())
}

// handleUpgrade upgrades one request and runs its session to completion.
func (a *Acceptor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	raw, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	raw.SetReadLimit(a.cfg.ReadLimit)

	start := time.Now()
	conn := NewConn(raw, a.cfg.WriteTimeout, a.cfg.SendBuffer, a.logger)
	a.track(conn)
	defer a.untrack(conn)

	a.logger.Info("client connected", observability.ConnFields(conn.ID(), conn.RemoteAddr())...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel the session and unblock its read when the acceptor stops.
	go func() {
		select {
		case <-a.quit:
			cancel()
			_ = conn.Close()
		case <-ctx.Done():
		}
	}()

	a.handler.HandleSession(ctx, conn)
	_ = conn.Close()
	conn.Wait()

	a.logger.Info("client disconnected",
		zap.String("conn_id", conn.ID()),
		zap.Duration("duration", time.Since(start)),
	)
}

func (a *Acceptor) track(c *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conns[c] = struct{}{}
}

func (a *Acceptor) untrack(c *Conn) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.conns, c)
}

// Stop stops accepting connections, closes every open connection, and waits
// for all sessions to finish.
//
// Postcondition: All connections are closed and goroutines have exited.
func (a *Acceptor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.quit)
	server := a.server
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		a.logger.Warn("http server shutdown", zap.Error(err))
	}
	a.wg.Wait()

	a.logger.Info("websocket acceptor stopped")
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (a *Acceptor) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return ""
}

// Ready is closed once the acceptor is listening.
func (a *Acceptor) Ready() <-chan struct{} {
	return a.ready
}

// IsRunning returns whether the acceptor is currently accepting connections.
func (a *Acceptor) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// ConnectionCount returns the number of open WebSocket connections.
func (a *Acceptor) ConnectionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.conns)
}
