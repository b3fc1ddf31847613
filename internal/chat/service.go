// Package chat implements the session state machine, broadcast engine, and
// moderation engine of the chat server.
//
// One Session runs per connection, driven by Service.Serve. All sessions share
// a single registry.Registry, which is the only mutable shared state.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatserver/internal/auth"
	"github.com/cory-johannsen/chatserver/internal/observability"
	"github.com/cory-johannsen/chatserver/internal/registry"
)

// Conn is the transport a session reads requests from and writes envelopes to.
type Conn interface {
	registry.Peer
	// Receive blocks for the next inbound text frame. It returns an error once
	// the transport is closed or ctx is done.
	Receive(ctx context.Context) ([]byte, error)
	// RemoteAddr describes the remote end for logging.
	RemoteAddr() string
}

// Service owns the shared registry and the collaborators every session uses.
type Service struct {
	reg       *registry.Registry
	verifier  *auth.Verifier
	commands  *CommandRegistry
	adminName string
	logger    *zap.Logger
	now       func() time.Time
	sessions  atomic.Int64
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock used to stamp envelopes.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCommands replaces the moderation command registry.
func WithCommands(r *CommandRegistry) Option {
	return func(s *Service) { s.commands = r }
}

// NewService creates a Service.
//
// Precondition: reg, verifier, and logger must be non-nil; adminName must be non-empty.
// Postcondition: Returns a Service ready to serve connections.
func NewService(reg *registry.Registry, verifier *auth.Verifier, adminName string, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		reg:       reg,
		verifier:  verifier,
		commands:  DefaultCommandRegistry(),
		adminName: adminName,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the shared channel registry.
func (s *Service) Registry() *registry.Registry {
	return s.reg
}

// Sessions returns the number of connections currently being served.
func (s *Service) Sessions() int64 {
	return s.sessions.Load()
}

// isAdminName reports whether username is the reserved administrator name.
func (s *Service) isAdminName(username string) bool {
	return strings.EqualFold(username, s.adminName)
}

// Serve runs one connection's session until the client leaves, the transport
// closes, or ctx is cancelled.
//
// Postcondition: The session's registry membership has been removed and conn is
// closed when Serve returns, including when request handling panics.
func (s *Service) Serve(ctx context.Context, conn Conn) {
	start := time.Now()
	logger := s.logger.With(observability.ConnFields(conn.ID(), conn.RemoteAddr())...)
	sess := newSession(s, conn, logger)

	s.sessions.Add(1)
	logger.Info("session started")

	reason := "transport closed"
	defer func() {
		if r := recover(); r != nil {
			logger.Error("session panicked",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			reason = fmt.Sprintf("panic: %v", r)
		}
		sess.close(false)
		if err := conn.Close(); err != nil {
			logger.Debug("closing connection", zap.Error(err))
		}
		s.sessions.Add(-1)
		logger.Info("session ended",
			zap.String("reason", reason),
			zap.String("username", sess.username),
			zap.Duration("duration", time.Since(start)),
		)
	}()

	for {
		frame, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				reason = "server shutting down"
			} else {
				logger.Debug("receive ended", zap.Error(err))
			}
			return
		}
		if sess.handle(frame) {
			reason = "client left"
			return
		}
	}
}
