// Package main provides the WebSocket chat server binary.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatserver/internal/auth"
	"github.com/cory-johannsen/chatserver/internal/chat"
	"github.com/cory-johannsen/chatserver/internal/config"
	"github.com/cory-johannsen/chatserver/internal/frontend/ws"
	"github.com/cory-johannsen/chatserver/internal/observability"
	"github.com/cory-johannsen/chatserver/internal/ops"
	"github.com/cory-johannsen/chatserver/internal/registry"
	"github.com/cory-johannsen/chatserver/internal/server"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "", "path to configuration file; built-in defaults when empty")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, "chatserver")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting chat server",
		zap.String("addr", cfg.Server.Addr()),
		zap.Strings("channels", cfg.Channels.Allowed),
		zap.String("fallback", cfg.Channels.Fallback),
	)

	reg, err := registry.New(cfg.Channels.Allowed, cfg.Channels.Fallback)
	if err != nil {
		logger.Fatal("creating channel registry", zap.Error(err))
	}
	verifier := auth.NewVerifier(cfg.Admin.PasswordHash)
	if !verifier.Enabled() {
		logger.Warn("admin.password_hash is empty, administrator login is disabled")
	}

	svc := chat.NewService(reg, verifier, cfg.Admin.Username, logger)
	acceptor := ws.NewAcceptor(cfg.Server, ws.SessionHandlerFunc(func(ctx context.Context, conn *ws.Conn) {
		svc.Serve(ctx, conn)
	}), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger)

	lifecycle.Add("websocket", &server.FuncService{
		StartFn: func() error {
			return acceptor.ListenAndServe()
		},
		StopFn: func() {
			acceptor.Stop()
		},
	})

	if cfg.Ops.Enabled {
		health := ops.NewHealthServer(cfg.Ops, logger)
		lifecycle.Add("ops", &server.FuncService{
			StartFn: func() error {
				go func() {
					select {
					case <-acceptor.Ready():
						health.MarkServing()
					case <-ctx.Done():
					}
				}()
				return health.ListenAndServe()
			},
			StopFn: func() {
				health.Stop()
			},
		})
		lifecycle.OnDrain(health.MarkNotServing)
	}

	logger.Info("chat server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Bool("ops", cfg.Ops.Enabled),
		zap.String("ops_addr", cfg.Ops.Addr()),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("chat server stopped",
		zap.Int("members", reg.Count()),
		zap.Duration("uptime", time.Since(start)),
	)
}
