// Package main provides the interactive terminal chat client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/cory-johannsen/chatserver/internal/client"
	"github.com/cory-johannsen/chatserver/internal/config"
	"github.com/cory-johannsen/chatserver/internal/observability"
)

func main() {
	addr := flag.String("addr", "localhost:8765", "chat server address (host:port)")
	channel := flag.String("channel", "public", "channel joined by the first login")
	noColor := flag.Bool("no-color", false, "disable coloured output")
	logLevel := flag.String("log-level", "error", "client log level")
	flag.Parse()

	if !strings.Contains(*addr, ":") {
		fmt.Fprintf(os.Stderr, "invalid address %q: expected host:port\n", *addr)
		os.Exit(2)
	}

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *logLevel, Format: "console"}, "")
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{Addr: *addr, Channel: *channel, Colors: !*noColor}, os.Stdout, logger)
	if err := c.Run(ctx, os.Stdin); err != nil && ctx.Err() == nil {
		logger.Error("client stopped", zap.Error(err))
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
