package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"jimchat/internal/httpapi"
	"jimchat/internal/server"
	"jimchat/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", "", "Listen address (empty means all interfaces)")
	port := flag.Int("port", 7777, "Chat protocol listen port")
	dbPath := flag.String("db", "jimserver.db", "SQLite database path")
	apiAddr := flag.String("api", ":8080", "Admin HTTP API listen address")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if RunCLI(flag.Args(), *dbPath) {
		return
	}

	if *port <= 1023 || *port >= 65536 {
		slog.Error("port must be in range 1024-65535", "port", *port)
		os.Exit(1)
	}

	slog.Info("starting server", "version", Version, "addr", *addr, "port", *port, "db", *dbPath)

	db, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	proc := server.New(db, *addr, *port)
	if err := proc.Listen(); err != nil {
		slog.Error("bind chat listener", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	api := httpapi.New(db, proc)
	go api.Run(ctx, *apiAddr)
	slog.Info("admin api listening", "addr", *apiAddr)

	if err := proc.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}
