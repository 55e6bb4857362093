package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/netbridge/internal/api"
	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/backend/httpengine"
	"github.com/seantiz/netbridge/internal/config"
	"github.com/seantiz/netbridge/internal/engine"
	"github.com/seantiz/netbridge/internal/store"
)

// engineShutdownTimeout bounds how long in-flight requests get to deliver
// their terminal callbacks after the HTTP server stopped.
const engineShutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("netbridge: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"backend", cfg.Backend,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	reg := backend.NewRegistry()
	httpengine.Register(reg,
		httpengine.WithLogger(logger),
		httpengine.WithMaxRedirects(cfg.MaxRedirects),
	)

	b, err := reg.Resolve(cfg.Backend)
	if err != nil {
		log.Fatalf("failed to resolve backend: %v", err)
	}

	eng := engine.New(b, db, cfg.EngineConfig(), logger)
	if err := eng.Start(); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}

	srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	runErr := srv.Run(sigCtx)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
