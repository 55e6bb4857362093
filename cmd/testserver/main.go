// testserver starts a netbridge API server over the scripted backend for E2E
// testing. No request leaves the process.
// Usage: go run ./cmd/testserver
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/netbridge/internal/api"
	"github.com/seantiz/netbridge/internal/backend"
	"github.com/seantiz/netbridge/internal/backend/backendtest"
	"github.com/seantiz/netbridge/internal/engine"
	"github.com/seantiz/netbridge/internal/model"
	"github.com/seantiz/netbridge/internal/store"
)

// scriptedSite registers the URLs the E2E suite relies on.
func scriptedSite() *backendtest.Engine {
	b := backendtest.New(backendtest.WithFallback(backendtest.Script{
		StatusCode: 404,
		StatusText: "Not Found",
		Body:       []byte("not found"),
	}))

	b.Handle("https://test.netbridge/hello", backendtest.Script{
		Headers: model.Headers{{Name: "Content-Type", Value: "text/plain"}},
		Body:    []byte("hello from netbridge"),
		Delay:   100 * time.Millisecond,
	})
	b.Handle("https://test.netbridge/redirect", backendtest.Script{
		Redirects: []backendtest.Redirect{
			{StatusCode: 302, Location: "https://test.netbridge/hop"},
			{StatusCode: 301, Location: "https://test.netbridge/hello"},
		},
		Body: []byte("hello from netbridge"),
	})
	b.Handle("https://test.netbridge/slow", backendtest.Script{
		Body:      make([]byte, 64<<10),
		ChunkSize: 1 << 10,
		Delay:     50 * time.Millisecond,
	})
	b.Handle("https://test.netbridge/hang", backendtest.Script{Hang: true})
	b.Handle("https://test.netbridge/broken", backendtest.Script{
		Fail: &backend.Error{Code: backend.ErrorConnectionReset, Message: "connection reset by peer"},
	})
	return b
}

func main() {
	addr := ":8080"
	if v := os.Getenv("NETBRIDGE_LISTEN_ADDR"); v != "" {
		addr = v
	}

	db, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	site := scriptedSite()
	reg := backend.NewRegistry()
	reg.Register("scripted", site)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	eng := engine.New(site, db, engine.DefaultConfig(), logger)
	if err := eng.Start(); err != nil {
		log.Fatalf("failed to start engine: %v", err)
	}
	srv := api.NewServer(addr, db, reg, eng, logger)

	logger.Info("testserver: starting", "addr", addr)
	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	runErr := srv.Run(sigCtx)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Shutdown(ctx); err != nil {
		logger.Error("engine shutdown", "error", err)
	}
	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
}
