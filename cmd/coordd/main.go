package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/subtlefox/coordd/internal/api"
	"github.com/subtlefox/coordd/internal/config"
	"github.com/subtlefox/coordd/internal/events"
	"github.com/subtlefox/coordd/internal/export"
	"github.com/subtlefox/coordd/internal/locks"
	"github.com/subtlefox/coordd/internal/memory"
	"github.com/subtlefox/coordd/internal/queue"
	"github.com/subtlefox/coordd/internal/registry"
	"github.com/subtlefox/coordd/internal/state"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	eventLog := events.NewLog(db)
	lockMgr := locks.NewManager(db, eventLog)
	reg := registry.NewRegistry(db, lockMgr, eventLog)
	mem := memory.NewStore(db, eventLog)
	taskQueue := queue.NewQueue(db, eventLog)

	var contextExport *export.Writer
	if cfg.ContextExport {
		contextExport = &export.Writer{
			Path:     cfg.ContextPath,
			Registry: reg,
			Locks:    lockMgr,
			Queue:    taskQueue,
		}
	}

	apiServer := &api.Server{
		Registry: reg,
		Memory:   mem,
		Locks:    lockMgr,
		Queue:    taskQueue,
		Events:   eventLog,
		Export:   contextExport,
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("coordd listening on %s (db %s)", listener.Addr(), cfg.DBPath)
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
