/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, parse command-line flags
  2. Load configuration (built-in defaults without -config)
  3. Open the SQLite outbox and the remote store
  4. Start the pipeline: load sales, re-publish the outbox, recover
  5. Start the recovery scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080, or $PORT)
  -queue-db   SQLite outbox path (default: outbox.db)
  -remote     Remote store: sqlite | postgres (default: sqlite)
  -remote-db  SQLite path or Postgres URL of the remote store
              (default: sales.db, or $DATABASE_URL for postgres)
  -config     JSON or YAML configuration file (or $SETTLEMENT_CONFIG)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Wait for in-flight inserts, close the stores
  5. Exit

EXAMPLES:
  # Local single-node setup
  ./server -queue-db=./data/outbox.db -remote-db=./data/sales.db

  # Postgres remote store
  DATABASE_URL=postgres://localhost/settlement ./server -remote=postgres

ENVIRONMENT:
  PORT, DATABASE_URL, SETTLEMENT_CONFIG; read from .env when present.

SEE ALSO:
  - api/server.go: Router configuration
  - factory/config.go: Configuration file format
  - store/sqlite, store/postgres: Storage backends
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/factory"
	"github.com/warp/settlement-engine/settlement"
	"github.com/warp/settlement-engine/store"
	"github.com/warp/settlement-engine/store/sqlite"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("[Server] No .env file loaded: %v", err)
	}

	// Flags
	port := flag.Int("port", envInt("PORT", 8080), "HTTP server port")
	queuePath := flag.String("queue-db", "outbox.db", "SQLite outbox path")
	remoteKind := flag.String("remote", store.BackendSQLite, "Remote store: sqlite or postgres")
	remoteDB := flag.String("remote-db", "", "Remote store SQLite path or Postgres URL")
	configPath := flag.String("config", os.Getenv("SETTLEMENT_CONFIG"), "Configuration file (JSON or YAML)")
	flag.Parse()

	cfg := factory.Default()
	if *configPath != "" {
		loaded, err := factory.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
		log.Printf("[Server] Configuration loaded from %s", *configPath)
	}

	// Initialize stores
	queue, err := sqlite.New(*queuePath)
	if err != nil {
		log.Fatalf("Failed to open outbox: %v", err)
	}
	defer queue.Close()

	remote, closeRemote, err := store.OpenRemote(context.Background(), *remoteKind, *remoteDB)
	if err != nil {
		log.Fatalf("Failed to open remote store: %v", err)
	}
	defer closeRemote()

	// Initialize pipeline
	pipeline := settlement.NewPipeline(remote, queue, cfg.PipelineOptions())
	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.RecoveryTimeout)
	if err := pipeline.Start(startCtx); err != nil {
		log.Printf("[Server] Warning: session start incomplete: %v", err)
	}
	cancelStart()
	defer pipeline.Close()

	handler := api.NewHandler(pipeline, cfg)
	scheduler := api.NewRecoveryScheduler(pipeline, cfg)
	handler.Scheduler = scheduler
	scheduler.Start()

	router := api.NewRouter(handler, api.RouterOptions{})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("[Server] Listening on http://localhost:%d (remote: %s)", *port, *remoteKind)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] Shutting down...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[Server] Forced to shutdown: %v", err)
	}

	log.Println("[Server] Stopped")
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}
