/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the obligation engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Initialize SQLite store
  3. Wire processor, transmission queue, worker and sweep
  4. Configure HTTP router
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port            HTTP server port (default: 8080)
  -db              SQLite database path (default: obligations.db)
                   Use ":memory:" for an in-memory database
  -sweep-interval  Interval between authoritative transmission sweeps
  -queue-size      Capacity of the lossy transmission queue

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweep and the queue worker
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/obligations.db"

  # Run with a faster sweep for local testing
  ./server -db=":memory:" -sweep-interval=10s

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
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
	"syscall"
	"time"

	"github.com/warp/obligation-engine/api"
	"github.com/warp/obligation-engine/engine"
	"github.com/warp/obligation-engine/store/sqlite"
	"github.com/warp/obligation-engine/transmit"
)

func main() {
	// Flags
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "obligations.db", "SQLite database path")
	sweepInterval := flag.Duration("sweep-interval", 15*time.Minute, "Interval between transmission sweeps")
	queueSize := flag.Int("queue-size", 256, "Capacity of the transmission queue")
	flag.Parse()

	// Initialize store
	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	// Transmission subsystem: lossy queue for latency, sweep for correctness
	queue := transmit.NewQueue(*queueSize)
	transmitter := transmit.NewTransmitter(store, transmit.LoggingClient{})

	worker := transmit.NewWorker(queue, transmitter)
	worker.Start()
	defer worker.Stop()

	sweep := transmit.NewSweep(store, transmitter, store)
	sweep.Interval = *sweepInterval
	sweep.Start()
	defer sweep.Stop()

	// Ingestion pipeline
	processor := engine.NewProcessor(store)
	processor.Notify = func(id engine.ObligationID) {
		if !queue.Enqueue(id) {
			// Dropped, the next sweep picks it up.
			log.Printf("[Main] transmission queue full, obligation %s deferred to sweep", id)
		}
	}

	// Create router
	handler := api.NewHandler(processor, store, store, transmitter, sweep)
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("🚀 Server starting on http://localhost:%d", *port)
		log.Printf("📊 API available at http://localhost:%d/api", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
