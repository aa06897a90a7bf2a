/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit engine server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags (env fallback for secrets)
  2. Initialize the store (SQLite by default, Postgres with -pg)
  3. Wire ledger, cache, session manager, reconciler, review worker
  4. Configure the HTTP router
  5. Start server + expiry sweeper with graceful shutdown

COMMAND-LINE FLAGS:
  -port          HTTP server port (default: 8080)
  -db            SQLite database path (default: credits.db,
                 ":memory:" for in-memory)
  -pg            Postgres connection string; overrides -db
                 (env fallback: DATABASE_URL)
  -checkout-url  Processor hosted-checkout base URL
  -sweep         Session expiry sweep interval (default: 1m)

ENVIRONMENT:
  PROCESSOR_WEBHOOK_SECRET   HMAC secret for webhook verification
                             (required)
  DATABASE_URL               Postgres DSN fallback for -pg

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain)
  2. Stop the expiry sweeper
  3. Drain the review worker
  4. Close the store
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

	"github.com/meridian/credit-engine/api"
	"github.com/meridian/credit-engine/credit"
	"github.com/meridian/credit-engine/payment"
	"github.com/meridian/credit-engine/review"
	"github.com/meridian/credit-engine/store/postgres"
	"github.com/meridian/credit-engine/store/sqlite"
)

func main() {
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "credits.db", "SQLite database path")
	pgDSN := flag.String("pg", os.Getenv("DATABASE_URL"), "Postgres connection string (overrides -db)")
	checkoutURL := flag.String("checkout-url", "", "Processor hosted-checkout base URL")
	sweepInterval := flag.Duration("sweep", time.Minute, "Session expiry sweep interval")
	flag.Parse()

	secret := os.Getenv("PROCESSOR_WEBHOOK_SECRET")
	if secret == "" {
		log.Fatal("PROCESSOR_WEBHOOK_SECRET environment variable is required")
	}

	// Store selection
	var (
		store   credit.Store
		closeFn func()
	)
	if *pgDSN != "" {
		pg, err := postgres.New(context.Background(), *pgDSN)
		if err != nil {
			log.Fatalf("Failed to initialize Postgres: %v", err)
		}
		store, closeFn = pg, pg.Close
		log.Println("Using Postgres store")
	} else {
		sq, err := sqlite.New(*dbPath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite: %v", err)
		}
		store, closeFn = sq, func() { sq.Close() }
		log.Printf("Using SQLite store at %s", *dbPath)
	}
	defer closeFn()

	// Domain wiring
	ledger := credit.NewLedger(store)
	cache := credit.NewBalanceCache(store, credit.DefaultStaleness)
	sessions := payment.NewManager(store, cache)
	processor := payment.NewProcessor(*checkoutURL)
	verifier := payment.NewVerifier([]byte(secret))

	reviewWorker := review.NewWorker(store, review.DefaultBuffer)
	reviewWorker.Start()
	defer reviewWorker.Shutdown()

	reconciler := payment.NewReconciler(sessions, store, verifier, reviewWorker)

	// HTTP
	handler := api.NewHandler(store, ledger, cache, sessions, reconciler, processor)
	router := api.NewRouter(handler)

	sweeper := api.NewExpirySweeper(sessions)
	sweeper.CheckInterval = *sweepInterval
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	go func() {
		log.Printf("Credit engine listening on :%d", *port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
