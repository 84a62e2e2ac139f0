/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commission engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment, apply flag overrides
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL)
  4. Optionally load a seed book
  5. Create engine, API handler and router
  6. Start the cadence scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: $PORT or 8080)
  -db      SQLite database path (default: $DB_PATH or commission.db)
           Use ":memory:" for in-memory database
  -seed    Book JSON file with agents, schedules, policies and terms

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight run)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/commission.db"

  # Run against PostgreSQL
  DB_DRIVER=postgres DATABASE_URL=postgres://localhost/commission ./server

  # Seed an in-memory database
  ./server -db=":memory:" -seed=book.json

ENVIRONMENT:
  See config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Cadence scheduler
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Stores
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/commission"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/factory"
	"github.com/warp/commission-engine/observability"
	"github.com/warp/commission-engine/store/postgres"
	"github.com/warp/commission-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	seed := flag.String("seed", "", "Book JSON file to load at startup")
	flag.Parse()
	cfg.Server.Port = *port
	cfg.Database.Path = *dbPath

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx := context.Background()

	// Initialize store
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	if *seed != "" {
		if err := loadSeed(ctx, store, *seed); err != nil {
			logger.Fatal("Failed to load seed book", zap.String("path", *seed), zap.Error(err))
		}
		logger.Info("Seed book loaded", zap.String("path", *seed))
	}

	engine := commission.NewEngine(store, logger, cfg.CommissionConfig()).
		WithRecorder(observability.NewRecorder())

	handler := api.NewHandler(store, engine, logger)
	router := api.NewRouter(handler)

	scheduler := api.NewCadenceScheduler(engine, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.RenewalMonth = cfg.Scheduler.RenewalRunMonth
	scheduler.RenewalDay = cfg.Scheduler.RenewalRunDay
	scheduler.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db_driver", cfg.Database.Driver),
			zap.String("environment", cfg.Logger.Environment),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (commission.Repository, error) {
	if cfg.Database.Driver == config.DriverPostgres {
		pg, err := postgres.New(ctx, postgres.Config{
			DatabaseURL: cfg.Database.DatabaseURL,
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
		}, logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}

	lite, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	return lite, nil
}

func loadSeed(ctx context.Context, repo commission.Repository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	book, err := factory.NewScheduleFactory().ParseBook(data)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range book.Agents {
		if book.Agents[i].CreatedAt.IsZero() {
			book.Agents[i].CreatedAt = now
		}
	}
	return book.Load(ctx, repo)
}
