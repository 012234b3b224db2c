// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"lendingdesk/internal/app"
	"lendingdesk/internal/auth"
	"lendingdesk/internal/chaos"
	"lendingdesk/internal/config"
	"lendingdesk/internal/eventstore"
	"lendingdesk/internal/telemetry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// The game day runs against an in-process lending engine whose journal is
// wrapped in a fault injector. It never touches a shared database.
func main() {
	observe := flag.Duration("observe", 5*time.Second, "observation window per experiment")
	pause := flag.Duration("pause", 2*time.Second, "pause between experiments")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("LENDING_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.ServiceName+"-chaos", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to set up tracing", zap.Error(err))
	}
	defer shutdownTracing(ctx)

	journal := chaos.NewFaultyJournal(eventstore.NewMemory())
	a, err := app.New(ctx, cfg, journal, logger.Named("lending"))
	if err != nil {
		logger.Fatal("failed to build lending engine", zap.Error(err))
	}

	target := chaos.Target{
		Catalog:   a.Catalog,
		Lending:   a.Lending,
		Journal:   journal,
		Librarian: auth.Principal{UserID: uuid.New(), Role: auth.RoleLibrarian},
	}
	engine := chaos.NewEngine(logger.Named("chaos"))
	engine.Register(target.Experiments(*observe)...)

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Weekly Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     *pause,
	})
	if err != nil {
		logger.Fatal("game day interrupted", zap.Error(err))
	}
	if !held {
		logger.Error("at least one hypothesis was violated")
		logger.Sync()
		os.Exit(1)
	}
}
