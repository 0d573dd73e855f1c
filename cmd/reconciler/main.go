package main // Entry point for the reconciliation consumer

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/avetenim/event-ticketing/internal/cache"
	"github.com/avetenim/event-ticketing/internal/config"
	"github.com/avetenim/event-ticketing/internal/database"
	"github.com/avetenim/event-ticketing/internal/queue"
	"github.com/avetenim/event-ticketing/internal/repository"
)

// The reconciler is a separate binary so ledger catch-up keeps running
// while API replicas roll. It owns the ledger's capacity counter; the
// API never writes it.
func main() {
	_ = godotenv.Load()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to the ledger database")
	}
	defer db.Close()

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Fatal("failed to connect to redis; the consistency sweep needs the cache")
	}
	defer rdb.Close()

	ledger := repository.NewLedger(db)
	capacity := cache.NewCapacityCache(rdb)

	// The publisher here only feeds the dead-letter queue.
	publisher := queue.NewPublisher(cfg.AMQPURL, log)
	defer publisher.Close()

	rec := queue.NewReconciler(cfg.AMQPURL, ledger.Occurrences, ledger.Transactions, capacity, publisher, cfg.SweepTolerance, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go rec.RunSweep(ctx, cfg.SweepInterval)

	log.Info("reconciler starting")
	if err := rec.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("reconciler stopped")
	}
	log.Info("reconciler shut down")
}
