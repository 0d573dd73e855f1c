package main // Entry point for the ticketing API server

import (
	"github.com/joho/godotenv"    // .env loader for local development
	"github.com/labstack/echo/v4" // Echo web framework
	"github.com/sirupsen/logrus"  // structured logging

	"github.com/avetenim/event-ticketing/internal/cache"
	"github.com/avetenim/event-ticketing/internal/config"
	"github.com/avetenim/event-ticketing/internal/database"
	"github.com/avetenim/event-ticketing/internal/handler"
	"github.com/avetenim/event-ticketing/internal/lock"
	"github.com/avetenim/event-ticketing/internal/middleware"
	"github.com/avetenim/event-ticketing/internal/payment"
	"github.com/avetenim/event-ticketing/internal/queue"
	"github.com/avetenim/event-ticketing/internal/repository"
	"github.com/avetenim/event-ticketing/internal/router"
	"github.com/avetenim/event-ticketing/internal/service"
)

func main() {
	_ = godotenv.Load() // best effort; real deployments set the environment directly

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.Load()
	if cfg.Env == "dev" {
		log.SetLevel(logrus.DebugLevel)
	}

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to the ledger database")
	}
	defer db.Close()

	rdb := config.NewRedisClient()
	if rdb == nil {
		log.Fatal("failed to connect to redis; the capacity cache is required")
	}
	defer rdb.Close()

	ledger := repository.NewLedger(db)
	capacity := cache.NewCapacityCache(rdb)
	locks := lock.NewManager(rdb)
	publisher := queue.NewPublisher(cfg.AMQPURL, log)
	defer publisher.Close()

	var authorizer payment.Authorizer
	if cfg.PaymentURL != "" {
		authorizer = payment.NewGatewayClient(cfg.PaymentURL, cfg.PaymentTimeout)
	} else {
		// No gateway configured: approve everything except requests
		// that explicitly ask to be declined.  Dev and test only.
		log.Warn("PAYMENT_URL not set, using the stub authorizer")
		authorizer = payment.Stub{}
	}

	orchestrator := service.NewOrchestrator(locks, capacity, ledger, authorizer, publisher, service.OrchestratorConfig{
		LockTTL:        cfg.LockTTL,
		LockMaxRetries: cfg.LockMaxRetries,
		LockRetryDelay: cfg.LockRetryDelay,
		TokenSecret:    []byte(cfg.TxnTokenSecret),
	}, log)

	e := echo.New()
	e.HideBanner = true

	limiter := middleware.RateLimit(config.LoadRateLimitConfig(), rdb, log)

	events := handler.NewEventHandler(ledger.Occurrences, capacity)
	router.RegisterRoutes(e)
	router.RegisterTicketing(e, handler.NewTicketHandler(orchestrator), events, cfg.JWTSecret, limiter)
	router.RegisterAdmin(e, events, cfg.JWTSecret)

	addr := ":" + cfg.Port
	log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env}).Info("server listening")
	if err := e.Start(addr); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}
