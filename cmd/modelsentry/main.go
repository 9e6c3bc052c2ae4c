package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"modelsentry/internal/analytics"
	"modelsentry/internal/analyzer"
	"modelsentry/internal/apikey"
	"modelsentry/internal/auth"
	"modelsentry/internal/cache"
	"modelsentry/internal/config"
	"modelsentry/internal/events"
	"modelsentry/internal/logging"
	"modelsentry/internal/notify"
	"modelsentry/internal/scanworker"
	"modelsentry/internal/server"
	"modelsentry/internal/store"
	"modelsentry/internal/threat"
	"modelsentry/internal/upload"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := config.Load()
	logging.Init(cfg.LogLevel)
	log := logging.Component("main")

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	log.Info("🛡️  ModelSentry starting")

	db, err := store.Open(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()
	log.Info("💾 Database connected")

	redisCache, err := cache.New(cfg.Redis)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisCache.Close()
	log.Info("💾 Redis connected")

	producer := events.NewProducer(cfg.Kafka, logging.Component("events"))
	defer producer.Close()

	authSvc := auth.NewService(cfg.JWTSecret, cfg.SessionSecret)
	hub := notify.NewHub(authSvc, redisCache, cfg.Notify, logging.Component("notify"))

	threatSvc := threat.NewService(db, redisCache, producer, hub, cfg.Detection, logging.Component("threat"))
	apikeySvc := apikey.NewService(db, redisCache, producer, logging.Component("apikey"))
	analyticsSvc := analytics.NewService(db, redisCache, logging.Component("analytics"))

	uploadSvc, err := upload.NewService(db, producer, cfg.Upload, logging.Component("upload"))
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize upload storage")
	}

	worker := scanworker.New(db, analyzer.New(logging.Component("analyzer")), threatSvc, producer, cfg.Worker, logging.Component("scanworker"))

	srv := server.New(cfg, server.Deps{
		Store:     db,
		Cache:     redisCache,
		Auth:      authSvc,
		APIKeys:   apikeySvc,
		Uploads:   uploadSvc,
		Threats:   threatSvc,
		Analytics: analyticsSvc,
		Hub:       hub,
	}, logging.Component("server"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		threatSvc.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.WithField("signal", sig.String()).Info("🛑 Shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.WithError(err).Error("HTTP server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown did not complete cleanly")
	}
	hub.Close()

	cancel()
	wg.Wait()

	log.Info("🛡️  ModelSentry stopped")
}
