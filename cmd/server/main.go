package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/servlink/internal/config"
	"github.com/example/servlink/internal/geo"
	"github.com/example/servlink/internal/httpapi"
	"github.com/example/servlink/internal/hub"
	"github.com/example/servlink/internal/ingest"
	"github.com/example/servlink/internal/logging"
	"github.com/example/servlink/internal/match"
	"github.com/example/servlink/internal/payments"
	"github.com/example/servlink/internal/storage"
	"github.com/example/servlink/internal/tracking"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		index = geo.NewMemoryIndex()
		logger.Info("using in-memory geo index")
	}

	var store storage.BookingStore
	var notifs storage.NotificationStore
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(cfg.PGDSN, logger)
		}
		ps, err := storage.NewPostgresBookingStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
		ns, err := storage.NewPostgresNotificationStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		notifs = ns
		logger.Info("using postgres storage")
	} else {
		store = storage.NewMemoryBookingStore()
		notifs = storage.NewMemoryNotificationStore()
		logger.Info("using in-memory storage")
	}

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		logger.Info("kafka producer enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	directions := tracking.NewOSRMClient(cfg.DirectionsBaseURL)
	matcher := &match.Service{
		Index:           index,
		Estimator:       &match.DirectionsEstimator{Directions: directions},
		Cache:           match.NewCache(time.Minute),
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		MaxCandidates:   cfg.MaxCandidates,
	}

	registry := hub.NewRegistry()
	dispatcher := hub.NewDispatcher(registry, matcher, store, notifs, logger)
	dispatcher.DefaultRadiusM = cfg.SearchRadiusM
	dispatcher.MaxCandidates = cfg.MaxCandidates
	dispatcher.DispatchExpiry = cfg.DispatchExpiry
	if cfg.StripeAPIKey != "" {
		dispatcher.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
		logger.Info("stripe payments enabled")
	}

	api := httpapi.NewServer(dispatcher, matcher, store, notifs, index, producer, []byte(cfg.JWTSecret), logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("gateway listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return
	}
	defer db.Close()
	files, _ := filepath.Glob(filepath.Join("migrations", "*.sql"))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		if _, err := db.Exec(string(b)); err != nil {
			logger.Warn("migration failed", "file", f, "error", err)
			continue
		}
		logger.Info("migration applied", "file", f)
	}
}
