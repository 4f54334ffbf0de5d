package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/freight-dispatch/internal/auth"
	"github.com/example/freight-dispatch/internal/bidding"
	"github.com/example/freight-dispatch/internal/config"
	"github.com/example/freight-dispatch/internal/drivers"
	"github.com/example/freight-dispatch/internal/earnings"
	"github.com/example/freight-dispatch/internal/eta"
	"github.com/example/freight-dispatch/internal/events"
	"github.com/example/freight-dispatch/internal/geo"
	httpapi "github.com/example/freight-dispatch/internal/http"
	"github.com/example/freight-dispatch/internal/ingest"
	"github.com/example/freight-dispatch/internal/jobs"
	"github.com/example/freight-dispatch/internal/logging"
	"github.com/example/freight-dispatch/internal/matcher"
	"github.com/example/freight-dispatch/internal/models"
	"github.com/example/freight-dispatch/internal/payments"
	"github.com/example/freight-dispatch/internal/realtime"
	"github.com/example/freight-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("freight-dispatch", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	ready := map[string]httpapi.Checker{}

	var store storage.Store
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN, logger)
		if err != nil {
			return err
		}
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return err
			}
			logger.Info("migrations applied")
		}
		ready["postgres"] = pg.Ping
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using the in-memory store")
		store = storage.NewMemoryStore()
	}
	defer store.Close()

	var positions geo.Geo
	if cfg.RedisAddr != "" {
		rg := geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		defer rg.Close()
		ready["redis"] = rg.Ping
		positions = rg
	} else {
		positions = geo.NewIndex()
	}

	var pubs []events.Publisher
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		pubs = append(pubs, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic))
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer producer.Close()
	}
	if cfg.AMQPURL != "" {
		ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		pubs = append(pubs, ap)
	}

	hub := realtime.NewHub(logger, realtime.WithPingInterval(cfg.WSPingInterval))
	notifier := events.NewNotifier(hub, logger, pubs...)
	defer notifier.Close()

	// positions go to the local index and, when kafka is configured, to the
	// location topic for the consumer fleet.
	tracker := drivers.TrackerFunc(func(ctx context.Context, p models.Position) error {
		if err := positions.Upsert(ctx, p); err != nil {
			return err
		}
		if producer != nil {
			return producer.PublishLocation(ctx, p)
		}
		return nil
	})

	rank := &matcher.Service{
		Geo:             positions,
		Store:           store,
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		TopN:            cfg.MatcherTopN,
		RadiusM:         cfg.MatcherRadiusKm * 1000,
		ETACache:        eta.NewCache(cfg.ETACacheTTL),
		Log:             logger,
	}
	if cfg.OSRMURL != "" {
		rank.ETAClient = eta.NewOSRMClient(cfg.OSRMURL)
	}

	ledger := earnings.NewLedger(store, notifier, logger)
	machine := jobs.NewMachine(store, notifier, ledger, rank, logger)

	var gateway payments.Gateway
	if cfg.StripeAPIKey != "" {
		gateway = payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret, cfg.PaymentCurrency)
	}
	gate := payments.NewGate(store, machine, notifier, gateway, payments.Config{
		Policy:         payments.Policy(cfg.PaymentExpiryPolicy),
		PendingTimeout: cfg.PaymentPendingTimeout,
		SweepInterval:  cfg.PaymentSweepInterval,
	}, logger)

	verifier, err := auth.NewVerifier(cfg.JWTSecret)
	if err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Jobs:     machine,
		Bids:     bidding.NewLedger(store, machine, notifier, logger),
		Payments: gate,
		Drivers:  drivers.NewManager(store, notifier, tracker, logger),
		Earnings: ledger,
		Hub:      hub,
		Auth:     verifier,
		Logger:   logger,
		Ready:    ready,
	})

	// The sweepers notify through the notifier, so they stop before its
	// deferred Close runs.
	runCtx, cancelRun := context.WithCancel(ctx)
	var bg sync.WaitGroup
	bg.Add(2)
	go func() { defer bg.Done(); hub.Run(runCtx) }()
	go func() { defer bg.Done(); gate.Run(runCtx) }()
	defer func() {
		cancelRun()
		bg.Wait()
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	servers := []*http.Server{srv}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	errCh := make(chan error, len(servers))
	for _, s := range servers {
		go func(s *http.Server) {
			logger.Info("listening", "addr", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(s)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "addr", s.Addr, "error", err)
		}
	}
	return runErr
}
