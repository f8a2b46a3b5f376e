package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledgerline/ledgerline/internal/api"
	"github.com/ledgerline/ledgerline/internal/auth"
	"github.com/ledgerline/ledgerline/internal/bus"
	busnats "github.com/ledgerline/ledgerline/internal/bus/nats"
	"github.com/ledgerline/ledgerline/internal/checkpoint"
	checkpointobjectstore "github.com/ledgerline/ledgerline/internal/checkpoint/objectstore"
	checkpointpostgres "github.com/ledgerline/ledgerline/internal/checkpoint/postgres"
	"github.com/ledgerline/ledgerline/internal/config"
	"github.com/ledgerline/ledgerline/internal/dispatcher"
	eventlogpostgres "github.com/ledgerline/ledgerline/internal/eventlog/postgres"
	"github.com/ledgerline/ledgerline/internal/observability"
	s3store "github.com/ledgerline/ledgerline/internal/storage/s3"
	"github.com/ledgerline/ledgerline/internal/subscription"
)

func main() {
	os.Exit(run())
}

// run returns the exit code so deferred closes happen before the process exits.
func run() int {
	cfg, err := config.LoadFromEnv("ledgerline-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		return 1
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	db, err := eventlogpostgres.Open(context.Background(), eventlogpostgres.DBConfig{
		DSN:             cfg.EventStore.DSN,
		MaxOpenConns:    cfg.EventStore.MaxOpenConns,
		MaxIdleConns:    cfg.EventStore.MaxIdleConns,
		ConnMaxIdleTime: cfg.EventStore.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.EventStore.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open event store db", slog.Any("error", err))
		return 1
	}
	defer func() { _ = db.Close() }()

	eventLog := eventlogpostgres.NewLog(db)
	readiness := []api.ReadinessCheck{
		func(ctx context.Context) error { return eventlogpostgres.Ping(ctx, db, time.Second) },
	}

	var checkpointRepo checkpoint.Repository
	switch cfg.Checkpoint.Backend {
	case config.CheckpointBackendObjectStore:
		objectStore, err := s3store.New(context.Background(), s3store.Config{
			Endpoint:         cfg.ObjectStore.Endpoint,
			Region:           cfg.ObjectStore.Region,
			Bucket:           cfg.ObjectStore.Bucket,
			AccessKeyID:      cfg.ObjectStore.AccessKeyID,
			SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
			UseSSL:           cfg.ObjectStore.UseSSL,
			Prefix:           cfg.ObjectStore.Prefix,
			AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
		})
		if err != nil {
			logger.Error("failed to initialize object store", slog.Any("error", err))
			return 1
		}
		checkpointRepo = checkpointobjectstore.NewRepository(objectStore)
		readiness = append(readiness, api.CheckHealth("object store", objectStore))
	default:
		checkpointRepo = checkpointpostgres.NewRepository(db)
	}
	checkpoints := checkpoint.NewStore(checkpointRepo, checkpoint.Config{
		PersistTimeout: cfg.Checkpoint.PersistTimeout,
		LoadTimeout:    cfg.Checkpoint.LoadTimeout,
		RetryBackoff:   cfg.Checkpoint.RetryBackoff,
	}, logger)

	consents, err := subscription.ParseConsents(cfg.Subscription.Consents)
	if err != nil {
		logger.Error("failed to parse subscription consents", slog.Any("error", err))
		return 1
	}
	registry := subscription.NewRegistry(subscription.Dependencies{
		Log:     eventLog,
		Consent: consents,
		Logger:  logger,
	}, subscription.Config{
		CatchupBatchSize: cfg.Subscription.CatchupBatchSize,
		AckTimeout:       cfg.Subscription.AckTimeout,
		RetryBase:        cfg.Subscription.RetryBase,
		RetryJitter:      cfg.Subscription.RetryJitter,
		RetryMax:         cfg.Subscription.RetryMax,
	})

	commits := bus.Fanout{bus.Local{Handler: registry}}
	var bridge *busnats.Bridge
	if cfg.NATS.Enabled {
		bridge, err = busnats.Connect(busnats.Config{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			Name:          cfg.Service.Name,
		}, logger)
		if err != nil {
			logger.Error("failed to connect to nats", slog.Any("error", err))
			return 1
		}
		defer func() { _ = bridge.Close() }()
		if err := bridge.Listen(registry); err != nil {
			logger.Error("failed to subscribe to commit notifications", slog.Any("error", err))
			return 1
		}
		commits = append(commits, bridge)
		readiness = append(readiness, api.CheckHealth("nats", bridge))
	}

	deps := api.Dependencies{
		Logger:            logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
		Log:               eventLog,
		Commits:           commits,
		Subscriptions:     registry,
		Checkpoints:       checkpoints,
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			return 1
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Dispatcher.Enabled {
		poller := &dispatcher.Service{
			Log:        eventLog,
			Watermarks: registry,
			Handler:    registry,
			Config: dispatcher.Config{
				PollInterval: cfg.Dispatcher.PollInterval,
				BatchSize:    cfg.Dispatcher.BatchSize,
			},
			Logger: logger,
		}
		group.Go(func() error {
			if err := poller.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down api server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			_ = server.Close()
			return err
		}
		return nil
	})

	exitCode := 0
	if err := group.Wait(); err != nil {
		logger.Error("api server failed", slog.Any("error", err))
		exitCode = 1
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), cfg.Checkpoint.ShutdownTimeout)
	defer cancel()
	if err := registry.Shutdown(drainCtx); err != nil {
		logger.Error("subscription shutdown failed", slog.Any("error", err))
		exitCode = 1
	}
	if err := checkpoints.Shutdown(drainCtx); err != nil {
		logger.Error("checkpoint flush failed", slog.Any("error", err))
		exitCode = 1
	}
	if exitCode == 0 {
		logger.Info("api server stopped")
	}
	return exitCode
}
