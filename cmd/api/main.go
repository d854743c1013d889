// Package main is the entry point for the agentsync API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/capitalize-ai/agentsync/internal/auth"
	"github.com/capitalize-ai/agentsync/internal/config"
	"github.com/capitalize-ai/agentsync/internal/handler"
	natsclient "github.com/capitalize-ai/agentsync/internal/nats"
	"github.com/capitalize-ai/agentsync/internal/outbox"
	"github.com/capitalize-ai/agentsync/internal/service"
	"github.com/capitalize-ai/agentsync/internal/snapshot"
	"github.com/capitalize-ai/agentsync/internal/store"
	"github.com/capitalize-ai/agentsync/pkg/logger"
	"github.com/capitalize-ai/agentsync/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentsync: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load(os.Getenv("AGENTSYNC_CONFIG"))
	if err != nil {
		return err
	}

	// Initialize logger
	log, err := logger.NewWithOptions(logger.Options{
		Level:  cfg.Logging.Level,
		Format: logger.Format(cfg.Logging.Format),
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting agentsync server", zap.String("store_driver", cfg.Store.Driver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.Tracing.Enabled {
		tp, err := tracing.InitTracer(ctx, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint, cfg.Tracing.SampleRatio)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Open the store; migrations run before the first query.
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, store.WithLogger(log))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()
	log.Info("store opened", zap.String("driver", st.Driver()))

	// Outbox transports
	registry := outbox.NewRegistry()
	var (
		natsConn    handler.ConnChecker
		natsStreams *natsclient.StreamManager
	)
	if cfg.NATS.Enabled {
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:            cfg.NATS.URL,
			CAFile:         cfg.NATS.CAFile,
			CertFile:       cfg.NATS.CertFile,
			KeyFile:        cfg.NATS.KeyFile,
			Token:          cfg.NATS.Token,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
		}, log)
		if err != nil {
			return err
		}
		defer nc.Close()
		natsConn = nc

		natsStreams = natsclient.NewStreamManager(nc.JetStream(), natsclient.BridgeConfig{
			Stream:    cfg.NATS.Stream,
			Subject:   cfg.NATS.Subject,
			DupWindow: cfg.NATS.DupWindow,
		})
		if err := natsStreams.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure bridge stream: %w", err)
		}
		registry.Register(outbox.NewNATSTransport(natsStreams))
	}
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		registry.Register(outbox.NewRedisTransport(rdb, cfg.Redis.Stream, cfg.Redis.MaxLen))
	}
	if cfg.Webhook.Enabled {
		registry.Register(outbox.NewWebhookTransport(cfg.Webhook.URL, cfg.Webhook.Timeout))
	}
	retry := outbox.BackoffPolicy{Initial: cfg.Outbox.RetryInitial, Max: cfg.Outbox.RetryMax}

	// Initialize services
	streamSvc := service.NewStreamService(st, log)
	presenceSvc := service.NewPresenceService(st, cfg.Presence.Window, log)
	coordinationSvc := service.NewCoordinationService(st, log)
	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.JWTExpiration)

	// Initialize handlers
	syncHandler := handler.NewSyncHandler(streamSvc, handler.SyncOptions{
		HeartbeatInterval: cfg.Sync.HeartbeatInterval,
		PollInterval:      cfg.Sync.PollInterval,
		BatchSize:         cfg.Sync.BatchSize,
		RefreshLead:       cfg.Auth.RefreshLead,
	}, log)
	router := handler.NewRouter(handler.Handlers{
		Health:       handler.NewHealthHandler(st, natsConn),
		Streams:      handler.NewStreamHandler(streamSvc, log),
		Checkpoints:  handler.NewCheckpointHandler(streamSvc, log),
		Outbox:       handler.NewOutboxHandler(st, registry.Names(), retry, log),
		Presence:     handler.NewPresenceHandler(presenceSvc, log),
		Coordination: handler.NewCoordinationHandler(coordinationSvc, log),
		Snapshots:    handler.NewSnapshotHandler(snapshot.NewBuilder(st, cfg.Presence.Window), log),
		Auth:         handler.NewAuthHandler(issuer, log),
		Sync:         syncHandler,
	}, handler.RouterOptions{
		Issuer:         issuer,
		Logger:         log,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.RateLimit.Requests,
		RateWindow:     cfg.RateLimit.Window,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	if cfg.Outbox.Enabled {
		drainer := outbox.NewDrainer(st, registry, outbox.Config{
			Workers:      cfg.Outbox.Workers,
			BatchSize:    cfg.Outbox.BatchSize,
			PollInterval: cfg.Outbox.PollInterval,
			Lease:        cfg.Outbox.Lease,
			Retry:        retry,
		}, log)
		g.Go(func() error { return drainer.Run(gctx) })
	}

	if natsStreams != nil {
		g.Go(func() error {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					if err := natsStreams.RecordMetrics(gctx); err != nil {
						log.Warn("failed to record bridge stream metrics", zap.Error(err))
					}
				}
			}
		})
	}

	// Wait for a shutdown signal or a component failure.
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		// Hijacked sync connections are not closed by Shutdown; tell clients first.
		syncHandler.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
