package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"slotshare/auth"
	"slotshare/config"
	"slotshare/db"
	"slotshare/dispute"
	"slotshare/idgen"
	"slotshare/inventory"
	"slotshare/ledger"
	"slotshare/ledger/memory"
	"slotshare/ledger/postgres"
	"slotshare/notify"
	"slotshare/outbox"
	"slotshare/payment"
	"slotshare/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := run(ctx, cfg); err != nil {
		log.Fatalf("slotshare api: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	logger := telemetry.NewLogger(cfg)
	defer func() { _ = logger.Sync() }()

	if err := idgen.Init(cfg.NodeID); err != nil {
		return err
	}

	store, dir, closeStore, err := openLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	txRetry := ledger.RetryPolicy{
		MaxAttempts:     cfg.Ledger.TxMaxAttempts,
		InitialInterval: cfg.Ledger.TxInitialDelay,
		MaxInterval:     cfg.Ledger.TxMaxDelay,
	}
	manager := inventory.NewManager(store, dir,
		inventory.WithRetryPolicy(txRetry),
		inventory.WithLogger(logger))
	engine := dispute.NewEngine(store, manager, dir,
		dispute.WithRetryPolicy(txRetry),
		dispute.WithLogger(logger))

	publisher, err := newPublisher(ctx, cfg.Notify, logger)
	if err != nil {
		return err
	}
	defer func() { _ = publisher.Close() }()

	var gateway payment.Gateway = payment.NewLogGateway(logger)
	if cfg.Payment.GatewayURL != "" {
		gateway = payment.NewHTTPGateway(cfg.Payment.GatewayURL, cfg.Payment.Timeout)
	}

	relayOpts := outbox.Options{
		BatchSize: cfg.Outbox.BatchSize,
		Lease:     cfg.Outbox.Lease,
		Interval:  cfg.Outbox.PollInterval,
	}
	eventOpts, paymentOpts := relayOpts, relayOpts
	eventOpts.Topic = ledger.TopicEvents
	paymentOpts.Topic = ledger.TopicPayments
	paymentOpts.MaxAttempts = cfg.Payment.MaxAttempts

	eventRelay := outbox.NewRelay(store, outbox.PublishEvents(publisher), eventOpts, logger)
	paymentRelay := outbox.NewRelay(store, outbox.SubmitPayments(gateway), paymentOpts, logger)
	reconciler := dispute.NewReconciler(engine, dispute.ReconcilerOptions{
		BatchSize:   cfg.Reconcile.BatchSize,
		Concurrency: cfg.Reconcile.Concurrency,
		Interval:    cfg.Reconcile.Interval,
		MinAge:      cfg.Reconcile.MinAge,
	}, logger)

	eventRelay.Start(ctx)
	paymentRelay.Start(ctx)
	reconciler.Start(ctx)
	defer eventRelay.Stop()
	defer paymentRelay.Stop()
	defer reconciler.Stop()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &Server{
		inventory: manager,
		disputes:  engine,
		directory: dir,
		tokens:    auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		logger:    logger.Named("http"),
	}
	if cfg.OTel.Enabled() {
		server.serviceName = cfg.OTel.ServiceName
	}
	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.HTTP.Addr), zap.String("ledger", cfg.Ledger.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", zap.Error(err))
	}
	return nil
}

// openLedger connects the configured store and the actor directory backing it.
func openLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (ledger.Store, auth.Directory, func(), error) {
	var fileDir *auth.StaticDirectory
	if cfg.Auth.DirectoryFile != "" {
		d, err := auth.LoadStaticDirectory(cfg.Auth.DirectoryFile)
		if err != nil {
			return nil, nil, nil, err
		}
		fileDir = d
	}

	if cfg.Ledger.Driver == "memory" {
		if fileDir == nil {
			return nil, nil, nil, errors.New("memory ledger needs a role directory file")
		}
		logger.Warn("using in-memory ledger; state is lost on exit")
		return memory.New(), fileDir, func() {}, nil
	}

	pool, err := db.NewPool(ctx, cfg.Ledger.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.Ledger.MaxConns,
		ApplicationName: cfg.OTel.ServiceName,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	applied, err := db.Migrate(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, nil, err
	}
	if len(applied) > 0 {
		logger.Info("migrations applied", zap.Strings("files", applied))
	}

	var dir auth.Directory = auth.NewPGDirectory(pool)
	if fileDir != nil {
		dir = fileDir
	}
	return postgres.New(pool), dir, pool.Close, nil
}

type closablePublisher interface {
	notify.Publisher
	Close() error
}

func newPublisher(ctx context.Context, cfg config.NotifyConfig, logger *zap.Logger) (closablePublisher, error) {
	switch cfg.Sink {
	case "kafka":
		return notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.KafkaBroker, cfg.KafkaTopic)), nil
	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		return notify.NewRedisStreamPublisher(client, cfg.RedisStream, 100_000), nil
	default:
		return notify.NewLogPublisher(logger), nil
	}
}
