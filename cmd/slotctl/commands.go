package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"slotshare/auth"
	"slotshare/db"
	"slotshare/dispute"
	"slotshare/idgen"
	"slotshare/inventory"
	"slotshare/ledger"
	"slotshare/ledger/postgres"
	"slotshare/notify"
	"slotshare/outbox"
	"slotshare/payment"
)

func runMigrate(ctx context.Context, args []string, out io.Writer) error {
	var databaseURL string
	fs := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	fs.StringVar(&databaseURL, "database-url", "", "database to migrate (default $DATABASE_URL)")
	if done, err := parseFlags(fs, args, out); done || err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	pool, err := e.openPool(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.Migrate(ctx, pool)
	for _, name := range applied {
		fmt.Fprintf(out, "applied %s\n", name)
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "schema up to date")
	}
	return nil
}

// disputeEngine wires the postgres ledger the same way the API server does.
func (e *env) disputeEngine(store *postgres.Store, dir auth.Directory) *dispute.Engine {
	txRetry := ledger.RetryPolicy{
		MaxAttempts:     e.cfg.Ledger.TxMaxAttempts,
		InitialInterval: e.cfg.Ledger.TxInitialDelay,
		MaxInterval:     e.cfg.Ledger.TxMaxDelay,
	}
	manager := inventory.NewManager(store, dir,
		inventory.WithRetryPolicy(txRetry),
		inventory.WithLogger(e.logger))
	return dispute.NewEngine(store, manager, dir,
		dispute.WithRetryPolicy(txRetry),
		dispute.WithLogger(e.logger))
}

func runReconcile(ctx context.Context, args []string, out io.Writer) error {
	var (
		databaseURL string
		batch       int
		concurrency int
		minAge      time.Duration
	)
	fs := pflag.NewFlagSet("reconcile", pflag.ContinueOnError)
	fs.StringVar(&databaseURL, "database-url", "", "ledger database (default $DATABASE_URL)")
	fs.IntVar(&batch, "batch", 0, "cases to scan (default $RECONCILE_BATCH)")
	fs.IntVar(&concurrency, "concurrency", 0, "cases handled in parallel (default $RECONCILE_CONCURRENCY)")
	fs.DurationVar(&minAge, "min-age", 0, "skip resolutions decided more recently (default $RECONCILE_MIN_AGE)")
	if done, err := parseFlags(fs, args, out); done || err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	if err := idgen.Init(e.cfg.NodeID); err != nil {
		return err
	}
	pool, err := e.openPool(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	engine := e.disputeEngine(postgres.New(pool), auth.NewPGDirectory(pool))
	if batch <= 0 {
		batch = e.cfg.Reconcile.BatchSize
	}
	if concurrency <= 0 {
		concurrency = e.cfg.Reconcile.Concurrency
	}
	if minAge <= 0 {
		minAge = e.cfg.Reconcile.MinAge
	}
	stats, err := dispute.NewReconciler(engine, dispute.ReconcilerOptions{
		BatchSize:   batch,
		Concurrency: concurrency,
		MinAge:      minAge,
	}, e.logger).Run(ctx)
	fmt.Fprintf(out, "scanned=%d applied=%d reverted=%d deferred=%d\n",
		stats.Scanned, stats.Applied, stats.Reverted, stats.Deferred)
	return err
}

func runDrain(ctx context.Context, args []string, out io.Writer) error {
	var (
		databaseURL string
		topics      []string
	)
	fs := pflag.NewFlagSet("drain", pflag.ContinueOnError)
	fs.StringVar(&databaseURL, "database-url", "", "ledger database (default $DATABASE_URL)")
	fs.StringSliceVar(&topics, "topic", []string{ledger.TopicEvents, ledger.TopicPayments}, "outbox topics to drain")
	if done, err := parseFlags(fs, args, out); done || err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	pool, err := e.openPool(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	store := postgres.New(pool)

	for _, topic := range topics {
		handler, closeFn, err := e.outboxHandler(ctx, topic)
		if err != nil {
			return err
		}
		opts := outbox.Options{
			Topic:     topic,
			BatchSize: e.cfg.Outbox.BatchSize,
			Lease:     e.cfg.Outbox.Lease,
		}
		if topic == ledger.TopicPayments {
			opts.MaxAttempts = e.cfg.Payment.MaxAttempts
		}
		stats, err := outbox.NewRelay(store, handler, opts, e.logger).Drain(ctx)
		closeFn()
		fmt.Fprintf(out, "%s: delivered=%d retried=%d dead=%d\n", topic, stats.Delivered, stats.Retried, stats.Dead)
		if err != nil {
			return fmt.Errorf("drain %s: %w", topic, err)
		}
	}
	return nil
}

// outboxHandler builds the transport for topic from the environment.
func (e *env) outboxHandler(ctx context.Context, topic string) (outbox.Handler, func(), error) {
	switch topic {
	case ledger.TopicPayments:
		var gw payment.Gateway = payment.NewLogGateway(e.logger)
		if e.cfg.Payment.GatewayURL != "" {
			gw = payment.NewHTTPGateway(e.cfg.Payment.GatewayURL, e.cfg.Payment.Timeout)
		}
		return outbox.SubmitPayments(gw), func() {}, nil
	case ledger.TopicEvents:
		cfg := e.cfg.Notify
		switch cfg.Sink {
		case "kafka":
			pub := notify.NewKafkaPublisher(notify.NewKafkaWriter(cfg.KafkaBroker, cfg.KafkaTopic))
			return outbox.PublishEvents(pub), func() { _ = pub.Close() }, nil
		case "redis":
			client, err := e.redisClient(ctx, cfg.RedisURL)
			if err != nil {
				return nil, nil, err
			}
			pub := notify.NewRedisStreamPublisher(client, cfg.RedisStream, 100_000)
			return outbox.PublishEvents(pub), func() { _ = pub.Close() }, nil
		default:
			return outbox.PublishEvents(notify.NewLogPublisher(e.logger)), func() {}, nil
		}
	default:
		return nil, nil, fmt.Errorf("unknown outbox topic %q", topic)
	}
}

func (e *env) redisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func runCheck(ctx context.Context, args []string, out io.Writer) error {
	var (
		databaseURL string
		staleAfter  time.Duration
	)
	fs := pflag.NewFlagSet("check", pflag.ContinueOnError)
	fs.StringVar(&databaseURL, "database-url", "", "ledger database (default $DATABASE_URL)")
	fs.DurationVar(&staleAfter, "stale-after", 10*time.Minute, "age after which pending work counts as stuck")
	if done, err := parseFlags(fs, args, out); done || err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	pool, err := e.openPool(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	violations, err := db.CheckOracles(ctx, pool, db.Oracles(staleAfter))
	if err != nil {
		return err
	}
	return reportViolations(out, violations)
}

func reportViolations(out io.Writer, violations []db.Violation) error {
	if len(violations) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}
	for _, v := range violations {
		fmt.Fprintf(out, "FAIL %s: %s\n", v.Oracle, v.Sample)
	}
	return fmt.Errorf("%w: %d", errViolations, len(violations))
}

func runGrant(ctx context.Context, args []string, out io.Writer) error {
	var (
		databaseURL string
		id          string
		name        string
		roles       []string
	)
	fs := pflag.NewFlagSet("grant", pflag.ContinueOnError)
	fs.StringVar(&databaseURL, "database-url", "", "ledger database (default $DATABASE_URL)")
	fs.StringVar(&id, "id", "", "user id (required)")
	fs.StringVar(&name, "name", "", "display name")
	fs.StringSliceVar(&roles, "role", []string{string(auth.RoleUser)}, "roles to grant: user, staff, admin")
	if done, err := parseFlags(fs, args, out); done || err != nil {
		return err
	}
	if err := validateGrant(id, roles); err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	pool, err := e.openPool(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	const upsertSQL = `
		INSERT INTO users (id, display_name, roles)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name),
		    roles = EXCLUDED.roles
	`
	if _, err := pool.Exec(ctx, upsertSQL, id, name, roles); err != nil {
		return fmt.Errorf("grant %s: %w", id, err)
	}
	fmt.Fprintf(out, "%s: %s\n", id, strings.Join(roles, ","))
	return nil
}

func validateGrant(id string, roles []string) error {
	var errs []error
	if strings.TrimSpace(id) == "" {
		errs = append(errs, errors.New("--id is required"))
	}
	if id == auth.SystemActorID {
		errs = append(errs, fmt.Errorf("%s is reserved", auth.SystemActorID))
	}
	if len(roles) == 0 {
		errs = append(errs, errors.New("at least one --role is required"))
	}
	for _, r := range roles {
		if role := auth.Role(r); !auth.ValidRole(role) || role == auth.RoleSystem {
			errs = append(errs, fmt.Errorf("unknown role %q", r))
		}
	}
	return errors.Join(errs...)
}

func runToken(_ context.Context, args []string, out io.Writer) error {
	var (
		actor string
		ttl   time.Duration
	)
	fs := pflag.NewFlagSet("token", pflag.ContinueOnError)
	fs.StringVar(&actor, "actor", "", "actor id the token is issued for (required)")
	fs.DurationVar(&ttl, "ttl", 0, "token lifetime (default $JWT_TTL)")
	if done, err := parseFlags(fs, args, out); done || err != nil {
		return err
	}
	if actor == "" {
		return errors.New("--actor is required")
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()
	if e.cfg.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	if ttl <= 0 {
		ttl = e.cfg.Auth.TokenTTL
	}
	token, err := auth.NewTokenService(e.cfg.Auth.JWTSecret, ttl).Issue(actor)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

func runWatch(ctx context.Context, args []string, out io.Writer) error {
	var (
		group    string
		dedupTTL time.Duration
		useRedis bool
	)
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	fs.StringVar(&group, "group", "slotctl-watch", "kafka consumer group")
	fs.DurationVar(&dedupTTL, "dedup-ttl", time.Hour, "how long a delivered event id is remembered")
	fs.BoolVar(&useRedis, "redis-dedup", false, "remember event ids in $REDIS_URL instead of memory")
	if done, err := parseFlags(fs, args, out); done || err != nil {
		return err
	}

	e, err := loadEnv()
	if err != nil {
		return err
	}
	defer e.close()

	var seen notify.SeenStore = notify.NewMemorySeen()
	if useRedis {
		client, err := e.redisClient(ctx, e.cfg.Notify.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		seen = notify.NewRedisSeen(client, "slotctl:seen:")
	}

	reader := notify.NewKafkaReader(e.cfg.Notify.KafkaBroker, e.cfg.Notify.KafkaTopic, group)
	defer reader.Close()

	e.logger.Info("watching events",
		zap.Strings("brokers", e.cfg.Notify.KafkaBroker),
		zap.String("topic", e.cfg.Notify.KafkaTopic),
		zap.String("group", group))
	return notify.Consume(ctx, reader, notify.Dedupe(seen, dedupTTL, printEvent(out)), e.logger)
}

func printEvent(out io.Writer) notify.Handler {
	return func(_ context.Context, ev notify.Event) error {
		_, err := fmt.Fprintf(out, "%s %s %s %s\n", ev.Timestamp.UTC().Format(time.RFC3339), ev.Type, ev.EntityID, ev.ID)
		return err
	}
}
