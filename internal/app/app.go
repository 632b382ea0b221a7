// Package app wires the services shared by the API server and the
// standalone sweeper.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"ms-ticket-inventory/internal/catalog"
	"ms-ticket-inventory/internal/checkout"
	"ms-ticket-inventory/internal/clock"
	"ms-ticket-inventory/internal/config"
	"ms-ticket-inventory/internal/database"
	"ms-ticket-inventory/internal/database/migrations"
	"ms-ticket-inventory/internal/expiry"
	"ms-ticket-inventory/internal/holds"
	"ms-ticket-inventory/internal/inventory"
	"ms-ticket-inventory/internal/kafka"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/notify"
	"ms-ticket-inventory/internal/promo"
	"ms-ticket-inventory/internal/sse"
	"ms-ticket-inventory/internal/sweeper"
	"ms-ticket-inventory/internal/tickets"
	"ms-ticket-inventory/internal/tickets/qr"
)

type App struct {
	Config *config.Config
	Logger *logger.Logger

	DB     *database.DB
	Redis  *redis.Client
	Events *notify.Dispatcher
	Scans  *sse.ScanFeed

	Catalog  *catalog.Store
	Ledger   *inventory.Ledger
	Promos   *promo.Validator
	Holds    *holds.Manager
	Tickets  *tickets.Engine
	Checkout *checkout.Coordinator
	Sweeper  *sweeper.Sweeper
}

// Build connects to the stores and assembles the services. Redis is
// optional: without it holds and transfers still expire through the sweeper.
func Build(ctx context.Context, cfg *config.Config, log *logger.Logger) (*App, error) {
	db, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: log, DB: db, Scans: sse.NewScanFeed()}

	if cfg.Database.AutoMigrate {
		if err := Migrate(cfg.Database, log); err != nil {
			a.Close(ctx)
			return nil, err
		}
	}

	if cfg.Redis.Enabled {
		client, err := ConnectRedis(ctx, cfg.Redis, log)
		if err != nil {
			log.Warn("REDIS", fmt.Sprintf("Running without expiry triggers: %v", err))
		} else {
			a.Redis = client
		}
	}

	a.Events = notify.NewDispatcher(NewNotifier(cfg, log), log, notify.DispatcherOptions{
		BufferSize: cfg.Notify.BufferSize,
		Workers:    cfg.Notify.Workers,
	})
	a.Events.Start()

	clk := clock.NewSystem()
	holdOpts := []holds.Option{holds.WithNotifier(a.Events)}
	ticketOpts := []tickets.Option{tickets.WithNotifier(a.Events), tickets.WithScanPublisher(a.Scans)}
	var sweepOpts []sweeper.Option
	if a.Redis != nil {
		sched := expiry.NewScheduler(a.Redis, clk, log)
		holdOpts = append(holdOpts, holds.WithScheduler(sched))
		ticketOpts = append(ticketOpts, tickets.WithScheduler(sched))
		sweepOpts = append(sweepOpts, sweeper.WithLease(expiry.NewLease(a.Redis, expiry.LeaseKey, cfg.Sweeper.LeaseTTL)))
	}

	a.Catalog = catalog.NewStore(db, clk, log)
	a.Ledger = inventory.NewLedger(db, log, inventory.WithAlerts(a.Events))
	a.Promos = promo.NewValidator(db, clk, log)
	a.Holds = holds.NewManager(db, a.Ledger, a.Promos, cfg.Holds, log, holdOpts...)
	a.Tickets = tickets.NewEngine(db, a.Catalog, qr.NewSigner(cfg.QR.Secret, cfg.QR.Size), cfg.Transfers, log, ticketOpts...)
	a.Checkout = checkout.NewCoordinator(db, a.Holds, a.Ledger, a.Promos, a.Tickets, log, checkout.WithNotifier(a.Events))
	a.Sweeper = sweeper.New(a.Holds, a.Tickets, cfg.Sweeper, log, sweepOpts...)
	return a, nil
}

// ExpiryListener returns the Redis expiry subscription, or nil without Redis.
func (a *App) ExpiryListener() *expiry.Listener {
	if a.Redis == nil {
		return nil
	}
	return expiry.NewListener(a.Redis, a.Holds, a.Tickets, a.Logger)
}

// Close drains pending notifications and closes the connections.
func (a *App) Close(ctx context.Context) {
	if a.Events != nil {
		if err := a.Events.Close(ctx); err != nil {
			a.Logger.Error("NOTIFY", fmt.Sprintf("Failed to close notifier: %v", err))
		}
		if n := a.Events.Dropped(); n > 0 {
			a.Logger.Warn("NOTIFY", fmt.Sprintf("%d notifications were dropped", n))
		}
	}
	if a.Redis != nil {
		a.Redis.Close()
	}
	if err := a.DB.Close(); err != nil {
		a.Logger.Error("DATABASE", fmt.Sprintf("Failed to close database: %v", err))
	}
}

func ConnectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection error: %w", err)
	}
	log.Info("REDIS", fmt.Sprintf("Redis connection successful to %s (DB: %d)", cfg.Addr, cfg.DB))
	return client, nil
}

// NewNotifier picks the notification backend named in cfg.Notify.
func NewNotifier(cfg *config.Config, log *logger.Logger) notify.Notifier {
	switch cfg.Notify.Backend {
	case "kafka":
		topic := cfg.Kafka.NotificationsTopic
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, []string{topic}, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		return kafka.NewProducer(cfg.Kafka.Brokers, topic, log)
	case "amqp":
		return notify.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Queue, log)
	default:
		return &notify.LogNotifier{Logger: log}
	}
}

// Migrate applies pending schema migrations on a connection of its own.
func Migrate(cfg config.DatabaseConfig, log *logger.Logger) error {
	sqldb, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	runner := migrations.NewRunner(sqldb, log)
	defer runner.Close()
	return runner.MigrateUp()
}
