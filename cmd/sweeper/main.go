// Command sweeper expires overdue holds and transfers outside the API
// process. Several replicas may run; a Redis lease keeps them from
// sweeping at the same moment.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"ms-ticket-inventory/internal/app"
	"ms-ticket-inventory/internal/config"
	"ms-ticket-inventory/internal/logger"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	interval := flag.Duration("interval", 0, "time between sweeps (default SWEEP_INTERVAL)")
	batch := flag.Int("batch", 0, "rows expired per query (default SWEEP_BATCH_SIZE)")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()
	if *interval > 0 {
		cfg.Sweeper.Interval = *interval
	}
	if *batch > 0 {
		cfg.Sweeper.BatchSize = *batch
	}
	// Auth settings only matter to the API server.
	cfg.Auth.Mode = "none"

	log, err := logger.New(logger.Options{Service: "sweeper", Level: logger.ParseLevel(cfg.LogLevel)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("SWEEPER", fmt.Sprintf("Failed to initialize: %v", err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	if *once {
		res := a.Sweeper.SweepOnce(ctx)
		log.Info("SWEEPER", fmt.Sprintf("holds=%d transfers=%d tickets=%d failures=%d",
			res.HoldsExpired, res.TransfersExpired, res.TicketsExpired, res.Failures))
		if res.Failures > 0 {
			stop()
			os.Exit(1)
		}
		return
	}

	log.Info("SWEEPER", fmt.Sprintf("Sweeping every %s", cfg.Sweeper.Interval))
	if err := a.Sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("SWEEPER", fmt.Sprintf("Sweeper stopped: %v", err))
	}
}
