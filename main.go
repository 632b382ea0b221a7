package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"ms-ticket-inventory/internal/api"
	"ms-ticket-inventory/internal/app"
	"ms-ticket-inventory/internal/auth"
	"ms-ticket-inventory/internal/config"
	"ms-ticket-inventory/internal/kafka"
	"ms-ticket-inventory/internal/logger"
	"ms-ticket-inventory/internal/payment"
)

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(logger.Options{Service: "ticket-inventory", Level: logger.ParseLevel(cfg.LogLevel)})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Close()

	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("APP", "Starting ticket inventory service")
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		log.Fatal("APP", fmt.Sprintf("Failed to initialize: %v", err))
	}

	authMiddleware, err := auth.NewMiddleware(ctx, cfg.Auth)
	if err != nil {
		log.Fatal("AUTH", fmt.Sprintf("Failed to set up authentication: %v", err))
	}
	log.Info("AUTH", fmt.Sprintf("Authentication mode: %s", cfg.Auth.Mode))

	handler := api.NewHandler(api.Services{
		Holds:     a.Holds,
		Checkout:  a.Checkout,
		Promos:    a.Promos,
		Tickets:   a.Tickets,
		Inventory: a.Ledger,
		Catalog:   a.Catalog,
		Sweeper:   a.Sweeper,
		Webhooks:  payment.NewStripeAdapter(cfg.Stripe.WebhookSecret, a.Checkout, log),
		Scans:     a.Scans,
	}, api.Options{
		Auth:         authMiddleware,
		EnforceRoles: cfg.Auth.Mode != "none",
		ScannerRole:  cfg.Auth.ScannerRole,
		AdminRole:    cfg.Auth.AdminRole,
	}, log)

	var wg sync.WaitGroup
	background := func(name string, run func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("APP", fmt.Sprintf("%s stopped: %v", name, err))
			}
		}()
	}

	if cfg.Sweeper.Enabled {
		background("sweeper", a.Sweeper.Run)
	}
	if listener := a.ExpiryListener(); listener != nil {
		background("expiry listener", listener.Listen)
	}
	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.PaymentResultsTopic, cfg.Kafka.GroupID, a.Checkout, log)
		defer consumer.Close()
		background("payment consumer", consumer.Start)
	}

	server := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     handler.Routes(),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
		// Request contexts end with ctx so open scan streams let Shutdown finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Ticket inventory service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	<-ctx.Done()
	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}
	wg.Wait()
	a.Close(ctxShutdown)
	log.Info("APP", "Ticket inventory service shutdown complete")
}
