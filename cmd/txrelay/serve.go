package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/txrelay/pkg/api"
	"github.com/cuemby/txrelay/pkg/broker"
	"github.com/cuemby/txrelay/pkg/config"
	"github.com/cuemby/txrelay/pkg/log"
	"github.com/cuemby/txrelay/pkg/metrics"
	"github.com/cuemby/txrelay/pkg/notification"
	"github.com/cuemby/txrelay/pkg/scheduler"
	"github.com/cuemby/txrelay/pkg/storage"
	"github.com/cuemby/txrelay/pkg/subscription"
	"github.com/cuemby/txrelay/pkg/transaction"
	"github.com/cuemby/txrelay/pkg/types"
	"github.com/cuemby/txrelay/pkg/webhook"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notification service",
	Long: `Run the subscription manager, the notification dispatcher and the
query API. When a broker host is configured, transaction status events are
also published to the transactions.events topic.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if inMemory, _ := cmd.Flags().GetBool("in-memory"); inMemory {
			cfg.Storage.InMemory = true
		}
		if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
			cfg.API.Addr = addr
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().Bool("in-memory", false, "Keep state in memory instead of bbolt")
	serveCmd.Flags().String("api-addr", "", "Address for the query API (overrides config)")
}

func openStore(cfg config.Storage) (storage.Store, error) {
	if cfg.InMemory {
		return storage.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	return storage.NewBoltStore(cfg.DataDir)
}

func serve(cfg config.Config) error {
	logger := log.WithComponent("serve")
	metrics.SetVersion(Version)

	store, err := openStore(cfg.Storage)
	if err != nil {
		metrics.RegisterComponent("storage", false, err.Error())
		return err
	}
	defer store.Close()
	metrics.RegisterComponent("storage", true, "")

	sched := scheduler.NewScheduler()
	metrics.RegisterComponent("scheduler", true, "")

	client := webhook.NewClient(cfg.Notifications.RequestTimeout)
	signer := webhook.NewHMACSigner(cfg.Notifications.LegitimacySecret)

	dispatcher := notification.NewDispatcher(store, store, store, client, signer, sched, notification.Config{
		MaxTries:      cfg.Notifications.MaxTries,
		RetryInterval: cfg.Notifications.RetryInterval,
	})
	subscriptions := subscription.NewManager(store, dispatcher, client, sched, subscription.Config{
		MaxTries:      cfg.Notifications.MaxTries,
		RetryInterval: cfg.Notifications.RetryInterval,
		TTL:           cfg.Notifications.TTL,
	})
	tracker := transaction.NewTracker(subscriptions, store)

	if _, err := subscriptions.Resume(context.Background()); err != nil {
		sched.Stop()
		return err
	}
	if _, err := dispatcher.Resume(context.Background()); err != nil {
		sched.Stop()
		return err
	}

	gateway, err := broker.New(cfg.Broker)
	switch {
	case errors.Is(err, types.ErrBrokerNotConfigured):
		logger.Info().Msg("broker not configured, status events stay local")
	case err != nil:
		return err
	default:
		tracker.WithEventSink(gateway)
		logger.Info().Str("address", cfg.Broker.Address()).Msg("forwarding status events to broker")
	}

	server := api.NewServer(subscriptions, dispatcher).WithVersion(Version)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.API.Addr); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()

	logger.Info().
		Str("api_addr", cfg.API.Addr).
		Bool("in_memory", cfg.Storage.InMemory).
		Msg("txrelay is running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("shutting down after API failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("failed to stop API server")
	}
	sched.Stop()
	tracker.Stop()
	subscriptions.Stop()
	dispatcher.Stop()
	if gateway != nil {
		if err := gateway.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("broker shutdown finished with errors")
		}
	}

	logger.Info().Int("in_flight_transactions", tracker.Tracked()).Msg("shutdown complete")
	return runErr
}
