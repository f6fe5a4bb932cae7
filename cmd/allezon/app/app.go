package app

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/allezon/pipeline/modules/aggregator"
	"github.com/allezon/pipeline/modules/api"
	"github.com/allezon/pipeline/modules/profilewriter"
	"github.com/allezon/pipeline/pkg/aggregate"
	"github.com/allezon/pipeline/pkg/ingest"
	"github.com/allezon/pipeline/pkg/store"
	util_log "github.com/allezon/pipeline/pkg/util/log"
)

// App owns the process lifecycle: it wires the configured target's services
// together and supervises them until a signal or a failure.
type App struct {
	cfg    Config
	logger kitlog.Logger

	Registerer prometheus.Registerer
}

func New(cfg Config) (*App, error) {
	return &App{
		cfg:        cfg,
		logger:     util_log.Logger,
		Registerer: prometheus.DefaultRegisterer,
	}, nil
}

func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := store.NewClient(a.cfg.Store, a.logger)
	if err != nil {
		return fmt.Errorf("creating store client: %w", err)
	}
	defer gateway.Close()
	retrying := store.NewRetryingClient(gateway, a.cfg.Store.Retry, a.logger)

	runAPI := a.cfg.Target == TargetAll || a.cfg.Target == TargetAPI
	runConsumer := a.cfg.Target == TargetAll || a.cfg.Target == TargetConsumer

	var svcs []services.Service

	if runAPI {
		producer, err := ingest.NewProducer(a.cfg.Kafka, a.logger, a.Registerer)
		if err != nil {
			return fmt.Errorf("creating producer: %w", err)
		}
		defer producer.Close()

		if err := ingest.WaitForBrokers(ctx, producer, a.logger); err != nil {
			return err
		}

		svcs = append(svcs, api.New(a.cfg.API, producer, retrying, a.logger, a.Registerer))
	}

	if runConsumer {
		writer, err := profilewriter.New(a.cfg.Kafka, retrying, a.logger, a.Registerer)
		if err != nil {
			return fmt.Errorf("creating profile writer: %w", err)
		}
		svcs = append(svcs, writer)

		for _, filter := range aggregate.AllFilters() {
			agg, err := aggregator.New(a.cfg.Aggregator, a.cfg.Kafka, filter, retrying, a.logger, a.Registerer)
			if err != nil {
				return fmt.Errorf("creating aggregator %s: %w", filter, err)
			}
			svcs = append(svcs, agg)
		}
	}

	manager, err := services.NewManager(svcs...)
	if err != nil {
		return fmt.Errorf("creating service manager: %w", err)
	}

	watcher := services.NewFailureWatcher()
	watcher.WatchManager(manager)

	if err := services.StartManagerAndAwaitHealthy(ctx, manager); err != nil {
		return fmt.Errorf("starting services: %w", err)
	}
	level.Info(a.logger).Log("msg", "all services running", "target", a.cfg.Target)

	var runErr error
	select {
	case <-ctx.Done():
		level.Info(a.logger).Log("msg", "received shutdown signal")
	case err := <-watcher.Chan():
		runErr = fmt.Errorf("service failed: %w", err)
		level.Error(a.logger).Log("msg", "service failed, shutting down", "err", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	manager.StopAsync()
	if err := manager.AwaitStopped(stopCtx); err != nil && runErr == nil {
		runErr = fmt.Errorf("stopping services: %w", err)
	}
	return runErr
}
