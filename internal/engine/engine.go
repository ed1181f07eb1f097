// Package engine wires the migration components together from settings.
// Commands build an Engine and pick the pieces they need.
package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/media-migrate/internal/batch"
	"github.com/tphakala/media-migrate/internal/conf"
	"github.com/tphakala/media-migrate/internal/datastore"
	"github.com/tphakala/media-migrate/internal/errors"
	"github.com/tphakala/media-migrate/internal/exclusion"
	"github.com/tphakala/media-migrate/internal/fetcher"
	"github.com/tphakala/media-migrate/internal/migration"
	"github.com/tphakala/media-migrate/internal/observability"
	"github.com/tphakala/media-migrate/internal/storage"
	"github.com/tphakala/media-migrate/internal/taskqueue"
)

// Engine holds every wired component of the migration stack.
type Engine struct {
	Settings     *conf.Settings
	Store        datastore.Interface
	Metrics      *observability.Metrics
	Fetcher      *fetcher.Fetcher
	Storage      *storage.Client
	Policy       *exclusion.Policy
	Coordinator  *migration.Coordinator
	Queue        taskqueue.Queue
	Orchestrator *batch.Orchestrator
}

// New opens the datastore and wires all components. The task queue runs
// until ctx is canceled.
func New(ctx context.Context, settings *conf.Settings) (*Engine, error) {
	if settings.Sentry.Enabled {
		if err := sentry.Init(sentry.ClientOptions{Dsn: settings.Sentry.DSN}); err != nil {
			return nil, fmt.Errorf("initializing telemetry: %w", err)
		}
		errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	}

	store := datastore.New(settings)
	if store == nil {
		return nil, fmt.Errorf("no database backend enabled in configuration")
	}
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("opening datastore: %w", err)
	}

	metrics := observability.NewMetrics()
	fetch := fetcher.New(&settings.Fetch, metrics)
	uploader := storage.New(&settings.Storage, metrics)
	policy := exclusion.New(&settings.Exclusion, store)

	coord := migration.New(&settings.Migrate, &settings.Storage, store, fetch, uploader, policy, metrics)

	registry := taskqueue.NewRegistry()
	queue := taskqueue.New(ctx, registry, 1, 64)

	orch := batch.New(&settings.Migrate, store, coord, queue, metrics)
	orch.RegisterHandlers(registry)

	return &Engine{
		Settings:     settings,
		Store:        store,
		Metrics:      metrics,
		Fetcher:      fetch,
		Storage:      uploader,
		Policy:       policy,
		Coordinator:  coord,
		Queue:        queue,
		Orchestrator: orch,
	}, nil
}

// Close shuts everything down in reverse wiring order.
func (e *Engine) Close() {
	e.Queue.Close()
	taskqueue.CloseLogger()
	e.Orchestrator.Close()
	e.Coordinator.Close()
	e.Policy.Close()
	e.Storage.Close()
	e.Fetcher.Close()
	if err := e.Store.Close(); err != nil {
		log.Printf("Error closing datastore: %v", err)
	}
	errors.SetTelemetryReporter(nil)
}
