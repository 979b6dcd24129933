// Package vigil is an embedded change-data-capture engine. Statements
// executed through its transactions produce atomic batches of row
// change events, delivered to registered listeners in a single global
// commit order. Dynamic view sets layer incremental predicate
// evaluation and a consistent snapshot-then-stream bootstrap on top of
// that delivery.
package vigil

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/vigildb/vigil/cfg"
	"github.com/vigildb/vigil/db"
	"github.com/vigildb/vigil/dispatch"
	"github.com/vigildb/vigil/hlc"
	"github.com/vigildb/vigil/publisher"
	_ "github.com/vigildb/vigil/publisher/sink" // register nats and kafka sink factories
	"github.com/vigildb/vigil/telemetry"
	"github.com/vigildb/vigil/view"
)

// Database is one engine instance: a statement executor, the commit
// dispatcher, the transaction manager and any configured sink workers.
type Database struct {
	exec       db.Executor
	ownsExec   bool
	clock      *hlc.Clock
	dispatcher *dispatch.Dispatcher
	manager    *db.Manager
	registry   *publisher.Registry
}

// Open loads configuration from configPath (pass "" for defaults),
// opens the configured SQLite database and assembles the engine.
func Open(configPath string) (*Database, error) {
	if err := cfg.Load(configPath); err != nil {
		return nil, err
	}
	cfg.ConfigureLogging()
	telemetry.InitializeTelemetry()

	exec, err := db.OpenSQLite(cfg.Config.SQLite)
	if err != nil {
		return nil, err
	}

	d, err := assemble(exec)
	if err != nil {
		exec.Close()
		return nil, err
	}
	d.ownsExec = true
	return d, nil
}

// OpenWith assembles the engine over a caller-provided executor using
// the current configuration. The caller retains ownership of exec.
func OpenWith(exec db.Executor) (*Database, error) {
	return assemble(exec)
}

func assemble(exec db.Executor) (*Database, error) {
	clock := hlc.NewClock(cfg.Config.OriginID)
	dispatcher := dispatch.New()
	manager := db.NewManager(exec, dispatcher, clock, cfg.Config.OriginID)

	registry, err := publisher.NewRegistry(dispatcher, cfg.Config.Sinks)
	if err != nil {
		dispatcher.Close()
		return nil, fmt.Errorf("failed to initialize sinks: %w", err)
	}

	log.Info().
		Uint64("origin_id", cfg.Config.OriginID).
		Int("sinks", len(cfg.Config.Sinks)).
		Msg("Vigil engine ready")

	return &Database{
		exec:       exec,
		clock:      clock,
		dispatcher: dispatcher,
		manager:    manager,
		registry:   registry,
	}, nil
}

// Begin opens a new transaction. Statements executed through it are
// buffered as change events and published atomically on Commit.
func (d *Database) Begin(ctx context.Context) (*db.Transaction, error) {
	return d.manager.Begin(ctx)
}

// RegisterCommittedListener subscribes l to committed batches,
// optionally reduced by filter (nil = everything). Close the returned
// handle to unsubscribe.
func (d *Database) RegisterCommittedListener(l dispatch.Listener, filter *dispatch.Filter) *dispatch.Handle {
	return d.dispatcher.RegisterCommitted(l, filter)
}

// RegisterUncommittedListener subscribes l to pre-durability batches.
// These are advisory: the transaction may still abort after delivery.
func (d *Database) RegisterUncommittedListener(l dispatch.Listener, filter *dispatch.Filter) *dispatch.Handle {
	return d.dispatcher.RegisterUncommitted(l, filter)
}

// NewViewSet builds a view set over the given queries, delivering to
// l, optionally pre-reduced by filter (nil = everything). Call Start
// on the returned set to bootstrap and go live.
func (d *Database) NewViewSet(queries []view.Query, l dispatch.Listener, filter *dispatch.Filter) (*view.Set, error) {
	return view.NewSet(d.dispatcher, d.exec, queries, l, filter, cfg.Config.Dispatch.ViewQueueSize)
}

// Dispatcher exposes the commit dispatcher for advanced wiring.
func (d *Database) Dispatcher() *dispatch.Dispatcher {
	return d.dispatcher
}

// Executor exposes the underlying statement executor.
func (d *Database) Executor() db.Executor {
	return d.exec
}

// ActiveTransactions reports transactions begun and not yet resolved.
func (d *Database) ActiveTransactions() int {
	return d.manager.Active()
}

// MetricsHandler serves Prometheus metrics for this process.
func (d *Database) MetricsHandler() http.Handler {
	return telemetry.GetMetricsHandler()
}

// Close aborts open transactions, stops sink workers and shuts the
// dispatcher down. The executor is closed only when Open created it.
func (d *Database) Close() error {
	d.manager.Close()
	d.registry.Close()
	d.dispatcher.Close()
	if d.ownsExec {
		return d.exec.Close()
	}
	return nil
}
