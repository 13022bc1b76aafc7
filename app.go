package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/otomoni/machinemon/internal/blob"
	"github.com/otomoni/machinemon/internal/config"
	"github.com/otomoni/machinemon/internal/equipment"
	"github.com/otomoni/machinemon/internal/eventlog"
	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/index/dynamo"
	"github.com/otomoni/machinemon/internal/index/memstore"
	"github.com/otomoni/machinemon/internal/index/sqlite"
	"github.com/otomoni/machinemon/internal/ingest"
	"github.com/otomoni/machinemon/internal/status"
	"github.com/otomoni/machinemon/internal/util"
)

// objectStore is what the app needs from blob storage.
type objectStore interface {
	blob.Fetcher
	blob.Lister
}

// App holds the wired engine shared by the CLI and the server.
type App struct {
	cfg      config.Snapshot
	blobs    objectStore
	store    index.Store
	events   *eventlog.Logger
	pipeline *ingest.Pipeline
	backfill *ingest.Backfiller
	indexer  *ingest.IndexBackfill
	status   *status.Service
}

// NewApp opens storage, the index and the event log described by cfg.
func NewApp(ctx context.Context, cfg *config.Snapshot) (*App, error) {
	blobs, err := blob.NewS3FromConfig(ctx, &cfg.Storage)
	if err != nil {
		return nil, util.WrapError("create blob client", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	events, err := eventlog.NewLogger(cfg.EventLogPath)
	if err != nil {
		slog.Warn("event log disabled", "path", cfg.EventLogPath, "error", err)
		events = nil
	}

	return newApp(cfg, blobs, store, events), nil
}

// newApp wires the engine around already-open dependencies.
func newApp(cfg *config.Snapshot, blobs objectStore, store index.Store, events *eventlog.Logger) *App {
	var derive equipment.Deriver = equipment.FromKey

	pipeline := &ingest.Pipeline{
		Fetcher:  blobs,
		Appender: store,
		Derive:   derive,
		Window:   cfg.AnalysisWindow,
		Retry:    ingest.RetryPolicy{Attempts: 2, Delay: cfg.RetryDelay},
		Events:   events,
	}

	return &App{
		cfg:      *cfg,
		blobs:    blobs,
		store:    store,
		events:   events,
		pipeline: pipeline,
		backfill: &ingest.Backfiller{
			Pipeline:      pipeline,
			Querier:       store,
			Levels:        store,
			Limit:         cfg.BackfillLimit,
			DefaultBucket: cfg.Storage.Bucket,
			Events:        events,
		},
		indexer: &ingest.IndexBackfill{
			Lister:     blobs,
			Appender:   store,
			KeepNewest: cfg.BackfillLimit,
			Derive:     derive,
		},
		status: &status.Service{
			Querier:          store,
			Configs:          store,
			Defaults:         cfg.Thresholds,
			Derive:           derive,
			DefaultEquipment: cfg.DefaultEquipment,
		},
	}
}

// openStore opens the index store selected by cfg.IndexStore.
func openStore(ctx context.Context, cfg *config.Snapshot) (index.Store, error) {
	switch cfg.IndexStore {
	case config.StoreDynamoDB:
		awsCfg, err := blob.AWSConfig(ctx, &cfg.Storage)
		if err != nil {
			return nil, util.WrapError("load AWS config", err)
		}
		slog.Info("using DynamoDB index", "table", cfg.TableName)
		return dynamo.NewFromConfig(awsCfg, cfg.TableName, cfg.Endpoint), nil
	case config.StoreSQLite:
		if err := util.ValidatePath("sqlite_path", cfg.SQLitePath); err != nil {
			return nil, err
		}
		slog.Info("using SQLite index", "path", cfg.SQLitePath)
		return sqlite.Open(cfg.SQLitePath)
	case config.StoreMemory:
		slog.Warn("using in-memory index; records are lost on exit")
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown index store %q", cfg.IndexStore)
	}
}

// Close releases the index and the event log.
// IngestBatch ingests events with the configured number of workers.
func (a *App) IngestBatch(ctx context.Context, events []ingest.Event) []ingest.Result {
	return a.pipeline.IngestAll(ctx, events, a.cfg.IngestWorkers)
}

func (a *App) Close() error {
	return errors.Join(a.store.Close(), a.events.Close())
}
