package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/analyzer"
	"github.com/sells-group/ingest-cli/internal/budget"
	"github.com/sells-group/ingest-cli/internal/dispatch"
	"github.com/sells-group/ingest-cli/internal/gate"
	"github.com/sells-group/ingest-cli/internal/miner"
	"github.com/sells-group/ingest-cli/internal/monitoring"
	"github.com/sells-group/ingest-cli/internal/normalizer"
	"github.com/sells-group/ingest-cli/internal/router"
	"github.com/sells-group/ingest-cli/internal/store"
	"github.com/sells-group/ingest-cli/internal/supervisor"
	"github.com/sells-group/ingest-cli/pkg/embed"
	"github.com/sells-group/ingest-cli/pkg/reasoner"
)

// ingestEnv holds the initialized store, dispatcher, and supervisor
// shared by the ingest/batch/serve commands.
type ingestEnv struct {
	Store      store.Store
	Dispatcher *dispatch.Dispatcher
	Supervisor *supervisor.Supervisor
	Collector  *monitoring.Collector

	cancel context.CancelFunc
}

// Close drains the dispatcher and releases the store.
func (e *ingestEnv) Close() {
	if e.Dispatcher != nil {
		e.Dispatcher.Shutdown()
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore picks the backend from config: postgres when a database URL
// is set, sqlite when a path is set, memory otherwise.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store: postgres driver requires database_url")
		}
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	case "sqlite":
		if cfg.Store.SQLitePath == "" {
			return nil, eris.New("store: sqlite driver requires sqlite_path")
		}
		return store.NewSQLite(cfg.Store.SQLitePath)
	case "", "memory":
		zap.L().Warn("using in-memory store, nothing will persist")
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Store.Driver)
	}
}

// initEnv wires the full component graph. Callers should defer
// env.Close().
func initEnv(ctx context.Context) (*ingestEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	collector := monitoring.NewCollector(st)
	governor := budget.NewGovernor(cfg.Budget, st,
		budget.WithAlertFunc(collector.RecordBudgetAlert))

	reasonerClient := reasoner.NewClient(cfg.Reasoner.Key)
	dispatcher := dispatch.New(reasonerClient, cfg.Dispatcher)
	dispatchCtx, cancel := context.WithCancel(context.Background())
	dispatcher.Start(dispatchCtx)

	var embedder embed.Client
	if cfg.Embed.Local || cfg.Embed.Key == "" {
		embedder = embed.NewLocal()
	} else {
		var opts []embed.Option
		if cfg.Embed.BaseURL != "" {
			opts = append(opts, embed.WithBaseURL(cfg.Embed.BaseURL))
		}
		embedder = embed.NewClient(cfg.Embed.Key, cfg.Embed.Model, opts...)
	}

	an := analyzer.New(cfg.Analyzer)
	rt := router.New(cfg.Router)
	ex := router.NewExtractor(cfg.Router, cfg.Reasoner, dispatcher, governor, st, an)
	mn := miner.New(cfg.Miner, cfg.Reasoner, dispatcher, governor, embedder)
	nm := normalizer.New(cfg.Normalizer)
	gt := gate.New(cfg.Gate, cfg.Reasoner, gate.NewProfileStore(cfg.Gate.ProfilePath), dispatcher, governor, embedder, st)

	sup := supervisor.New(cfg.Supervisor, an, rt, ex, mn, nm, gt, governor, st)

	return &ingestEnv{
		Store:      st,
		Dispatcher: dispatcher,
		Supervisor: sup,
		Collector:  collector,
		cancel:     cancel,
	}, nil
}
