// Command responder runs the support-email response pipeline: discovery
// poller, priority queue with a single dispatch worker, multi-provider
// response generator, and the HTTP API with a live event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"responder/pkg/config"
	"responder/pkg/dataset"
	"responder/pkg/dispatch"
	"responder/pkg/eventlog"
	"responder/pkg/events"
	"responder/pkg/fetch"
	"responder/pkg/generate"
	"responder/pkg/kb"
	"responder/pkg/limiter"
	"responder/pkg/logx"
	"responder/pkg/metrics"
	"responder/pkg/persistence"
	"responder/pkg/version"
	"responder/pkg/webapi"
)

const shutdownTimeout = 30 * time.Second

// App owns every pipeline component and their startup/shutdown order.
type App struct {
	store       *persistence.Store
	index       *kb.Index
	gates       *limiter.Registry
	generator   *generate.Generator
	broadcaster *events.Broadcaster
	dispatcher  *dispatch.Dispatcher
	poller      *fetch.Poller
	eventLog    *eventlog.Writer
	detachLog   func()
	server      *webapi.Server
	logger      *logx.Logger
}

func main() {
	var configPath string
	var addr string
	var datasetPath string
	var datasetWipe bool
	flag.StringVar(&configPath, "config", "responder.yaml", "Path to config file")
	flag.StringVar(&addr, "addr", "", "Listen address (overrides config)")
	flag.StringVar(&datasetPath, "load-dataset", "", "Load a CSV dataset at startup and queue response jobs")
	flag.BoolVar(&datasetWipe, "wipe", false, "Wipe existing messages before loading the dataset")
	flag.Parse()

	if err := config.Load(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	loadSecrets()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Config not available: %v", err)
	}
	if addr == "" {
		addr = cfg.Server.Addr
	}

	app, err := NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if datasetPath != "" {
		summary, err := dataset.Load(app.store, app.dispatcher, datasetPath, dataset.Options{
			Wipe:              datasetWipe,
			GenerateResponses: true,
		})
		if err != nil {
			log.Fatalf("Failed to load dataset: %v", err)
		}
		app.logger.Info("Dataset loaded: %d rows (%d errors)", summary.Loaded, summary.Errors)
	}

	if err := app.Start(ctx, cfg, addr); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	app.logger.Info("Received signal %v, initiating graceful shutdown", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error during shutdown: %v", err)
		os.Exit(1)
	}
	app.logger.Info("Responder shutdown completed")
}

// NewApp builds the pipeline from configuration.
func NewApp(cfg config.Config) (*App, error) {
	logger := logx.NewLogger("responder")
	logger.Info("Responder %s starting", version.Version)

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	index, err := kb.NewIndex()
	if err != nil {
		return nil, fmt.Errorf("failed to build knowledge index: %w", err)
	}
	if cfg.KBDir != "" {
		count, err := index.LoadDir(cfg.KBDir)
		if err != nil {
			logger.Warn("Knowledge base load failed: %v", err)
		} else {
			logger.Info("Knowledge base loaded: %d snippets from %s", count, cfg.KBDir)
		}
	}

	recorder := metrics.NewRecorder()
	gates := limiter.NewRegistry()
	generator, err := generate.New(cfg.Generator, gates, index, recorder)
	if err != nil {
		return nil, fmt.Errorf("failed to build generator: %w", err)
	}

	broadcaster := events.NewBroadcaster(recorder)
	dispatcher := dispatch.NewDispatcher(store, generator, broadcaster, recorder)
	poller := fetch.NewPoller(store, dispatcher, broadcaster, recorder)
	server := webapi.NewServer(store, dispatcher, poller, generator, gates, broadcaster)

	eventLog, err := eventlog.NewWriter(cfg.EventLog)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &App{
		store:       store,
		index:       index,
		gates:       gates,
		generator:   generator,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		poller:      poller,
		eventLog:    eventLog,
		server:      server,
		logger:      logger,
	}, nil
}

// Start brings the pipeline up: event log tail, dispatch worker, poller
// (when configured to auto-start), then the HTTP server.
func (a *App) Start(ctx context.Context, cfg config.Config, addr string) error {
	a.detachLog = eventlog.Attach(a.broadcaster, a.eventLog)

	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatch worker: %w", err)
	}

	// Pick up messages that never got a reply in a previous run.
	requeued, err := a.dispatcher.RequeuePending(cfg.Poller.FetchLimit)
	if err != nil {
		a.logger.Warn("Requeue of pending messages failed: %v", err)
	} else if requeued > 0 {
		a.logger.Info("Requeued %d pending messages", requeued)
	}

	if cfg.Poller.AutoStart {
		if err := a.poller.Start(ctx); err != nil {
			return fmt.Errorf("failed to start poller: %w", err)
		}
	}

	return a.server.StartServer(ctx, addr)
}

// Shutdown stops components in reverse dependency order.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error

	if err := a.poller.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.dispatcher.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.detachLog != nil {
		a.detachLog()
	}
	if err := a.eventLog.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// loadSecrets decrypts the provider credentials file when present. A
// missing file or password is fine; credentials then come from env vars.
func loadSecrets() {
	logger := logx.NewLogger("responder")
	dir := os.Getenv("RESPONDER_SECRETS_DIR")
	if dir == "" {
		dir = "."
	}
	if !config.SecretsFileExists(dir) {
		return
	}
	password := os.Getenv("RESPONDER_SECRETS_PASSWORD")
	if password == "" {
		logger.Warn("Secrets file present but RESPONDER_SECRETS_PASSWORD not set; skipping")
		return
	}
	if err := config.LoadSecretsFile(dir, password); err != nil {
		logger.Warn("Failed to load secrets file: %v", err)
		return
	}
	logger.Info("Loaded provider credentials from secrets file")
}
