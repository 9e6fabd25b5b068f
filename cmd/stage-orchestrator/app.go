package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/compose-network/stage-orchestrator/cmd/stage-orchestrator/config"
	apisrv "github.com/compose-network/stage-orchestrator/server/api"
	apimw "github.com/compose-network/stage-orchestrator/server/api/middleware"
	"github.com/compose-network/stage-orchestrator/x/stage/artifact"
	"github.com/compose-network/stage-orchestrator/x/stage/dispatch"
	"github.com/compose-network/stage-orchestrator/x/stage/orchestrator"
	"github.com/compose-network/stage-orchestrator/x/stage/store"
	"github.com/compose-network/stage-orchestrator/x/stage/workerdir"
)

// App wires together the Job Store, Artifact Store, Worker Directory,
// Dispatch Client, Stage Orchestrator, and Front Service into one running
// process, the way shared-publisher-leader-app wires its publisher and API
// server.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	store        *store.Store
	orchestrator *orchestrator.Orchestrator
	apiServer    *apisrv.Server

	cancel context.CancelFunc
}

// NewApp constructs an App and every component it owns, but starts nothing.
func NewApp(cfg *config.Config, log zerolog.Logger) (*App, error) {
	a := &App{
		cfg: cfg,
		log: log.With().Str("component", "app").Logger(),
	}
	if err := a.initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize app: %w", err)
	}
	return a, nil
}

func (a *App) initialize() error {
	st, err := store.Open(a.cfg.Stage.DatabaseURL, a.log)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	a.store = st

	if err := a.seedUsers(); err != nil {
		return err
	}

	art := artifact.New(a.cfg.Stage.BaseDir)

	dir := a.buildWorkerDirectory()
	dispatchClient := dispatch.New(dir, nil, a.log)

	a.orchestrator = orchestrator.New(a.store, dispatchClient, art, a.cfg.Orchestrator, a.log)

	apiCfg := a.cfg.API
	s := apisrv.NewServer(apiCfg, a.log)
	s.Use(apimw.Recover(a.log))
	s.Use(apimw.RequestID())
	s.Use(apimw.Logger(a.log))

	proofHandler := apisrv.NewProofHandler(a.store, art, a.cfg.Stage, a.log)
	proofHandler.RegisterMux(s.Router)
	s.Router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)

	a.apiServer = s
	return nil
}

// seedUsers inserts the operator-configured whitelist into the users table.
// Idempotent: InsertUser is INSERT OR IGNORE.
func (a *App) seedUsers() error {
	ctx := context.Background()
	for _, addr := range a.cfg.Users {
		if err := a.store.InsertUser(ctx, addr); err != nil {
			return fmt.Errorf("seed whitelisted user %s: %w", addr, err)
		}
	}
	return nil
}

func (a *App) buildWorkerDirectory() *workerdir.Directory {
	var general, snark []workerdir.Node
	for _, n := range a.cfg.Workers.Nodes {
		node := workerdir.Node{Addr: n.Addr, Snark: n.Snark}
		general = append(general, node)
		if n.Snark {
			snark = append(snark, node)
		}
	}
	prober := workerdir.NewDialProber(a.cfg.Workers.ProbeTimeout)
	return workerdir.New(general, snark, prober, a.log)
}

// Run starts the Stage Orchestrator's scan loop and the Front Service's
// HTTP server, and blocks until a shutdown signal arrives or ctx is done.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	go a.orchestrator.Run(runCtx)

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- a.apiServer.Start(runCtx)
	}()

	return a.runWithGracefulShutdown(runCtx, serveErrCh)
}

func (a *App) runWithGracefulShutdown(ctx context.Context, serveErrCh <-chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	a.log.Info().Msg("stage orchestrator started successfully")

	select {
	case <-ctx.Done():
		a.log.Info().Msg("context canceled, initiating shutdown")
	case sig := <-sigCh:
		a.log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-serveErrCh:
		if err != nil {
			a.log.Error().Err(err).Msg("API server exited unexpectedly")
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	return a.shutdown()
}

// shutdown releases resources after the API server and orchestrator have
// already observed ctx cancellation (apisrv.Server.Start shuts down its own
// http.Server on the context it was started with).
func (a *App) shutdown() error {
	if err := a.store.Close(); err != nil {
		a.log.Error().Err(err).Msg("job store close error")
	}

	a.log.Info().Msg("graceful shutdown complete")
	return nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":"%s"}`, time.Now().UTC().Format(time.RFC3339))
}
