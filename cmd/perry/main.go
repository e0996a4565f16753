// perry is a single-host daemon managing container-isolated development
// workspaces, interactive terminals and persistent AI agent sessions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/perrydev/perry/internal/chat"
	"github.com/perrydev/perry/internal/common/config"
	"github.com/perrydev/perry/internal/common/logger"
	"github.com/perrydev/perry/internal/container"
	"github.com/perrydev/perry/internal/server"
	"github.com/perrydev/perry/internal/sessions"
	"github.com/perrydev/perry/internal/state"
	"github.com/perrydev/perry/internal/syncer"
	"github.com/perrydev/perry/internal/terminal"
	"github.com/perrydev/perry/internal/workspace"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "perry:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting perry",
		zap.String("version", version),
		zap.String("config_dir", cfg.ConfigDir),
		zap.Int("port", cfg.Port))

	driver := container.NewDriver(cfg.Workspace.ContainerCLI, log)
	store := state.NewStore(cfg.StatePath(), log)
	registry := sessions.NewRegistry(cfg.RegistryPath(), log)
	engine := syncer.NewEngine(driver, cfg, log)

	workspaces := workspace.NewManager(cfg, driver, store, registry, engine, log)
	terminals := terminal.NewMultiplexer(cfg, driver, log)
	chats := chat.NewManager(cfg, chat.AdapterDeps{Driver: driver, Logger: log}, registry, log)
	history := chat.NewHistory(driver, registry, log)

	workspaces.SetPTYCloser(terminals)
	workspaces.SetSessionCloser(chats)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persisted statuses drift while the daemon is down; realign before
	// serving.
	if err := workspaces.Reconcile(ctx); err != nil {
		log.Warn("reconciling workspace state", zap.Error(err))
	}

	srv := server.New(server.Deps{
		Config:     cfg,
		Logger:     log,
		Version:    version,
		Workspaces: workspaces,
		Chats:      chats,
		History:    history,
		Terminals:  terminals,
		Registry:   registry,
		Store:      store,
		Driver:     driver,
	})

	err = srv.Run(ctx)
	chats.DisposeAll("daemon shutting down")
	if err != nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
