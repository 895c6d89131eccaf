package app

import (
	"context"
	"fmt"
	"log"
	"strings"

	"switchyard/internal/config"
	"switchyard/internal/lock"
	"switchyard/internal/router"
	"switchyard/internal/status"
	"switchyard/internal/store"
	"switchyard/internal/taskqueue"
	"switchyard/internal/worklog"
)

// App bundles the components sharing one store root.
type App struct {
	Config  *config.Config
	Logger  *log.Logger
	Store   *store.Store
	Router  *router.Router
	Locks   *lock.Manager
	Tasks   taskqueue.Queue
	WorkLog *worklog.Manager
	Status  *status.Aggregator
}

// ResolveConfig loads the workspace config and applies command-line
// overrides for the root and the coordinator id.
func ResolveConfig(workspace, rootOverride, coordinatorOverride string) (*config.Config, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rootOverride) != "" {
		cfg.Root = rootOverride
	}
	if strings.TrimSpace(coordinatorOverride) != "" {
		cfg.Coordinator = coordinatorOverride
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open wires every component against cfg.Root.
func Open(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	if logger == nil {
		logger = log.Default()
	}
	s, err := store.Open(cfg.Root, logger)
	if err != nil {
		return nil, err
	}
	r := router.New(s, router.OptionsFromConfig(cfg, logger))
	locks, err := lock.New(s, lock.OptionsFromConfig(cfg, logger))
	if err != nil {
		return nil, fmt.Errorf("open locks: %w", err)
	}
	q, err := taskqueue.New(s, r, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open tasks: %w", err)
	}
	wl, err := worklog.Open(ctx, s.Root(), logger)
	if err != nil {
		return nil, fmt.Errorf("open worklog: %w", err)
	}
	return &App{
		Config:  cfg,
		Logger:  logger,
		Store:   s,
		Router:  r,
		Locks:   locks,
		Tasks:   q,
		WorkLog: wl,
		Status:  status.New(r, q, locks, wl, status.OptionsFromConfig(cfg)),
	}, nil
}

// Close releases the work log database.
func (a *App) Close() error {
	if a.WorkLog == nil {
		return nil
	}
	return a.WorkLog.Close()
}
