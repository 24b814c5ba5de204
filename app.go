package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/daybook-app/daybook-go/internal/api"
	"github.com/daybook-app/daybook-go/internal/config"
	"github.com/daybook-app/daybook-go/internal/sync"
	"github.com/daybook-app/daybook-go/internal/tokenfile"
)

// fileTokenSource reads the bearer token from the token file on each
// request, so a re-login is picked up without restarting a watch session.
type fileTokenSource struct {
	path string
}

func (s *fileTokenSource) Token() (string, error) {
	token, _, err := tokenfile.Load(s.path)
	if err != nil {
		return "", err
	}

	return token, nil
}

// app wires the full client stack for a command invocation: store, queue,
// engine, scheduler, and service, all sharing one logger and config.
type app struct {
	cfg       *config.Resolved
	logger    *slog.Logger
	service   *sync.Service
	scheduler *sync.Scheduler
}

// openApp builds the client stack from the resolved configuration and runs
// startup recovery. Callers must Close it.
func openApp(ctx context.Context) (*app, error) {
	logger := buildLogger()
	cfg := resolvedCfg

	if err := os.MkdirAll(cfg.DataDir, tokenfile.DirPerms); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cfg.DataDir, err)
	}

	store, err := sync.NewStore(cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	queue := sync.NewQueue(store, logger)

	client := api.NewClient(cfg.ServerURL, defaultHTTPClient(), &fileTokenSource{path: cfg.TokenPath}, logger)
	engine := sync.NewEngine(store, queue, client, cfg.RequestTimeout, logger)

	scheduler := sync.NewScheduler(engine, sync.Options{
		Interval:       cfg.Interval,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RetryMaxDelay:  cfg.RetryMaxDelay,
		SyncOnStart:    cfg.SyncOnStart,
	}, logger)

	service := sync.NewService(store, queue, scheduler, logger)

	if err := service.Recover(ctx); err != nil {
		service.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		service:   service,
		scheduler: scheduler,
	}, nil
}

func (a *app) Close() error {
	return a.service.Close()
}

// requireServer fails early for commands that cannot proceed without a
// configured server.
func requireServer() error {
	if resolvedCfg.ServerURL == "" {
		return fmt.Errorf("no server configured: set server_url in the config file, DAYBOOK_SERVER_URL, or --server")
	}

	return nil
}
