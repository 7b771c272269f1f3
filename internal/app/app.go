// Package app wires the workspace database, the proposal store and the
// registry into one stack shared by the CLI and the HTTP server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"ballotbox/internal/config"
	"ballotbox/internal/db"
	"ballotbox/internal/events"
	"ballotbox/internal/metrics"
	"ballotbox/internal/migrate"
	"ballotbox/internal/registry"
	"ballotbox/internal/repo"
	"ballotbox/internal/store"
)

type Options struct {
	Workspace string
	// Config defaults to the workspace ballotbox.yml, or built-in defaults
	// when that file is missing.
	Config *config.Config
	Caller registry.CallerSource
	Logger *slog.Logger
	// Prometheus is optional; nil disables metrics.
	Prometheus prometheus.Registerer
}

type Stack struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Store    store.Map
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Open prepares the workspace, applies migrations and builds the registry.
func Open(ctx context.Context, opts Options) (*Stack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	m, err := store.Open(ctx, cfg, store.Deps{
		DB:       conn,
		StateDir: db.StateDir(opts.Workspace),
		Logger:   logger.With("component", "store"),
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	met := metrics.New(opts.Prometheus)
	reg, err := registry.New(registry.Config{
		Store:          m,
		Caller:         opts.Caller,
		Events:         events.Writer{DB: conn},
		Metrics:        met,
		Logger:         logger.With("component", "registry"),
		MaxEncodedSize: cfg.Limits.MaxEncodedSize,
	})
	if err != nil {
		m.Close()
		conn.Close()
		return nil, err
	}
	if n, err := m.Len(ctx); err == nil {
		met.SetProposals(n)
	}
	logger.Debug("stack opened", "workspace", opts.Workspace, "driver", cfg.Store.Driver)
	return &Stack{
		Config:   cfg,
		DB:       conn,
		Repo:     repo.Repo{DB: conn},
		Store:    m,
		Registry: reg,
		Metrics:  met,
		Logger:   logger,
	}, nil
}

// Close releases the store before the database it may sit on.
func (s *Stack) Close() error {
	if s == nil {
		return nil
	}
	return errors.Join(s.Store.Close(), s.DB.Close())
}
