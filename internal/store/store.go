// Package store holds the durable proposal map and its backends.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"ballotbox/internal/config"
	"ballotbox/internal/domain"
)

var (
	// ErrClosed is returned by operations on a closed map.
	ErrClosed = errors.New("store closed")
	// ErrConflict is returned when a record kept changing under Update.
	ErrConflict = errors.New("proposal changed concurrently")
)

const maxUpdateAttempts = 8

// Map is a durable mapping from a 64-bit key to a proposal record.
// Insert replaces unconditionally and returns the prior record, if any.
// Each call is atomic with respect to the key.
type Map interface {
	Get(ctx context.Context, key uint64) (domain.Proposal, bool, error)
	Insert(ctx context.Context, key uint64, p domain.Proposal) (domain.Proposal, bool, error)
	Len(ctx context.Context) (uint64, error)
	Close() error
}

// UpdateFunc derives the next record from the current one. found is false
// when key is absent. Returning write=false leaves the record untouched; an
// error aborts the update and is returned unchanged. It may run more than
// once and must not have side effects.
type UpdateFunc func(cur domain.Proposal, found bool) (next domain.Proposal, write bool, err error)

// Updater is a Map that can apply an UpdateFunc as one atomic step, even
// against writers outside this process.
type Updater interface {
	Update(ctx context.Context, key uint64, fn UpdateFunc) (domain.Proposal, bool, error)
}

// Update applies fn to the record at key. Maps that are not Updaters get a
// plain Get followed by Insert, so the caller must serialize writers. It
// returns the record as it stands afterwards and whether it was written.
func Update(ctx context.Context, m Map, key uint64, fn UpdateFunc) (domain.Proposal, bool, error) {
	if u, ok := m.(Updater); ok {
		return u.Update(ctx, key, fn)
	}
	cur, found, err := m.Get(ctx, key)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	next, write, err := fn(cur, found)
	if err != nil {
		return domain.Proposal{}, false, err
	}
	if !write {
		return cur, false, nil
	}
	if _, _, err := m.Insert(ctx, key, next); err != nil {
		return domain.Proposal{}, false, err
	}
	return next, true, nil
}

// Deps are the handles a backend may need.
type Deps struct {
	// DB is the workspace SQLite handle, required by the sqlite driver.
	DB *sql.DB
	// StateDir is where file-backed drivers keep their data when the
	// configured path is relative or empty.
	StateDir string
	Logger   *slog.Logger
}

// Open builds the map selected by cfg.Store.Driver.
func Open(ctx context.Context, cfg *config.Config, deps Deps) (Map, error) {
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		if deps.DB == nil {
			return nil, errors.New("sqlite store requires a database handle")
		}
		return NewSQLite(deps.DB), nil
	case config.DriverBadger:
		dir := cfg.Store.Path
		if dir == "" {
			dir = "badger"
		}
		if !filepath.IsAbs(dir) && deps.StateDir != "" {
			dir = filepath.Join(deps.StateDir, dir)
		}
		return NewBadger(WithDataDir(dir), WithLogger(logger))
	case config.DriverMemory:
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
